package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-discover/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
    attempts  int
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr, attempts: 3}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

// WithAttempts overrides how many times a request is tried.
func (c *Client) WithAttempts(n int) *Client {
    if n > 0 { c.attempts = n }
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    b, _, err := c.do(ctx, c.httpc, http.MethodGet, c.url(addr, "/status"), nil, true)
    return b, err
}

func (c *Client) GetPeers(ctx context.Context, addr string) ([]byte, error) {
    b, _, err := c.do(ctx, c.httpc, http.MethodGet, c.url(addr, "/peers"), nil, true)
    return b, err
}

// PostDiscover asks the node at addr to run a discovery round. The HTTP
// timeout is stretched to cover the requested wait. A failed round is not
// retried since the remote node already spent the wait.
func (c *Client) PostDiscover(ctx context.Context, addr string, req transport.DiscoverRequest) (transport.DiscoverResponse, error) {
    var out transport.DiscoverResponse
    body, err := json.Marshal(req)
    if err != nil { return out, err }
    hc := c.httpc
    if wait := time.Duration(req.WaitMillis) * time.Millisecond; hc.Timeout > 0 && hc.Timeout < wait+time.Second {
        cp := *hc
        cp.Timeout = wait + time.Second
        hc = &cp
    }
    b, status, err := c.do(ctx, hc, http.MethodPost, c.url(addr, "/discover"), body, false)
    if len(b) > 0 && (err == nil || status == http.StatusInternalServerError || status == http.StatusBadRequest) {
        if jerr := json.Unmarshal(b, &out); jerr != nil && err == nil { return out, fmt.Errorf("httpjson: decode discover response: %w", jerr) }
    }
    if err != nil && out.Error != "" { return out, errors.New(out.Error) }
    return out, err
}

// do sends the request, retrying transport failures (and 5xx answers when
// retry5xx is set) with exponential backoff. The last response body is
// returned alongside errors.
func (c *Client) do(ctx context.Context, hc *http.Client, method, url string, body []byte, retry5xx bool) ([]byte, int, error) {
    var (
        lastErr  error
        lastBody []byte
        status   int
    )
    for attempt := 0; attempt < c.attempts; attempt++ {
        var rd io.Reader
        if body != nil { rd = bytes.NewReader(body) }
        req, err := http.NewRequestWithContext(ctx, method, url, rd)
        if err != nil { return nil, 0, err }
        if body != nil { req.Header.Set("Content-Type", "application/json") }
        resp, err := hc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            b, rerr := io.ReadAll(resp.Body)
            resp.Body.Close()
            status, lastBody = resp.StatusCode, b
            switch {
            case rerr != nil:
                lastErr = rerr
            case resp.StatusCode == http.StatusOK:
                return b, status, nil
            case resp.StatusCode < 500 || !retry5xx:
                return b, status, fmt.Errorf("httpjson: %s %s: status %d: %s", method, url, resp.StatusCode, bytes.TrimSpace(b))
            default:
                lastErr = fmt.Errorf("httpjson: %s %s: status %d: %s", method, url, resp.StatusCode, bytes.TrimSpace(b))
            }
        }
        if attempt == c.attempts-1 { break }
        select {
        case <-ctx.Done():
            if lastErr == nil { lastErr = ctx.Err() }
            return lastBody, status, lastErr
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return lastBody, status, lastErr
}

var _ transport.ManagementClient = (*Client)(nil)
