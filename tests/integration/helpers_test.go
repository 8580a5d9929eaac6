//go:build integration

package integration

import (
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/json"
    "encoding/pem"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "strconv"
    "testing"
    "time"

    "github.com/amirimatin/go-discover/pkg/transport/httpjson"
)

var errNotYet = &temporaryError{}

type temporaryError struct{}

func (e *temporaryError) Error() string { return "not yet" }

func waitUntil(t *testing.T, timeout time.Duration, fn func() error) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    var last error
    for time.Now().Before(deadline) {
        if err := fn(); err == nil {
            return
        } else {
            last = err
        }
        time.Sleep(200 * time.Millisecond)
    }
    t.Fatalf("timeout waiting for condition: %v", last)
}

func freeAddr(t *testing.T) string {
    t.Helper()
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil { t.Fatalf("freeAddr: %v", err) }
    defer ln.Close()
    return net.JoinHostPort("127.0.0.1", strconv.Itoa(ln.Addr().(*net.TCPAddr).Port))
}

type status struct {
    ID      string `json:"id"`
    Running bool   `json:"running"`
    Peers   []struct {
        ID    string   `json:"id"`
        Addrs []string `json:"addrs"`
    } `json:"peers"`
}

func fetchStatus(ctx context.Context, cli *httpjson.Client, addr string) (status, error) {
    var s status
    b, err := cli.GetStatus(ctx, addr)
    if err != nil { return s, err }
    if err := json.Unmarshal(b, &s); err != nil { return s, err }
    return s, nil
}

func writePEM(t *testing.T, path, typ string, der []byte) {
    t.Helper()
    if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600); err != nil { t.Fatalf("write %s: %v", path, err) }
}

// mustMakeTestCerts writes a CA and one node certificate usable both as
// server and client for 127.0.0.1.
func mustMakeTestCerts(t *testing.T, dir string) (caCrt, nodeCrt, nodeKey string) {
    t.Helper()
    caPriv, _ := rsa.GenerateKey(rand.Reader, 2048)
    caTpl := &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "go-discover-ca"}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(48 * time.Hour), KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign, IsCA: true, BasicConstraintsValid: true}
    caDER, _ := x509.CreateCertificate(rand.Reader, caTpl, caTpl, &caPriv.PublicKey, caPriv)
    caCrt = filepath.Join(dir, "ca.crt")
    writePEM(t, caCrt, "CERTIFICATE", caDER)

    priv, _ := rsa.GenerateKey(rand.Reader, 2048)
    tpl := &x509.Certificate{
        SerialNumber: big.NewInt(time.Now().UnixNano()),
        Subject:      pkix.Name{CommonName: "node"},
        NotBefore:    time.Now().Add(-time.Hour),
        NotAfter:     time.Now().Add(24 * time.Hour),
        KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
        ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
    }
    der, _ := x509.CreateCertificate(rand.Reader, tpl, caTpl, &priv.PublicKey, caPriv)
    nodeCrt = filepath.Join(dir, "node.crt")
    nodeKey = filepath.Join(dir, "node.key")
    writePEM(t, nodeCrt, "CERTIFICATE", der)
    writePEM(t, nodeKey, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
    return caCrt, nodeCrt, nodeKey
}
