// Package tlsconfig turns file-based mTLS settings into *tls.Config values
// for the management API and the gRPC relay.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

// ErrConfig marks unusable TLS settings.
var ErrConfig = errors.New("tlsconfig: invalid configuration")

// ReloadInterval bounds how long a loaded certificate is reused by the
// hot-reload variants.
const ReloadInterval = 10 * time.Second

// Options defines mTLS configuration inputs.
type Options struct {
    Enable             bool   `toml:"enable"`
    CAFile             string `toml:"ca_file"`
    CertFile           string `toml:"cert_file"`
    KeyFile            string `toml:"key_file"`
    InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
    ServerName         string `toml:"server_name"`
}

func (o Options) Validate() error {
    if !o.Enable { return nil }
    if (o.CertFile == "") != (o.KeyFile == "") { return fmt.Errorf("%w: cert and key must be set together", ErrConfig) }
    return nil
}

// Server returns a tls.Config for servers if enabled, otherwise nil. A CA
// file switches on client certificate verification.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.serverBase()
    if err != nil { return nil, err }
    cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
    if err != nil { return nil, err }
    cfg.Certificates = []tls.Certificate{cert}
    return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if err := o.Validate(); err != nil { return nil, err }
    cfg, err := o.clientBase()
    if err != nil { return nil, err }
    if o.CertFile != "" {
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil { return nil, err }
        cfg.Certificates = []tls.Certificate{cert}
    }
    return cfg, nil
}

// ServerHotReload returns a server tls.Config that re-reads the key pair
// from disk on handshake at most once per ReloadInterval, so certificates
// can be rotated without a restart. The CA pool is loaded once.
func (o Options) ServerHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.serverBase()
    if err != nil { return nil, err }
    // fail fast on a bad pair instead of on the first handshake
    if _, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile); err != nil { return nil, err }
    r := &reloader{cert: o.CertFile, key: o.KeyFile}
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return r.load() }
    return cfg, nil
}

// ClientHotReload is the client-side counterpart of ServerHotReload.
func (o Options) ClientHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if err := o.Validate(); err != nil { return nil, err }
    cfg, err := o.clientBase()
    if err != nil { return nil, err }
    if o.CertFile != "" {
        r := &reloader{cert: o.CertFile, key: o.KeyFile}
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return r.load() }
    }
    return cfg, nil
}

func (o Options) serverBase() (*tls.Config, error) {
    if o.CertFile == "" || o.KeyFile == "" { return nil, fmt.Errorf("%w: server cert/key required when TLS enabled", ErrConfig) }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

func (o Options) clientBase() (*tls.Config, error) {
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.ServerName != "" { cfg.ServerName = o.ServerName }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
    ca, err := os.ReadFile(path)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(ca) { return nil, fmt.Errorf("%w: no certificates in %s", ErrConfig, path) }
    return pool, nil
}

type reloader struct {
    cert, key string
    now       func() time.Time

    mu       sync.RWMutex
    cached   *tls.Certificate
    lastLoad time.Time
}

func (r *reloader) load() (*tls.Certificate, error) {
    now := time.Now
    if r.now != nil { now = r.now }
    r.mu.RLock()
    if r.cached != nil && now().Sub(r.lastLoad) < ReloadInterval {
        c := r.cached
        r.mu.RUnlock()
        return c, nil
    }
    r.mu.RUnlock()
    cert, err := tls.LoadX509KeyPair(r.cert, r.key)
    if err != nil { return nil, err }
    r.mu.Lock()
    r.cached, r.lastLoad = &cert, now()
    r.mu.Unlock()
    return &cert, nil
}
