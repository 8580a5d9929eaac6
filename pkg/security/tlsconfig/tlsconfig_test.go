package tlsconfig

import (
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/tls"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "errors"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"
)

// writePKI creates a CA plus one leaf valid for 127.0.0.1 and returns the
// file paths.
func writePKI(t *testing.T) (caFile, certFile, keyFile string) {
    t.Helper()
    dir := t.TempDir()
    caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    if err != nil { t.Fatal(err) }
    caTmpl := &x509.Certificate{
        SerialNumber:          big.NewInt(1),
        Subject:               pkix.Name{CommonName: "test-ca"},
        NotBefore:             time.Now().Add(-time.Hour),
        NotAfter:              time.Now().Add(time.Hour),
        IsCA:                  true,
        KeyUsage:              x509.KeyUsageCertSign,
        BasicConstraintsValid: true,
    }
    caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
    if err != nil { t.Fatal(err) }
    caCert, _ := x509.ParseCertificate(caDER)

    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    if err != nil { t.Fatal(err) }
    leaf := &x509.Certificate{
        SerialNumber: big.NewInt(2),
        Subject:      pkix.Name{CommonName: "node"},
        NotBefore:    time.Now().Add(-time.Hour),
        NotAfter:     time.Now().Add(time.Hour),
        KeyUsage:     x509.KeyUsageDigitalSignature,
        ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
    }
    der, err := x509.CreateCertificate(rand.Reader, leaf, caCert, &key.PublicKey, caKey)
    if err != nil { t.Fatal(err) }
    keyDER, err := x509.MarshalECPrivateKey(key)
    if err != nil { t.Fatal(err) }

    caFile = filepath.Join(dir, "ca.pem")
    certFile = filepath.Join(dir, "cert.pem")
    keyFile = filepath.Join(dir, "key.pem")
    write := func(path, typ string, b []byte) {
        if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: b}), 0o600); err != nil { t.Fatal(err) }
    }
    write(caFile, "CERTIFICATE", caDER)
    write(certFile, "CERTIFICATE", der)
    write(keyFile, "EC PRIVATE KEY", keyDER)
    return caFile, certFile, keyFile
}

func TestDisabledReturnsNil(t *testing.T) {
    var o Options
    for _, f := range []func() (*tls.Config, error){o.Server, o.Client, o.ServerHotReload, o.ClientHotReload} {
        cfg, err := f()
        if err != nil || cfg != nil { t.Fatalf("expected nil config, got %v %v", cfg, err) }
    }
}

func TestServerRequiresPair(t *testing.T) {
    _, err := Options{Enable: true}.Server()
    if !errors.Is(err, ErrConfig) { t.Fatalf("expected ErrConfig, got %v", err) }
    _, err = Options{Enable: true, CertFile: "x"}.Client()
    if !errors.Is(err, ErrConfig) { t.Fatalf("expected ErrConfig for half pair, got %v", err) }
}

func TestBadCAFile(t *testing.T) {
    path := filepath.Join(t.TempDir(), "ca.pem")
    if err := os.WriteFile(path, []byte("not pem"), 0o600); err != nil { t.Fatal(err) }
    _, err := Options{Enable: true, CAFile: path}.Client()
    if !errors.Is(err, ErrConfig) { t.Fatalf("expected ErrConfig, got %v", err) }
}

func TestMutualTLSHandshake(t *testing.T) {
    ca, cert, key := writePKI(t)
    o := Options{Enable: true, CAFile: ca, CertFile: cert, KeyFile: key}
    srvCfg, err := o.ServerHotReload()
    if err != nil { t.Fatalf("server cfg: %v", err) }
    if srvCfg.ClientAuth != tls.RequireAndVerifyClientCert { t.Fatalf("expected client auth to be required") }
    cliCfg, err := o.ClientHotReload()
    if err != nil { t.Fatalf("client cfg: %v", err) }

    ln, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
    if err != nil { t.Fatal(err) }
    defer ln.Close()
    done := make(chan error, 1)
    go func() {
        c, err := ln.Accept()
        if err != nil { done <- err; return }
        defer c.Close()
        done <- c.(*tls.Conn).Handshake()
    }()
    conn, err := tls.Dial("tcp", ln.Addr().String(), cliCfg)
    if err != nil { t.Fatalf("dial: %v", err) }
    defer conn.Close()
    select {
    case err := <-done:
        if err != nil { t.Fatalf("server handshake: %v", err) }
    case <-time.After(3 * time.Second):
        t.Fatalf("handshake timeout")
    }
}

func TestReloaderCaches(t *testing.T) {
    _, cert, key := writePKI(t)
    now := time.Unix(1000, 0)
    r := &reloader{cert: cert, key: key, now: func() time.Time { return now }}
    a, err := r.load()
    if err != nil { t.Fatal(err) }
    b, _ := r.load()
    if a != b { t.Fatalf("expected cached certificate within interval") }
    now = now.Add(ReloadInterval)
    c, _ := r.load()
    if c == a { t.Fatalf("expected reload after interval") }
}
