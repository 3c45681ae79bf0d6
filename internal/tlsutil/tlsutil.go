// Package tlsutil provides self-signed certificates for the agent server and
// an HTTP client that accepts them on loopback addresses.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CertValidity is the lifetime of generated certificates.
const CertValidity = 365 * 24 * time.Hour

// GenerateSelfSignedCert writes a self-signed ECDSA P-256 certificate and key
// valid for localhost, the loopback addresses and the host name.
func GenerateSelfSignedCert(certPath, keyPath, organization string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating private key: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generating serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   hostname,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(CertValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", hostname},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("creating certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("encoding private key: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", certDER, 0o644); err != nil {
		return err
	}
	return writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0o600)
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s directory: %w", blockType, err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// EnsureCert generates a certificate pair unless both files already exist.
func EnsureCert(certPath, keyPath, organization string) error {
	if fileExists(certPath) && fileExists(keyPath) {
		return nil
	}
	return GenerateSelfSignedCert(certPath, keyPath, organization)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ServerConfig returns the TLS settings for the agent server.
func ServerConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// loopbackTransport skips certificate verification for HTTPS requests to
// loopback hosts and to hosts listed explicitly.
type loopbackTransport struct {
	secure        http.RoundTripper
	insecure      http.RoundTripper
	insecureAll   bool
	insecureHosts map[string]struct{}
}

func (t *loopbackTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.insecureAll {
		return t.insecure.RoundTrip(req)
	}
	if req.URL != nil && req.URL.Scheme == "https" {
		host := req.URL.Hostname()
		if _, ok := t.insecureHosts[host]; ok || isLoopbackHost(host) {
			return t.insecure.RoundTrip(req)
		}
	}
	return t.secure.RoundTrip(req)
}

func cloneDefaultTransport() *http.Transport {
	if dt, ok := http.DefaultTransport.(*http.Transport); ok {
		return dt.Clone()
	}
	return &http.Transport{Proxy: http.ProxyFromEnvironment}
}

// NewHTTPClient returns a client that verifies TLS normally but accepts
// self-signed certificates from loopback hosts.
//
// OPENTIGER_TLS_INSECURE=1 disables verification for every host;
// OPENTIGER_TLS_INSECURE_HOSTS adds a comma-separated list of hosts.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return newHTTPClient(timeout, os.Getenv)
}

func newHTTPClient(timeout time.Duration, getenv func(string) string) *http.Client {
	secure := cloneDefaultTransport()
	secure.TLSClientConfig = ServerConfig()

	insecure := cloneDefaultTransport()
	insecureTLS := ServerConfig()
	insecureTLS.InsecureSkipVerify = true
	insecure.TLSClientConfig = insecureTLS

	hosts := map[string]struct{}{}
	for _, host := range strings.Split(getenv("OPENTIGER_TLS_INSECURE_HOSTS"), ",") {
		if host = strings.TrimSpace(host); host != "" {
			hosts[host] = struct{}{}
		}
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &loopbackTransport{
			secure:        secure,
			insecure:      insecure,
			insecureAll:   getenv("OPENTIGER_TLS_INSECURE") == "1",
			insecureHosts: hosts,
		},
	}
}
