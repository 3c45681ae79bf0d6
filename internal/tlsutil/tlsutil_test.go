package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCertGeneratesOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls", "cert.pem")
	keyPath := filepath.Join(dir, "tls", "key.pem")

	require.NoError(t, EnsureCert(certPath, keyPath, "openTiger Agent"))

	certPEM, err := os.ReadFile(certPath)
	require.NoError(t, err)
	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, []string{"openTiger Agent"}, cert.Subject.Organization)
	assert.Contains(t, cert.DNSNames, "localhost")
	assert.NoError(t, cert.VerifyHostname("127.0.0.1"))

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = tls.LoadX509KeyPair(certPath, keyPath)
	require.NoError(t, err)

	// Existing files are left alone
	require.NoError(t, EnsureCert(certPath, keyPath, "other"))
	again, err := os.ReadFile(certPath)
	require.NoError(t, err)
	assert.Equal(t, certPEM, again)
}

func TestIsLoopbackHost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"127.0.0.1", true},
		{"127.1.2.3", true},
		{"::1", true},
		{"10.0.0.1", false},
		{"example.com", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isLoopbackHost(tt.host))
		})
	}
}

func TestHTTPClientAcceptsLoopbackSelfSigned(t *testing.T) {
	t.Parallel()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := newHTTPClient(5*time.Second, func(string) string { return "" })
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHTTPClientEnvironment(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"OPENTIGER_TLS_INSECURE_HOSTS": " agent.internal , ,10.0.0.5",
	}
	client := newHTTPClient(time.Second, func(k string) string { return env[k] })
	tr := client.Transport.(*loopbackTransport)
	assert.False(t, tr.insecureAll)
	assert.Len(t, tr.insecureHosts, 2)
	assert.Contains(t, tr.insecureHosts, "agent.internal")

	env["OPENTIGER_TLS_INSECURE"] = "1"
	client = newHTTPClient(time.Second, func(k string) string { return env[k] })
	assert.True(t, client.Transport.(*loopbackTransport).insecureAll)
}
