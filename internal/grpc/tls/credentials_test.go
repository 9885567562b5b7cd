package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientAuthType(t *testing.T) {
	tests := []struct {
		in   string
		want tls.ClientAuthType
	}{
		{"", tls.NoClientCert},
		{"none", tls.NoClientCert},
		{"request", tls.RequestClientCert},
		{"require", tls.RequireAndVerifyClientCert},
	}
	for _, tt := range tests {
		got, err := ParseClientAuthType(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseClientAuthType("always")
	assert.Error(t, err)
}

func TestServerOptions_Disabled(t *testing.T) {
	opts, err := ServerOptions(Config{})
	require.NoError(t, err)
	assert.Empty(t, opts)

	opt, err := DialOption(Config{}, "")
	require.NoError(t, err)
	assert.NotNil(t, opt)
}

func TestLoadCredentials_Errors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))

	_, err := LoadClientCredentials("", "", garbage, "")
	assert.ErrorIs(t, err, ErrInvalidCA)

	_, err = LoadClientCredentials("", "", filepath.Join(dir, "missing.pem"), "")
	assert.Error(t, err)

	_, err = ServerOptions(Config{Enabled: true, CertFile: "nope.pem", KeyFile: "nope.key"})
	assert.Error(t, err)
}
