package ipmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"10.0.0.1", "192.168.0.0/16"}, ParseList(" 10.0.0.1, ,192.168.0.0/16,"))
	assert.Nil(t, ParseList(""))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "192.168.0.1", Normalize("::ffff:192.168.0.1"))
	assert.Equal(t, "192.168.0.1", Normalize("0:0:0:0:0:ffff:c0a8:0001"))
	assert.Equal(t, "10.0.0.1", Normalize("10.0.0.1"))
	assert.Equal(t, "::1", Normalize("::1"))
	assert.Equal(t, "not-an-ip", Normalize("not-an-ip"))
}

func TestMatcher_Allowed(t *testing.T) {
	m, err := NewMatcher([]string{"10.0.0.5", "192.168.0.0/16", "172.16.*.*", "::ffff:8.8.8.8", "fd00::/8"})
	require.NoError(t, err)

	tests := []struct {
		ip      string
		allowed bool
	}{
		{"10.0.0.5", true},
		{"10.0.0.6", false},
		{"192.168.44.2", true},
		{"::ffff:192.168.1.1", true},
		{"192.169.0.1", false},
		{"172.16.3.4", true},
		{"172.17.3.4", false},
		{"8.8.8.8", true},
		{"fd12::1", true},
		{"garbage", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.allowed, m.Allowed(tt.ip))
		})
	}
}

func TestMatcher_WildcardSingleOctet(t *testing.T) {
	m, err := NewMatcher([]string{"192.168.0.*"})
	require.NoError(t, err)

	assert.True(t, m.Allowed("192.168.0.200"))
	assert.False(t, m.Allowed("192.168.1.200"))
}

func TestMatcher_EmptyAllowsAll(t *testing.T) {
	m, err := NewMatcher(nil)
	require.NoError(t, err)
	assert.False(t, m.Enabled())
	assert.True(t, m.Allowed("1.2.3.4"))

	var nilMatcher *Matcher
	assert.True(t, nilMatcher.Allowed("1.2.3.4"))
}

func TestMatcher_InvalidPatterns(t *testing.T) {
	m, err := NewMatcher([]string{"10.0.0.0/40", "10.*.*", "nope", "127.0.0.1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPattern)
	assert.Equal(t, []string{"127.0.0.1"}, m.Patterns())
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "CIDR range: 10.0.0.0/8", Describe("10.0.0.0/8"))
	assert.Equal(t, "Wildcard pattern: 10.0.*.*", Describe("10.0.*.*"))
	assert.Equal(t, "Exact IP: 10.0.0.1", Describe("::ffff:10.0.0.1"))
}

func TestOriginMatcher(t *testing.T) {
	m, err := NewOriginMatcher([]string{"https://app.example.com", "https://*.internal.example.com", "http://localhost:*"})
	require.NoError(t, err)

	assert.False(t, m.AllowAll())
	assert.True(t, m.Allowed("https://app.example.com"))
	assert.True(t, m.Allowed("https://ops.internal.example.com"))
	assert.False(t, m.Allowed("https://a.b.internal.example.com"))
	assert.True(t, m.Allowed("http://localhost:5173"))
	assert.False(t, m.Allowed("https://evil.com"))

	all, err := NewOriginMatcher([]string{"*"})
	require.NoError(t, err)
	assert.True(t, all.Allowed("https://anything.test"))
}
