package ipcheck

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_NoLists(t *testing.T) {
	c, err := NewChecker(Lists{})
	require.NoError(t, err)

	res := c.Check(context.Background(), "203.0.113.10", "usr-1")
	assert.True(t, res.Allowed)
	assert.Empty(t, res.Reason)
	assert.False(t, res.Private)
}

func TestCheck_BlacklistWins(t *testing.T) {
	c, err := NewChecker(Lists{
		Blacklisted: []string{"203.0.113.7"},
		Whitelisted: []string{"203.0.113.7"},
	})
	require.NoError(t, err)

	res := c.Check(context.Background(), "203.0.113.7", "usr-1")
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonBlacklisted, res.Reason)
}

func TestCheck_Whitelist(t *testing.T) {
	c, err := NewChecker(Lists{Whitelisted: []string{"198.51.100.0/24"}})
	require.NoError(t, err)

	assert.True(t, c.Check(context.Background(), "198.51.100.42", "").Allowed)

	res := c.Check(context.Background(), "203.0.113.1", "")
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonNotWhitelisted, res.Reason)
}

func TestCheck_PrivateFlaggedButAllowed(t *testing.T) {
	c, err := NewChecker(Lists{})
	require.NoError(t, err)

	for _, ip := range []string{"10.1.2.3", "192.168.0.5", "172.16.9.9", "fd00::1"} {
		res := c.Check(context.Background(), ip, "")
		assert.True(t, res.Allowed, ip)
		assert.True(t, res.Private, ip)
	}
}

func TestCheck_CIDRBlacklistAndMappedAddress(t *testing.T) {
	c, err := NewChecker(Lists{Blacklisted: []string{"203.0.113.0/28"}})
	require.NoError(t, err)

	assert.False(t, c.Check(context.Background(), "203.0.113.5", "").Allowed)
	assert.False(t, c.Check(context.Background(), "::ffff:203.0.113.5", "").Allowed)
	assert.True(t, c.Check(context.Background(), "203.0.113.16", "").Allowed)
}

func TestCheck_UnparseableIP(t *testing.T) {
	c, err := NewChecker(Lists{Whitelisted: []string{"127.0.0.1"}})
	require.NoError(t, err)

	res := c.Check(context.Background(), "unknown", "")
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonNotWhitelisted, res.Reason)
}

func TestCheck_Idempotent(t *testing.T) {
	c, err := NewChecker(Lists{Blacklisted: []string{"203.0.113.7"}, Trusted: []string{"10.0.0.0/8"}})
	require.NoError(t, err)

	for _, ip := range []string{"203.0.113.7", "10.0.0.1", "198.51.100.1", "garbage"} {
		first := c.Check(context.Background(), ip, "usr-1")
		second := c.Check(context.Background(), ip, "usr-1")
		assert.Equal(t, first, second, ip)
	}
}

func TestTrusted(t *testing.T) {
	c, err := NewChecker(Lists{Trusted: []string{"10.0.0.0/8", "127.0.0.1"}})
	require.NoError(t, err)

	assert.True(t, c.IsTrusted("10.20.30.40"))
	assert.True(t, c.IsTrusted("127.0.0.1"))
	assert.False(t, c.IsTrusted("8.8.8.8"))
	assert.True(t, c.Check(context.Background(), "10.20.30.40", "").Trusted)
}

func TestNewChecker_RejectsInvalidEntries(t *testing.T) {
	_, err := NewChecker(Lists{Blacklisted: []string{"not-an-ip"}})
	assert.Error(t, err)

	_, err = NewChecker(Lists{Trusted: []string{"10.0.0.0/40"}})
	assert.Error(t, err)
}

func TestUpdate_ReplacesLists(t *testing.T) {
	c, err := NewChecker(Lists{})
	require.NoError(t, err)
	require.NoError(t, c.Update(Lists{Blacklisted: []string{"203.0.113.9"}}))

	assert.False(t, c.Check(context.Background(), "203.0.113.9", "").Allowed)
}
