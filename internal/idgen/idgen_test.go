package idgen

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Sortable(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("txn_")
	assert.True(t, strings.HasPrefix(id, "txn_"))
	assert.Len(t, id, len("txn_")+26)
}

func TestToken(t *testing.T) {
	tok := Token(16)
	assert.Len(t, tok, 32)
	assert.NotEqual(t, tok, Token(16))
}

func TestTime_RoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC)
	id := NewAt(at)

	got, ok := Time("aud_" + id)
	require.True(t, ok)
	assert.True(t, got.Equal(at))

	_, ok = Time("not-an-id")
	assert.False(t, ok)
}
