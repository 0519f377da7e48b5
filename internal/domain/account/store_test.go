package account

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAPIKeyDeterministic(t *testing.T) {
	h1 := HashAPIKey("bldd_secret")
	h2 := HashAPIKey("bldd_secret")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, HashAPIKey("bldd_other"))
}

func TestNewAPIKeyShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		key, err := NewAPIKey()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(key, "bldd_"))
		assert.False(t, seen[key], "duplicate key drawn")
		seen[key] = true
	}
}

func TestNewUserCodeShape(t *testing.T) {
	code, err := NewUserCode()
	require.NoError(t, err)
	require.Len(t, code, 9)
	assert.Equal(t, byte('-'), code[4])
	for _, c := range strings.ReplaceAll(code, "-", "") {
		assert.Contains(t, userCodeAlphabet, string(c))
	}
}

func TestNormalizeUserCode(t *testing.T) {
	assert.Equal(t, "MKQ4-T7WN", NormalizeUserCode("  mkq4-t7wn "))
}

func TestDeviceCodeExpired(t *testing.T) {
	now := time.Now()
	d := &DeviceCode{ExpiresAt: now.Add(DeviceGrantTTL)}
	assert.False(t, d.Expired(now))
	assert.False(t, d.Expired(now.Add(DeviceGrantTTL)))
	assert.True(t, d.Expired(now.Add(DeviceGrantTTL+time.Second)))
}
