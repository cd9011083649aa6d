// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the cache key grammar.

package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyBuilderDefaults(t *testing.T) {
	kb := NewKeyBuilder("", "")
	key, err := kb.Build("user", "profile", "123")
	require.NoError(t, err)
	assert.Equal(t, "rdp:user:profile:123:v1", key)
	assert.NoError(t, ValidateKey(key))
}

func TestKeyBuilderCustomPrefixVersion(t *testing.T) {
	kb := NewKeyBuilder("ops", "v2")
	key, err := kb.Build("order", "detail", "abc-42")
	require.NoError(t, err)
	assert.Equal(t, "ops:order:detail:abc-42:v2", key)
}

func TestKeyBuilderRejectsBadSegments(t *testing.T) {
	kb := NewKeyBuilder("", "")
	for _, segments := range [][3]string{
		{"", "profile", "123"},
		{"user", "", "123"},
		{"user", "profile", ""},
		{"user", "pro:file", "123"},
		{"user", "profile", "id with space"},
	} {
		_, err := kb.Build(segments[0], segments[1], segments[2])
		assert.Error(t, err, "segments %v must be rejected", segments)
	}
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("rdp:user:profile:123:v1"))
	assert.Error(t, ValidateKey("rdp:user:profile:123"))
	assert.Error(t, ValidateKey("rdp:user:profile:123:v1:extra"))
	assert.Error(t, ValidateKey("rdp:user::123:v1"))
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, "lock:rdp:user:profile:123:v1", LockKey("rdp:user:profile:123:v1"))
}

func TestParseCronInterval(t *testing.T) {
	d, err := ParseCronInterval("0 */6 * * *")
	require.NoError(t, err)
	assert.Equal(t, 6*3600e9, float64(d))

	_, err = ParseCronInterval("*/5 * * * *")
	assert.Error(t, err)
	_, err = ParseCronInterval("0 */0 * * *")
	assert.Error(t, err)
	_, err = ParseCronInterval("")
	assert.Error(t, err)
}
