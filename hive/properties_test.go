package hive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertySet_Check(t *testing.T) {
	local, err := NewPropertySet(map[string]string{"auth.mode": "psk", "build.version": "1.2"}, "s", []string{"build.*"})
	require.NoError(t, err)

	remote, err := NewPropertySet(map[string]string{"auth.mode": "psk", "build.version": "1.3"}, "s", nil)
	require.NoError(t, err)

	report := local.Check(remote.Values())
	assert.True(t, report.Compatible)

	report = remote.Check(local.Values())
	assert.False(t, report.Compatible)
	assert.Equal(t, []string{"build.version"}, report.Mismatched)
}

func TestPropertySet_MissingKeysAndSecret(t *testing.T) {
	local, err := NewPropertySet(map[string]string{"auth.mode": "psk"}, "", nil)
	require.NoError(t, err)

	report := local.Check(Properties{"tls": "on", SecretDigestKey: "abc"})
	assert.Equal(t, []string{"auth.mode", SecretDigestKey, "tls"}, report.Mismatched)
}

func TestPropertySet_ValuesIsCopy(t *testing.T) {
	ps, err := NewPropertySet(map[string]string{"a": "1"}, "x", nil)
	require.NoError(t, err)

	v := ps.Values()
	v["a"] = "2"
	assert.Equal(t, "1", ps.Values()["a"])
}

func TestPropertySet_InvalidGlob(t *testing.T) {
	_, err := NewPropertySet(nil, "", []string{"[unclosed"})
	assert.Error(t, err)
}
