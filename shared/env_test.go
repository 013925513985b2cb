package shared

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetenv(t *testing.T) {
	t.Setenv("AVATARKIT_TEST_STR", "hello")
	t.Setenv("AVATARKIT_TEST_INT", "42")
	t.Setenv("AVATARKIT_TEST_DUR", "1500ms")
	t.Setenv("AVATARKIT_TEST_BAD", "not-an-int")

	s, err := Getenv(GetenvString, "AVATARKIT_TEST_STR", true, "")
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	i, err := Getenv(GetenvInt, "AVATARKIT_TEST_INT", false, 0)
	require.NoError(t, err)
	assert.Equal(t, 42, i)

	d, err := Getenv(GetenvDuration, "AVATARKIT_TEST_DUR", false, 0)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	_, err = Getenv(GetenvInt, "AVATARKIT_TEST_BAD", false, 0)
	assert.Error(t, err)
}

func TestGetenvUnset(t *testing.T) {
	fallback, err := Getenv(GetenvInt, "AVATARKIT_TEST_UNSET", false, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, fallback)

	_, err = Getenv(GetenvString, "AVATARKIT_TEST_UNSET", true, "")
	assert.Error(t, err)
}
