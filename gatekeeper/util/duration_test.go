package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 90s ")))
	assert.Equal(t, 90*time.Second, d.D())

	out, err := Duration(24 * time.Hour).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "24h0m0s", string(out))

	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
