package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/orchestrator/internal/errkind"
)

func TestPageTokenRoundTrip(t *testing.T) {
	token := EncodePageToken(250)
	require.NotEmpty(t, token)

	offset, err := DecodePageToken(token)
	require.NoError(t, err)
	assert.Equal(t, 250, offset)
}

func TestPageTokenEmpty(t *testing.T) {
	assert.Empty(t, EncodePageToken(0))
	assert.Empty(t, EncodePageToken(-5))

	offset, err := DecodePageToken("")
	require.NoError(t, err)
	assert.Equal(t, 0, offset)
}

func TestDecodePageTokenMalformed(t *testing.T) {
	_, err := DecodePageToken("not-base64!!")
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidRequest, errkind.KindOf(err))

	// Valid base64 but not a number.
	_, err = DecodePageToken("aGVsbG8=")
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidRequest, errkind.KindOf(err))
}

func TestClampPageSize(t *testing.T) {
	assert.Equal(t, 100, clampPageSize(0, 100, 500))
	assert.Equal(t, 100, clampPageSize(-1, 100, 500))
	assert.Equal(t, 50, clampPageSize(50, 100, 500))
	assert.Equal(t, 500, clampPageSize(9999, 100, 500))
}
