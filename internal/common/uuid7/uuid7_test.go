package uuid7

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ReturnsDistinctValues(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestNew_IsVersion7(t *testing.T) {
	id, err := New()
	require.NoError(t, err)

	require.Len(t, id, 36)
	assert.Equal(t, byte('7'), id[14])
}
