package classicgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlat(t *testing.T) {
	l, err := Generate(KindFlat, 0, 16, 8, 12)
	require.NoError(t, err)
	require.Len(t, l.Blocks, 16*8*12)

	assert.Equal(t, Bedrock, l.Blocks[l.Index(3, 0, 4)])
	assert.Equal(t, Grass, l.Blocks[l.Index(3, 4, 4)])
	assert.Equal(t, Dirt, l.Blocks[l.Index(3, 3, 4)])
	assert.Equal(t, Air, l.Blocks[l.Index(3, 5, 4)])
	assert.Equal(t, 4, l.Surface(15, 11))
}

func TestHillsDeterministic(t *testing.T) {
	a, err := Generate(KindHills, 1234, 64, 32, 64)
	require.NoError(t, err)
	b, err := Generate(KindHills, 1234, 64, 32, 64)
	require.NoError(t, err)
	assert.Equal(t, a.Blocks, b.Blocks)

	c, err := Generate(KindHills, 99, 64, 32, 64)
	require.NoError(t, err)
	assert.NotEqual(t, a.Blocks, c.Blocks)

	for x := 0; x < a.Width; x++ {
		for z := 0; z < a.Length; z++ {
			assert.Equal(t, Bedrock, a.Blocks[a.Index(x, 0, z)])
			assert.GreaterOrEqual(t, a.Surface(x, z), 1)
		}
	}
}

func TestGenerateErrors(t *testing.T) {
	_, err := Generate("caves", 0, 16, 16, 16)
	assert.Error(t, err)

	_, err = Generate(KindFlat, 0, 0, 16, 16)
	assert.Error(t, err)
}
