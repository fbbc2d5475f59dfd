package vectors

import (
	"testing"

	"github.com/gomlx/accel/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArray(t *testing.T) {
	a := New[float32](3, 4)
	assert.Equal(t, 3, a.Len())
	assert.Equal(t, 4, a.Lanes())
	a.Set(1, 1, 2, 3, 4)
	assert.Equal(t, []float32{1, 2, 3, 4}, a.At(1))
	assert.Equal(t, []float32{0, 0, 0, 0, 1, 2, 3, 4, 0, 0, 0, 0}, a.Flat())
	assert.Panics(t, func() { a.Set(0, 1, 2) })

	s, err := shapes.FromValue(a)
	require.NoError(t, err)
	assert.Equal(t, "float32[3x4]", s.String())

	b := FromFlat([]int32{1, 2, 3, 4}, 2)
	assert.Equal(t, []int32{3, 4}, b.At(1))
	assert.Panics(t, func() { FromFlat([]int32{1, 2, 3}, 2) })
}
