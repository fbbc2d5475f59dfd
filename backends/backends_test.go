package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeviceRef(t *testing.T) {
	name, id, err := ParseDeviceRef("simplego:3")
	require.NoError(t, err)
	assert.Equal(t, "simplego", name)
	assert.Equal(t, 3, id)

	name, id, err = ParseDeviceRef("1")
	require.NoError(t, err)
	assert.Equal(t, "", name)
	assert.Equal(t, 1, id)

	for _, bad := range []string{"", "simplego:", "x:-1", "gpu"} {
		_, _, err = ParseDeviceRef(bad)
		assert.Error(t, err, "ref %q", bad)
	}
}

func TestDeviceDescriptor(t *testing.T) {
	d := DeviceDescriptor{Backend: "simplego", ID: 1, Type: GPU}
	assert.Equal(t, "simplego:1", d.String())
	assert.False(t, d.IsZero())
	assert.True(t, DeviceDescriptor{}.IsZero())
	assert.Equal(t, "GPU", d.Type.String())

	// Comparable: usable as map key.
	m := map[DeviceDescriptor]int{d: 1}
	assert.Equal(t, 1, m[DeviceDescriptor{Backend: "simplego", ID: 1, Type: GPU}])
}

func TestNewWithConfigPanics(t *testing.T) {
	saved := registeredConstructors
	defer func() { registeredConstructors = saved }()
	registeredConstructors = map[string]Constructor{}
	assert.Panics(t, func() { NewWithConfig("") })
}
