// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"reflect"
	"sync"

	"github.com/gomlx/accel/backends"
	"github.com/gomlx/accel/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Compile-time check:
var _ backends.DataInterface = (*Backend)(nil)

// Buffer for SimpleGo backend holds a shape and the emulated device memory: a flat slice owned by the buffer.
type Buffer struct {
	device backends.DeviceDescriptor
	shape  shapes.Shape
	valid  bool

	// flat is always a slice of the underlying data type (shape.DType).
	flat any
}

// Device where the buffer is allocated.
func (buf *Buffer) Device() backends.DeviceDescriptor { return buf.device }

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// getBufferPool for given dtype/length.
func (b *Backend) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	poolInterface, ok := b.bufferPools.Load(key)
	if !ok {
		poolInterface, _ = b.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() any {
				return &Buffer{
					flat: reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface(),
				}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// Allocate implements backends.DataInterface. Array buffers are flat: vector arrays take their
// total number of elements.
func (b *Backend) Allocate(device backends.DeviceDescriptor, shape shapes.Shape) (backends.Buffer, error) {
	if !b.DeviceAvailable(device) {
		return nil, errors.Errorf("simplego: device %s not available", device)
	}
	if shape.IsOpaque() || shape.IsScalar() {
		return nil, errors.Errorf("simplego: can only allocate arrays, got shape %s", shape)
	}
	if !isSupported(shape.DType) {
		return nil, errors.Errorf("simplego: dtype %s not supported", shape.DType)
	}
	buf := b.getBufferPool(shape.DType, shape.Size()).Get().(*Buffer)
	buf.device = device
	buf.shape = shape
	buf.valid = true
	return buf, nil
}

func (b *Backend) castBuffer(buffer backends.Buffer) (*Buffer, error) {
	buf, ok := buffer.(*Buffer)
	if !ok || buf == nil {
		return nil, errors.Errorf("simplego: invalid buffer %T", buffer)
	}
	if !buf.valid {
		return nil, errors.Errorf("simplego: buffer %p was already finalized", buf)
	}
	return buf, nil
}

func checkFlat(buf *Buffer, flat any) error {
	v := reflect.ValueOf(flat)
	if v.Kind() != reflect.Slice || v.Type().Elem() != buf.shape.DType.GoType() {
		return errors.Errorf("simplego: expected a []%s for buffer of shape %s, got %T", buf.shape.DType.GoType(), buf.shape, flat)
	}
	if v.Len() != buf.shape.Size() {
		return errors.Errorf("simplego: expected %d elements for buffer of shape %s, got %d", buf.shape.Size(), buf.shape, v.Len())
	}
	return nil
}

// CopyToDevice implements backends.DataInterface.
func (b *Backend) CopyToDevice(buffer backends.Buffer, flat any) error {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return err
	}
	if err = checkFlat(buf, flat); err != nil {
		return err
	}
	reflect.Copy(reflect.ValueOf(buf.flat), reflect.ValueOf(flat))
	return nil
}

// CopyToHost implements backends.DataInterface.
func (b *Backend) CopyToHost(buffer backends.Buffer, flat any) error {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return err
	}
	if err = checkFlat(buf, flat); err != nil {
		return err
	}
	reflect.Copy(reflect.ValueOf(flat), reflect.ValueOf(buf.flat))
	return nil
}

// BufferShape implements backends.DataInterface.
func (b *Backend) BufferShape(buffer backends.Buffer) (shapes.Shape, error) {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return shapes.Shape{}, err
	}
	return buf.shape, nil
}

// BufferFinalize implements backends.DataInterface: the buffer memory is returned to a pool to be reused.
func (b *Backend) BufferFinalize(buffer backends.Buffer) error {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return err
	}
	buf.valid = false
	b.getBufferPool(buf.shape.DType, buf.shape.Size()).Put(buf)
	return nil
}
