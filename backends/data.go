// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/gomlx/accel/pkg/core/shapes"

// Buffer represents an array stored in a device.
// It is opaque from the core perspective: only the backend that created it can use it.
type Buffer any

// DataInterface is the Backend's sub-interface that defines the API to transfer Buffer to/from devices.
type DataInterface interface {
	// Allocate a buffer in the device for an array of the given shape.
	Allocate(device DeviceDescriptor, shape shapes.Shape) (Buffer, error)

	// CopyToDevice transfers the host flat slice (of the buffer's dtype and size) to the buffer.
	CopyToDevice(buffer Buffer, flat any) error

	// CopyToHost transfers the contents of the buffer to the host flat slice (of the buffer's dtype and size).
	CopyToHost(buffer Buffer, flat any) error

	// BufferShape returns the shape for the buffer.
	BufferShape(buffer Buffer) (shapes.Shape, error)

	// BufferFinalize allows the client to inform backend that buffer is no longer needed and associated resources can be
	// freed immediately -- as opposed to waiting for a GC.
	//
	// A finalized buffer should never be used again.
	BufferFinalize(buffer Buffer) error
}
