// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"

	"github.com/gomlx/accel/backends"
	"github.com/gomlx/accel/pkg/core/ir"
	"github.com/gomlx/accel/pkg/core/kernel"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// binaryMagic prefixes the binaries emitted by this backend.
const binaryMagic = "SGO1"

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

// Emit implements backends.Backend. The "native code" is the program itself, validated,
// serialized with encoding/gob and compressed with zstd.
func (b *Backend) Emit(program *kernel.Program, device backends.DeviceDescriptor) (backends.Binary, error) {
	if !b.DeviceAvailable(device) {
		return nil, errors.Errorf("simplego: device %s not available", device)
	}
	if err := program.Validate(); err != nil {
		return nil, errors.WithMessage(err, "simplego: invalid program")
	}
	if err := checkSupported(program); err != nil {
		return nil, err
	}
	if program.TileSize > device.MaxWorkGroupSize {
		return nil, errors.Errorf("simplego: tile size %d larger than device %s maximum work-group size %d",
			program.TileSize, device, device.MaxWorkGroupSize)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(program); err != nil {
		return nil, errors.Wrapf(err, "simplego: failed to encode program %s", program.Name)
	}
	binary := append([]byte(binaryMagic), encoder.EncodeAll(buf.Bytes(), nil)...)
	return binary, nil
}

// checkSupported verifies the program only uses operations and dtypes the interpreter implements.
func checkSupported(p *kernel.Program) error {
	for _, fn := range append([]*kernel.Program{p}, p.Functions...) {
		for ii, instr := range fn.Instrs {
			if instr.Op == ir.OpStore || instr.Op == ir.OpReturn {
				continue
			}
			if !isSupported(instr.DType) {
				return errors.Errorf("simplego: %s instruction #%d (%s): dtype %s not supported", fn.Name, ii, instr.Op, instr.DType)
			}
			if instr.Op == ir.OpInvalid || instr.Op > ir.OpCos {
				return errors.Errorf("simplego: %s instruction #%d: unknown operation %s", fn.Name, ii, instr.Op)
			}
		}
	}
	return nil
}

// program decodes the binary, caching the result.
func (b *Backend) program(binary backends.Binary) (*kernel.Program, error) {
	key := sha256.Sum256(binary)
	if p, found := b.programs.Load(key); found {
		return p.(*kernel.Program), nil
	}
	if !bytes.HasPrefix(binary, []byte(binaryMagic)) {
		return nil, errors.New("simplego: binary was not emitted by this backend")
	}
	data, err := decoder.DecodeAll(binary[len(binaryMagic):], nil)
	if err != nil {
		return nil, errors.Wrap(err, "simplego: corrupted binary")
	}
	p := &kernel.Program{}
	if err = gob.NewDecoder(bytes.NewReader(data)).Decode(p); err != nil {
		return nil, errors.Wrap(err, "simplego: failed to decode binary")
	}
	actual, _ := b.programs.LoadOrStore(key, p)
	return actual.(*kernel.Program), nil
}
