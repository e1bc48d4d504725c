// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package state

import (
	"encoding/binary"

	"github.com/ffutop/thermal-bridge/internal/registermap"
)

// Mirror receives every committed value change. OnWrite is called with the
// store lock held, so implementations must not block or do I/O there.
type Mirror interface {
	OnWrite(kind registermap.Kind, address, value uint16)
	Close() error
}

// NopMirror discards all writes.
type NopMirror struct{}

func (NopMirror) OnWrite(kind registermap.Kind, address, value uint16) {}

func (NopMirror) Close() error { return nil }

// Image layout shared by mirrors that expose a flat register image:
// - HoldingRegisters: 65536 * 2 bytes big-endian (Offset 0)
// - Coils: 65536 bytes, 0 or 1 (Offset 131072)
// Total Size: 196608 bytes
const (
	maxAddress = 65535

	sizeHolding = (maxAddress + 1) * 2
	sizeCoils   = maxAddress + 1
	imageSize   = sizeHolding + sizeCoils

	offsetHolding = 0
	offsetCoils   = offsetHolding + sizeHolding
)

// putImage stores one value into a flat image buffer.
func putImage(buf []byte, kind registermap.Kind, address, value uint16) {
	switch kind {
	case registermap.HoldingRegister:
		binary.BigEndian.PutUint16(buf[offsetHolding+int(address)*2:], value)
	case registermap.Coil:
		buf[offsetCoils+int(address)] = byte(value)
	}
}

// readImage decodes one value from a flat image buffer.
func readImage(buf []byte, kind registermap.Kind, address uint16) uint16 {
	switch kind {
	case registermap.HoldingRegister:
		return binary.BigEndian.Uint16(buf[offsetHolding+int(address)*2:])
	case registermap.Coil:
		return uint16(buf[offsetCoils+int(address)])
	}
	return 0
}
