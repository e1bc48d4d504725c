// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package state

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/ffutop/thermal-bridge/internal/registermap"
)

// ErrImageSize is returned for a file that is not a register image.
var ErrImageSize = errors.New("state: wrong register image size")

// MmapMirror exposes the live register image in a memory-mapped file so
// local tools can watch it without speaking Modbus. The file is zeroed on
// Open and never read back: it is a live view, not a restart snapshot.
type MmapMirror struct {
	path string
	file *os.File
	data mmap.MMap
}

// NewMmapMirror creates a mirror backed by path. Call Open before use.
func NewMmapMirror(path string) *MmapMirror {
	return &MmapMirror{
		path: path,
	}
}

// Open truncates the file to the image size and maps it.
func (ms *MmapMirror) Open() error {
	f, err := os.OpenFile(ms.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open mmap file: %w", err)
	}
	ms.file = f

	if err := f.Truncate(int64(imageSize)); err != nil {
		f.Close()
		return fmt.Errorf("failed to resize mmap file: %w", err)
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return fmt.Errorf("mmap failed: %w", err)
	}
	ms.data = data
	return nil
}

// OnWrite copies the value into the mapped image.
func (ms *MmapMirror) OnWrite(kind registermap.Kind, address, value uint16) {
	if ms.data == nil {
		return
	}
	putImage(ms.data, kind, address, value)
}

// Bytes returns the mapped image. Nil before Open or after Close.
func (ms *MmapMirror) Bytes() []byte {
	return ms.data
}

// Close flushes, unmaps and closes the file.
func (ms *MmapMirror) Close() error {
	var err error
	if ms.data != nil {
		if e := ms.data.Flush(); e != nil {
			slog.Error("Failed to flush mmap", "path", ms.path, "err", e)
			err = e
		}
		if e := ms.data.Unmap(); e != nil {
			err = e
		}
		ms.data = nil
	}
	if ms.file != nil {
		if e := ms.file.Close(); e != nil {
			err = e
		}
		ms.file = nil
	}
	return err
}

// Image is a read-only view of a register image file written by
// MmapMirror.
type Image struct {
	file *os.File
	data mmap.MMap
}

// OpenImage maps the image file at path for reading.
func OpenImage(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat image file: %w", err)
	}
	if info.Size() != imageSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrImageSize, path, info.Size(), imageSize)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return &Image{file: f, data: data}, nil
}

// Value returns the raw value at address.
func (im *Image) Value(kind registermap.Kind, address uint16) uint16 {
	return readImage(im.data, kind, address)
}

// Close unmaps and closes the file.
func (im *Image) Close() error {
	err := im.data.Unmap()
	if cerr := im.file.Close(); err == nil {
		err = cerr
	}
	return err
}
