// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReadOnlyRegion is the read-only block of weights a model's constants point into.
//
// It is either backed by caller memory (RegionFromBytes) or by a read-only file mapping (MapFile).
// Constants are sub-slices of the region: they stay valid until Close.
type ReadOnlyRegion struct {
	data    []byte
	mapping mmap.MMap
	file    *os.File
	path    string
}

// RegionFromBytes creates a region over data. The caller must not modify data while the region is in use.
func RegionFromBytes(data []byte) *ReadOnlyRegion {
	return &ReadOnlyRegion{data: data}
}

// MapFile maps the file at path read-only. A "~" prefix is expanded to the home directory.
// Errors are reported with the IoError code.
func MapFile(path string) (*ReadOnlyRegion, error) {
	expanded, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, status.WithCode(err, status.IoError)
	}
	f, err := os.Open(expanded)
	if err != nil {
		return nil, status.Wrapf(err, status.IoError, "failed to open %q", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, status.Wrapf(err, status.IoError, "failed to stat %q", path)
	}
	if info.Size() == 0 {
		// Zero-length files can't be mapped.
		_ = f.Close()
		return &ReadOnlyRegion{data: []byte{}, path: expanded}, nil
	}
	mapping, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, status.Wrapf(err, status.IoError, "failed to map %q", path)
	}
	klog.V(1).Infof("mapped %q: %d bytes", expanded, len(mapping))
	return &ReadOnlyRegion{data: mapping, mapping: mapping, file: f, path: expanded}, nil
}

// Bytes returns the whole region. It must not be modified.
func (r *ReadOnlyRegion) Bytes() []byte { return r.data }

// Len returns the region size in bytes.
func (r *ReadOnlyRegion) Len() int64 { return int64(len(r.data)) }

// IsMapped returns whether the region is backed by a file mapping.
func (r *ReadOnlyRegion) IsMapped() bool { return r.mapping != nil }

// Path of the mapped file, or "" for regions over caller memory.
func (r *ReadOnlyRegion) Path() string { return r.path }

// Slice returns the bytes [offset, offset+length). Ranges outside the region are an InvalidArgument error.
func (r *ReadOnlyRegion) Slice(offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > int64(len(r.data)) || offset+length < offset {
		return nil, status.Errorf(status.InvalidArgument,
			"range [%d, %d) is outside of the weights region of %d bytes", offset, offset+length, len(r.data))
	}
	return r.data[offset : offset+length : offset+length], nil
}

// Close releases the mapping, if any. It is safe to call more than once.
func (r *ReadOnlyRegion) Close() error {
	var firstErr error
	if r.mapping != nil {
		if err := r.mapping.Unmap(); err != nil {
			firstErr = status.Wrapf(err, status.IoError, "failed to unmap %q", r.path)
		}
		r.mapping = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil && firstErr == nil {
			firstErr = status.WithCode(errors.Wrapf(err, "failed to close %q", r.path), status.IoError)
		}
		r.file = nil
	}
	r.data = nil
	return firstErr
}
