// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/edgeinfer/pkg/core/dtypes"
	"github.com/gomlx/edgeinfer/pkg/core/memory"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/pkg/errors"
)

// MapForRead calls accessFn with a host view of the tensor contents.
// For dense tensors the view has exactly Shape().Memory() bytes; for images it holds all texels.
//
// The view must not be modified, and it is only valid until accessFn returns.
func (t *Tensor) MapForRead(accessFn func(data []byte)) error {
	return t.mapScoped(false, accessFn)
}

// MapForWrite calls accessFn with a host view of the tensor contents, writing the changes back
// to the device when accessFn returns.
func (t *Tensor) MapForWrite(accessFn func(data []byte)) error {
	return t.mapScoped(true, accessFn)
}

// IsMapped returns whether a mapping of the tensor is outstanding.
func (t *Tensor) IsMapped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numMaps > 0
}

type mappable interface {
	Map(forWrite bool) ([]byte, error)
	Unmap() error
}

func (t *Tensor) mapScoped(forWrite bool, accessFn func(data []byte)) (err error) {
	t.mu.Lock()
	if err = t.lockedCheckValid(); err != nil {
		t.mu.Unlock()
		return err
	}
	var handle mappable
	numBytes := -1
	if t.image != nil {
		handle = t.image
	} else {
		handle = t.buffer
		numBytes = t.shape.Memory()
	}
	t.numMaps++
	t.mu.Unlock()

	data, err := handle.Map(forWrite)
	if err != nil {
		t.mu.Lock()
		t.numMaps--
		t.mu.Unlock()
		return status.Wrapf(err, status.CodeOf(err), "mapping tensor %q", t.name)
	}
	defer func() {
		unmapErr := handle.Unmap()
		t.mu.Lock()
		t.numMaps--
		t.mu.Unlock()
		if err == nil && unmapErr != nil {
			err = status.Wrapf(unmapErr, status.CodeOf(unmapErr), "unmapping tensor %q", t.name)
		}
	}()
	if numBytes >= 0 {
		data = data[:numBytes]
	}
	accessFn(data)
	return nil
}

func checkFlatDType[T dtypes.Supported](t *Tensor, fnName string) error {
	want := dtypes.FromGenericsType[T]()
	if dtype := t.DType(); dtype != want {
		return status.Errorf(status.InvalidArgument, "%s[%s] is incompatible with tensor %q of dtype %s", fnName, want, t.name, dtype)
	}
	if t.IsImage() {
		return status.Errorf(status.InvalidArgument, "%s: tensor %q is an image, its flat data is packed in texels", fnName, t.name)
	}
	return nil
}

// ConstFlatData calls accessFn with the flattened data as a slice of T, which must match the tensor dtype.
// The data is the tensor's own memory (or a device mapping of it) and must not be changed.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if err := checkFlatDType[T](t, "ConstFlatData"); err != nil {
		return err
	}
	return t.MapForRead(func(data []byte) {
		accessFn(flatOf[T](data))
	})
}

// MutableFlatData calls accessFn with the flattened data as a slice of T, which must match the tensor dtype.
// Changes are written back to the device when accessFn returns.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if err := checkFlatDType[T](t, "MutableFlatData"); err != nil {
		return err
	}
	return t.MapForWrite(func(data []byte) {
		accessFn(flatOf[T](data))
	})
}

func flatOf[T dtypes.Supported](data []byte) []T {
	flat := memory.AsSlice[T](data)
	if flat == nil {
		flat = []T{}
	}
	return flat
}

// CopyFlatData returns a copy of the tensor contents as a flat slice of T.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	var out []T
	err := ConstFlatData(t, func(flat []T) {
		out = make([]T, len(flat))
		copy(out, flat)
	})
	return out, err
}

// AssignFlatData copies fromFlat into the tensor. len(fromFlat) must match the tensor size.
func AssignFlatData[T dtypes.Supported](t *Tensor, fromFlat []T) error {
	if size := t.Shape().Size(); size != len(fromFlat) {
		return status.Errorf(status.InvalidArgument, "AssignFlatData: tensor %q has %d elements, got %d", t.name, size, len(fromFlat))
	}
	return MutableFlatData(t, func(flat []T) {
		copy(flat, fromFlat)
	})
}

// must panics if err is not nil.
func must(err error) {
	if err != nil {
		panic(errors.WithStack(err))
	}
}

// MustCopyFlatData is like CopyFlatData, but panics on errors. Handy for tests.
func MustCopyFlatData[T dtypes.Supported](t *Tensor) []T {
	out, err := CopyFlatData[T](t)
	must(err)
	return out
}
