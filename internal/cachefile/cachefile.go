// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cachefile reads and writes the persistent caches (compiled programs, tuning parameters,
// accelerator initialization blobs).
//
// A cache file is a small protocol-buffers message with a kind tag, a version and a list of opaque
// entries. Writes go to a temporary file renamed over the destination, under an exclusive file lock
// on "<path>.lock", so concurrent processes never see a partial file. A file of another kind or
// version is reported as CacheCorrupt, and the caller is expected to rebuild it.
package cachefile

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/gomlx/edgeinfer/pkg/support/fsutil"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

const (
	fieldKind    protowire.Number = 1
	fieldVersion protowire.Number = 2
	fieldEntry   protowire.Number = 3
)

// LockSuffix is appended to the cache path to name its lock file.
const LockSuffix = ".lock"

func expand(path string) (string, error) {
	expanded, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return "", status.WithCode(err, status.IoError)
	}
	return expanded, nil
}

// Write atomically replaces the cache file at path.
func Write(path, kind string, version int, entries [][]byte) error {
	path, err := expand(path)
	if err != nil {
		return err
	}
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.BytesType)
	b = protowire.AppendString(b, kind)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(version))
	for _, entry := range entries {
		b = protowire.AppendTag(b, fieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return status.Wrapf(err, status.IoError, "failed to create directory for cache %q", path)
	}
	lock := flock.New(path + LockSuffix)
	if err := lock.Lock(); err != nil {
		return status.Wrapf(err, status.IoError, "failed to lock cache %q", path)
	}
	defer func() { _ = lock.Unlock() }()
	if err := fsutil.WriteFileAtomic(path, b, 0o644); err != nil {
		return status.WithCode(err, status.IoError)
	}
	klog.V(1).Infof("wrote %s cache %q: %d entries, %d bytes", kind, path, len(entries), len(b))
	return nil
}

// Read returns the entries of the cache file at path.
//
// It returns a CacheMiss error if the file doesn't exist, and CacheCorrupt if it can't be parsed or
// was written with a different kind or version.
func Read(path, kind string, version int) ([][]byte, error) {
	path, err := expand(path)
	if err != nil {
		return nil, err
	}
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return nil, status.WithCode(err, status.IoError)
	}
	if !exists {
		return nil, status.Errorf(status.CacheMiss, "%s cache %q doesn't exist", kind, path)
	}
	lock := flock.New(path + LockSuffix)
	if err := lock.RLock(); err != nil {
		return nil, status.Wrapf(err, status.IoError, "failed to lock cache %q", path)
	}
	data, err := os.ReadFile(path)
	_ = lock.Unlock()
	if err != nil {
		return nil, status.Wrapf(err, status.IoError, "failed to read cache %q", path)
	}
	return parse(path, data, kind, version)
}

func parse(path string, b []byte, kind string, version int) ([][]byte, error) {
	var gotKind string
	gotVersion := -1
	var entries [][]byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, status.Wrapf(protowire.ParseError(n), status.CacheCorrupt, "cache %q", path)
		}
		b = b[n:]
		switch {
		case num == fieldKind && typ == protowire.BytesType:
			gotKind, n = protowire.ConsumeString(b)
		case num == fieldVersion && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			gotVersion = int(v)
		case num == fieldEntry && typ == protowire.BytesType:
			var entry []byte
			entry, n = protowire.ConsumeBytes(b)
			entries = append(entries, entry)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, status.Wrapf(protowire.ParseError(n), status.CacheCorrupt, "cache %q", path)
		}
		b = b[n:]
	}
	if gotKind != kind {
		return nil, status.Errorf(status.CacheCorrupt, "cache %q holds %q data, expected %q", path, gotKind, kind)
	}
	if gotVersion != version {
		return nil, status.Errorf(status.CacheCorrupt, "cache %q has version %d, expected %d", path, gotVersion, version)
	}
	return entries, nil
}

// Remove deletes the cache file and its lock file, ignoring files that don't exist.
func Remove(path string) error {
	path, err := expand(path)
	if err != nil {
		return err
	}
	for _, p := range []string{path, path + LockSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return status.Wrapf(err, status.IoError, "failed to remove %q", p)
		}
	}
	return nil
}
