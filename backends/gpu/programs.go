// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"bytes"
	"sync"
	"time"

	"github.com/gomlx/edgeinfer/internal/cachefile"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

const (
	programCacheKind    = "gpu-programs"
	programCacheVersion = 1
)

// ProgramStats counts how kernels were obtained.
type ProgramStats struct {
	// Compiled kernels, not found in the cache.
	Compiled int

	// Loaded kernels, found in the persisted cache.
	Loaded int

	// Rebuilt is true if the persisted cache was missing, corrupt or from another device.
	Rebuilt bool
}

// programCache maps kernel names to their compiled binaries.
//
// Compilation is emulated: the binary is derived from the device fingerprint and the kernel name,
// which lets a cache built for another device be detected and rebuilt.
type programCache struct {
	path        string
	fingerprint string

	mu       sync.Mutex
	binaries map[string][]byte
	loaded   map[string]bool
	dirty    bool
	stats    ProgramStats
}

func newProgramCache(path, fingerprint string) *programCache {
	pc := &programCache{
		path:        path,
		fingerprint: fingerprint,
		binaries:    make(map[string][]byte),
		loaded:      make(map[string]bool),
	}
	if path == "" {
		return pc
	}
	if err := pc.load(); err != nil {
		if status.IsWarning(err) {
			klog.Warningf("gpu program cache will be rebuilt: %v", err)
		} else {
			klog.Errorf("gpu program cache ignored: %+v", err)
		}
		pc.binaries = make(map[string][]byte)
		pc.loaded = make(map[string]bool)
		pc.stats.Rebuilt = true
	}
	return pc
}

func (pc *programCache) load() error {
	entries, err := cachefile.Read(pc.path, programCacheKind, programCacheVersion)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name, binary, err := decodeProgram(entry)
		if err != nil {
			return status.Wrapf(err, status.CacheCorrupt, "program cache %q", pc.path)
		}
		if !bytes.Equal(binary, pc.compile(name)) {
			return status.Errorf(status.CacheCorrupt, "program cache %q: kernel %q was compiled for another device", pc.path, name)
		}
		pc.binaries[name] = binary
		pc.loaded[name] = true
	}
	klog.V(1).Infof("gpu program cache %q: %d kernels loaded", pc.path, len(entries))
	return nil
}

func (pc *programCache) compile(name string) []byte {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(pc.fingerprint+"/"+name))
	return id[:]
}

// ensureCompiled compiles the kernel on first use, unless its binary was loaded from the cache.
func (pc *programCache) ensureCompiled(name string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if _, found := pc.binaries[name]; found {
		if pc.loaded[name] {
			pc.stats.Loaded++
			pc.loaded[name] = false
		}
		return
	}
	start := time.Now()
	pc.binaries[name] = pc.compile(name)
	pc.dirty = true
	pc.stats.Compiled++
	klog.V(1).Infof("gpu: compiled kernel %q in %s", name, time.Since(start))
}

// Stats returns the counters.
func (pc *programCache) Stats() ProgramStats {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.stats
}

// Save persists the cache if new kernels were compiled.
func (pc *programCache) Save() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.path == "" || !pc.dirty {
		return nil
	}
	entries := make([][]byte, 0, len(pc.binaries))
	for name, binary := range pc.binaries {
		entries = append(entries, encodeProgram(name, binary))
	}
	if err := cachefile.Write(pc.path, programCacheKind, programCacheVersion, entries); err != nil {
		return err
	}
	pc.dirty = false
	return nil
}

func encodeProgram(name string, binary []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, name)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, binary)
}

func decodeProgram(b []byte) (name string, binary []byte, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
		} else {
			var data []byte
			data, n = protowire.ConsumeBytes(b)
			switch num {
			case 1:
				name = string(data)
			case 2:
				binary = append([]byte(nil), data...)
			}
		}
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return name, binary, nil
}
