// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tuning implements the persistent tuning-parameter cache: a memoization of
// (device fingerprint, op type, shapes) -> launch parameters chosen by auto-tuning.
//
// Lookups are concurrent and cheap. Records update the in-memory table immediately, and a single
// writer goroutine persists the table to disk (write temp + rename), so concurrent records never
// interleave their writes.
package tuning

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/edgeinfer/internal/cachefile"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

// ReusePolicy controls whether previously persisted parameters are used.
type ReusePolicy int

const (
	// ReuseNone never loads persisted parameters: every launch shape is tuned again.
	// Newly tuned parameters are still persisted.
	ReuseNone ReusePolicy = iota

	// ReuseSameGPU loads persisted parameters, which are used only when the device fingerprint matches.
	ReuseSameGPU
)

// String implements fmt.Stringer.
func (p ReusePolicy) String() string {
	switch p {
	case ReuseNone:
		return "NONE"
	case ReuseSameGPU:
		return "REUSE_SAME_GPU"
	}
	return fmt.Sprintf("ReusePolicy(%d)", int(p))
}

// ParseReusePolicy converts a name to a ReusePolicy.
func ParseReusePolicy(name string) (ReusePolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "NONE", "0", "":
		return ReuseNone, nil
	case "REUSE_SAME_GPU", "1":
		return ReuseSameGPU, nil
	}
	return ReuseNone, status.Errorf(status.InvalidArgument, "unknown tuning reuse policy %q", name)
}

const (
	cacheKind    = "tuning"
	cacheVersion = 1
)

// Key builds a cache key from the op type and its input shapes.
func Key(opType string, shapes ...[]int) string {
	var sb strings.Builder
	sb.WriteString(opType)
	for _, dims := range shapes {
		sb.WriteByte(':')
		for i, d := range dims {
			if i > 0 {
				sb.WriteByte('x')
			}
			_, _ = fmt.Fprint(&sb, d)
		}
	}
	return sb.String()
}

type entryKey struct {
	fingerprint, key string
}

// Cache of tuned parameters. It implements backends.TuningStore.
type Cache struct {
	path   string
	policy ReusePolicy

	mu      sync.RWMutex
	entries map[entryKey][]int
	version uint64 // Incremented at every Record.

	// Writer goroutine.
	persistSignal chan struct{}
	flushRequests chan chan error
	done          chan struct{}
	closeOnce     sync.Once
	persisted     uint64 // Last version persisted, only accessed by the writer.
}

// Open creates a cache persisted at path (empty path for memory only).
//
// With ReuseSameGPU, the existing file is loaded: a missing or corrupt file is logged as a warning
// and the cache starts empty, to be rebuilt.
func Open(path string, policy ReusePolicy) (*Cache, error) {
	c := &Cache{
		path:          path,
		policy:        policy,
		entries:       make(map[entryKey][]int),
		persistSignal: make(chan struct{}, 1),
		flushRequests: make(chan chan error),
		done:          make(chan struct{}),
	}
	if path != "" && policy == ReuseSameGPU {
		if err := c.load(); err != nil {
			if !status.IsWarning(err) {
				return nil, err
			}
			klog.Warningf("tuning cache rebuilt: %v", err)
		}
	}
	go c.writer()
	return c, nil
}

// Path of the persisted file.
func (c *Cache) Path() string { return c.path }

// Policy used when the cache was opened.
func (c *Cache) Policy() ReusePolicy { return c.policy }

func (c *Cache) load() error {
	raw, err := cachefile.Read(c.path, cacheKind, cacheVersion)
	if err != nil {
		return err
	}
	for _, entry := range raw {
		key, params, err := decodeEntry(entry)
		if err != nil {
			return status.Wrapf(err, status.CacheCorrupt, "tuning cache %q", c.path)
		}
		c.entries[key] = params
	}
	klog.V(1).Infof("loaded %d tuning entries from %q", len(raw), c.path)
	return nil
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Lookup implements backends.TuningStore.
func (c *Cache) Lookup(fingerprint, key string) ([]int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	params, found := c.entries[entryKey{fingerprint, key}]
	if !found {
		return nil, false
	}
	return append([]int(nil), params...), true
}

// Record implements backends.TuningStore. The entry is persisted asynchronously.
func (c *Cache) Record(fingerprint, key string, params []int) {
	c.mu.Lock()
	c.entries[entryKey{fingerprint, key}] = append([]int(nil), params...)
	c.version++
	c.mu.Unlock()
	klog.V(2).Infof("tuning: recorded %s/%s -> %v", fingerprint, key, params)
	select {
	case c.persistSignal <- struct{}{}:
	default:
		// A persist is already pending.
	}
}

// Flush blocks until all recorded entries are persisted.
func (c *Cache) Flush() error {
	reply := make(chan error)
	select {
	case c.flushRequests <- reply:
		return <-reply
	case <-c.done:
		return errors.New("tuning cache is closed")
	}
}

// Close flushes the cache and stops the writer goroutine. It is idempotent.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Flush()
		close(c.done)
	})
	return err
}

func (c *Cache) writer() {
	for {
		select {
		case <-c.done:
			return
		case <-c.persistSignal:
			if err := c.persist(); err != nil {
				klog.Errorf("failed to persist tuning cache: %+v", err)
			}
		case reply := <-c.flushRequests:
			reply <- c.persist()
		}
	}
}

// persist writes the table if it changed since the last write. Only called by the writer.
func (c *Cache) persist() error {
	if c.path == "" {
		return nil
	}
	c.mu.RLock()
	version := c.version
	if version == c.persisted {
		c.mu.RUnlock()
		return nil
	}
	raw := make([][]byte, 0, len(c.entries))
	for key, params := range c.entries {
		raw = append(raw, encodeEntry(key, params))
	}
	c.mu.RUnlock()
	if err := cachefile.Write(c.path, cacheKind, cacheVersion, raw); err != nil {
		return err
	}
	c.persisted = version
	return nil
}

func encodeEntry(key entryKey, params []int) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, key.fingerprint)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, key.key)
	var packed []byte
	for _, p := range params {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(p)))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func decodeEntry(b []byte) (key entryKey, params []int, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return key, nil, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return key, nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		var data []byte
		data, n = protowire.ConsumeBytes(b)
		if n < 0 {
			return key, nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			key.fingerprint = string(data)
		case 2:
			key.key = string(data)
		case 3:
			for len(data) > 0 {
				v, m := protowire.ConsumeVarint(data)
				if m < 0 {
					return key, nil, protowire.ParseError(m)
				}
				params = append(params, int(protowire.DecodeZigZag(v)))
				data = data[m:]
			}
		}
	}
	return key, params, nil
}
