// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a device runtime needs to implement to execute operators:
// allocate memory, launch kernels over a work range, synchronize, and report its capabilities.
//
// Backends register a constructor per DeviceType during package initialization, and the engine
// instantiates the ones it needs with New. Import the implementations for their side effect:
//
//	import _ "github.com/gomlx/edgeinfer/backends/cpu"
package backends

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/edgeinfer/pkg/core/memory"
	"github.com/gomlx/edgeinfer/pkg/core/status"
	"k8s.io/klog/v2"
)

// DeviceType enumerates the kinds of devices.
type DeviceType int

const (
	CPU DeviceType = iota
	GPU
	DSP
	NPU
)

var deviceNames = []string{CPU: "CPU", GPU: "GPU", DSP: "DSP", NPU: "NPU"}

// String implements fmt.Stringer.
func (d DeviceType) String() string {
	if d < 0 || int(d) >= len(deviceNames) {
		return fmt.Sprintf("DeviceType(%d)", int(d))
	}
	return deviceNames[d]
}

// ParseDeviceType converts a device name (case-insensitive) to a DeviceType.
// "HEXAGON" and "APU" are accepted as aliases of DSP and NPU.
func ParseDeviceType(name string) (DeviceType, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	switch upper {
	case "HEXAGON":
		return DSP, nil
	case "APU", "HTA":
		return NPU, nil
	}
	idx := slices.Index(deviceNames, upper)
	if idx < 0 {
		return CPU, status.Errorf(status.InvalidArgument, "unknown device type %q", name)
	}
	return DeviceType(idx), nil
}

// Backend is the API that needs to be implemented by a device runtime.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "cpu".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Device type served.
	Device() DeviceType

	// Allocator of the device memory.
	Allocator() memory.Allocator

	// Launch runs fn over the work range described by spec.
	//
	// Backends with an asynchronous queue return as soon as the launch is enqueued, and report
	// kernel failures on the next Synchronize.
	Launch(spec LaunchSpec, fn KernelFunc) error

	// Synchronize blocks until all previously launched work finished, and returns the first
	// error since the last Synchronize.
	Synchronize() error

	// Capabilities of the device.
	Capabilities() Capabilities

	// Fingerprint identifies the device model and driver. It keys persisted tuning data.
	Fingerprint() string

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	// It is idempotent.
	Finalize()
}

// Preparer is implemented by accelerator backends that compile the whole model ahead of execution.
// The engine calls Prepare once, at creation, with the serialized graph.
type Preparer interface {
	Prepare(model []byte) error
}

// LaunchSpec describes a kernel launch: a 3D global range split in work-groups of Local size.
type LaunchSpec struct {
	// Name of the kernel, used for logging, tuning and the program cache.
	Name string

	// Global range. Unused trailing axes should be 1.
	Global [3]int

	// Local is the work-group size. A zero value lets the backend choose (possibly auto-tuned).
	Local [3]int

	// TuningKey, if set, identifies the launch for auto-tuning of Local (op type and shapes).
	TuningKey string
}

// NumItems is the product of the global range.
func (s LaunchSpec) NumItems() int {
	return s.Global[0] * s.Global[1] * s.Global[2]
}

// WorkRange is the slice of the global range one invocation of a KernelFunc must process:
// all items with Offset[i] <= idx[i] < Offset[i]+Size[i].
type WorkRange struct {
	Offset, Size [3]int
}

// KernelFunc processes one work range.
type KernelFunc func(r WorkRange) error

// Constructor creates a Backend with the given options.
type Constructor func(opts Options) (Backend, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[DeviceType]Constructor)
	registrationOrder      []DeviceType
)

// Register the backend constructor for the given device type. A later registration for the same
// device replaces the previous one.
//
// To be safe, call Register during initialization of a package.
func Register(device DeviceType, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if _, found := registeredConstructors[device]; !found {
		registrationOrder = append(registrationOrder, device)
	}
	registeredConstructors[device] = constructor
}

// IsRegistered returns whether a backend for device was registered.
func IsRegistered(device DeviceType) bool {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	_, found := registeredConstructors[device]
	return found
}

// Registered lists the registered device types in registration order.
func Registered() []DeviceType {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	return slices.Clone(registrationOrder)
}

// DeviceEnv is the environment variable with the default device to use, e.g. "GPU".
const DeviceEnv = "EDGEINFER_DEVICE"

// DefaultDevice returns the default device:
//
// 1. The environment variable EDGEINFER_DEVICE is used if defined and valid.
// 2. Otherwise CPU.
func DefaultDevice() DeviceType {
	if name, found := os.LookupEnv(DeviceEnv); found && name != "" {
		device, err := ParseDeviceType(name)
		if err == nil {
			return device
		}
		klog.Warningf("ignoring invalid %s=%q: %v", DeviceEnv, name, err)
	}
	return CPU
}

// New creates a backend for the device. It returns an Unsupported error if no backend was registered
// for the device.
func New(device DeviceType, opts Options) (Backend, error) {
	muRegistry.Lock()
	constructor, found := registeredConstructors[device]
	muRegistry.Unlock()
	if !found {
		return nil, status.Errorf(status.Unsupported, "no backend registered for device %s -- maybe import it with import _ \"github.com/gomlx/edgeinfer/backends/%s\"?",
			device, strings.ToLower(device.String()))
	}
	return constructor(opts)
}
