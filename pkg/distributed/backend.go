// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/distcomm/pkg/core/devices"
	"github.com/gomlx/distcomm/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Backend is the interface implemented by each distributed backend: Serial, and the groups registered by
// the packages native, horovod and xla.
//
// The collective methods work on *tensors.Tensor and are blocking: see the package documentation for the
// protocol requirements. They never mutate the input, but the output may share data with it.
// Most users should use the package functions (AllReduce, AllGather, ...) or a Comm instead, which also
// handle scalars and text.
type Backend interface {
	// Name of the backend model, e.g. "serial" or "native-dist".
	Name() string

	// Topology of this rank. It doesn't change during the life of the backend.
	Topology() Topology

	// AllReduce reduces the tensor of all ranks element-wise with op, and returns the result on every rank.
	// All ranks must pass tensors of the same shape.
	AllReduce(t *tensors.Tensor, op ReduceOp) (*tensors.Tensor, error)

	// AllGather concatenates the tensors of all ranks along axis 0, in rank order.
	// Scalars are treated as arrays of shape [1].
	AllGather(t *tensors.Tensor) (*tensors.Tensor, error)

	// Broadcast returns on every rank the tensor of the rank src. Other ranks must pass a placeholder
	// with the same shape.
	Broadcast(t *tensors.Tensor, src int) (*tensors.Tensor, error)

	// Barrier blocks until all ranks have reached it.
	Barrier() error

	// Finalize releases the group. It is itself a collective: all ranks must call it.
	Finalize() error
}

// Constructor of a backend, given its configuration (the part after the ":" in "<name>:<config>").
type Constructor func(config string) (Backend, error)

// Registration of a backend, see Register.
type Registration struct {
	// ModelName returned by the Backend.Name() of backends created by New.
	ModelName string

	// Priority used when more than one backend detects its environment: higher wins.
	Priority int

	// Detect returns whether the environment of the process was set up for this backend.
	// If nil, the backend is only used when explicitly requested.
	Detect func() bool

	// New creates the backend.
	New Constructor
}

var (
	registryMu    sync.RWMutex
	registrations = make(map[string]Registration)

	currentMu sync.RWMutex
	current   Backend
)

// Register a backend under the given name. Backends packages register themselves in their init function,
// so they only need to be imported, e.g.:
//
//	import _ "github.com/gomlx/distcomm/pkg/distributed/default"
func Register(name string, registration Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registrations[name] = registration
}

func init() {
	Register(SerialName, Registration{
		ModelName: SerialName,
		Priority:  -1,
		New: func(string) (Backend, error) {
			return NewSerial(), nil
		},
	})
}

// AvailableBackends returns the sorted names of the registered backends.
func AvailableBackends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registrations))
	for name := range registrations {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Current returns the backend of the process. It defaults to a Serial backend.
func Current() Backend {
	currentMu.RLock()
	b := current
	currentMu.RUnlock()
	if b != nil {
		return b
	}
	currentMu.Lock()
	defer currentMu.Unlock()
	if current == nil {
		current = NewSerial()
	}
	return current
}

// SetCurrent replaces the backend of the process. Collectives started afterwards use the new backend.
//
// It doesn't finalize the previous backend.
func SetCurrent(b Backend) {
	if b == nil {
		b = NewSerial()
	}
	currentMu.Lock()
	defer currentMu.Unlock()
	current = b
}

// DistEnv is the environment variable that forces the backend selected by Sync, with the same format
// accepted by Initialize: "<name>[:<config>]".
const DistEnv = "GOMLX_DIST"

// JobIDEnv holds the identifier shared by all ranks of a job. Coordinators reject ranks of other jobs.
const JobIDEnv = "GOMLX_DIST_JOB_ID"

// Sync re-derives the backend of the process from its environment, and makes it current.
//
// If $GOMLX_DIST is set, the backend it names is used. Otherwise, the registered backends detect their
// environment (the highest priority wins), and if none does, Serial is used.
// If the current backend is a live group of the selected model, it is kept.
func Sync() error {
	name, config := Selected()
	if name == SerialName {
		klog.V(1).Infof("distributed: no distributed environment detected, using %q", SerialName)
		SetCurrent(NewSerial())
		return nil
	}
	registration, err := lookup(name)
	if err != nil {
		return err
	}
	if b := Current(); b.Name() == registration.ModelName && b.Name() != SerialName {
		klog.V(1).Infof("distributed: keeping current %q backend", b.Name())
		return nil
	}
	return install(name, registration, config)
}

// Initialize creates the backend described by config ("<name>[:<backend config>]", e.g. "native:gloo")
// and makes it current.
func Initialize(config string) error {
	name, backendConfig := splitConfig(config)
	registration, err := lookup(name)
	if err != nil {
		return err
	}
	return install(name, registration, backendConfig)
}

// Finalize finalizes the current backend, and resets the current one to Serial.
func Finalize() error {
	b := Current()
	SetCurrent(NewSerial())
	if err := b.Finalize(); err != nil {
		return errors.WithMessagef(err, "failed to finalize %q backend", b.Name())
	}
	return nil
}

func splitConfig(config string) (name, backendConfig string) {
	name, backendConfig, _ = strings.Cut(config, ":")
	return strings.TrimSpace(name), backendConfig
}

func lookup(name string) (Registration, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	registration, found := registrations[name]
	if !found {
		names := make([]string, 0, len(registrations))
		for n := range registrations {
			names = append(names, n)
		}
		slices.Sort(names)
		return Registration{}, errors.Errorf("distributed backend %q not registered, available backends: %v "+
			"-- maybe import _ \"github.com/gomlx/distcomm/pkg/distributed/default\"?", name, names)
	}
	return registration, nil
}

// Selected returns the name of the backend Sync would select from the environment, and its configuration.
// It returns SerialName if no distributed environment is detected.
func Selected() (name, config string) {
	if value, found := os.LookupEnv(DistEnv); found && value != "" {
		return splitConfig(value)
	}
	if name = detect(); name == "" {
		name = SerialName
	}
	return name, ""
}

func detect() string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	bestName, bestPriority := "", 0
	for name, registration := range registrations {
		if registration.Detect == nil || !registration.Detect() {
			continue
		}
		if bestName == "" || registration.Priority > bestPriority ||
			(registration.Priority == bestPriority && name < bestName) {
			bestName, bestPriority = name, registration.Priority
		}
	}
	return bestName
}

func install(name string, registration Registration, config string) error {
	b, err := registration.New(config)
	if err != nil {
		return errors.WithMessagef(err, "failed to initialize distributed backend %q", name)
	}
	klog.V(1).Infof("distributed: using %q backend: %s", b.Name(), b.Topology())
	SetCurrent(b)
	return nil
}

// Rank returns the global rank of this process.
func Rank() int { return Current().Topology().Rank }

// WorldSize returns the number of ranks.
func WorldSize() int { return Current().Topology().WorldSize }

// LocalRank returns the rank of this process within its node.
func LocalRank() int { return Current().Topology().LocalRank }

// NodeRank returns the index of the node of this process.
func NodeRank() int { return Current().Topology().NodeRank }

// NNodes returns the number of nodes.
func NNodes() int { return Current().Topology().NNodes }

// NProcPerNode returns the number of ranks per node.
func NProcPerNode() int { return Current().Topology().NProcPerNode }

// Device returns the device where collective buffers of this process are placed.
func Device() devices.Device { return Current().Topology().Device }

// BackendKind returns the kind of communication backend of the current group, KindNone if Serial.
func BackendKind() Kind { return Current().Topology().Kind }

// ModelName returns the name of the current backend model, e.g. "serial" or "native-dist".
func ModelName() string { return Current().Name() }

// Hostname of the machine running this rank.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil {
		klog.Warningf("distributed: failed to get hostname: %v", err)
		return "unknown"
	}
	return name
}

// ShowConfig logs the configuration of the current backend.
func ShowConfig() {
	b := Current()
	topology := b.Topology()
	klog.Infof("distributed configuration:")
	klog.Infof("  backend:        %s (%s)", b.Name(), topology.Kind)
	klog.Infof("  hostname:       %s", Hostname())
	klog.Infof("  device:         %s", topology.Device)
	klog.Infof("  rank:           %d", topology.Rank)
	klog.Infof("  local rank:     %d", topology.LocalRank)
	klog.Infof("  world size:     %d", topology.WorldSize)
	klog.Infof("  node rank:      %d", topology.NodeRank)
	klog.Infof("  num nodes:      %d", topology.NNodes)
	klog.Infof("  nproc per node: %d", topology.NProcPerNode)
	if topology.InitMethod != "" {
		klog.Infof("  init method:    %s", topology.InitMethod)
	}
	if mesh, err := topology.Mesh(); err == nil {
		klog.Infof("  mesh:           %s", mesh)
	}
	if peers, err := topology.NodePeers(); err == nil {
		klog.Infof("  node peers:     %v", peers)
	}
}
