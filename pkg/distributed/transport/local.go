// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// LocalScheme is the scheme of the in-process transport: "inproc://<name>".
//
// All ranks (goroutines) opening the same name join the same group, served by one Coordinator.
const LocalScheme = "inproc"

func init() {
	RegisterScheme(LocalScheme, OpenLocal)
}

type hub struct {
	coordinator *Coordinator
	refs        int
}

var (
	hubsMu sync.Mutex
	hubs   = make(map[string]*hub)

	// aborted groups can't be joined again.
	aborted = make(map[string]bool)
)

type localTransport struct {
	name string
	hub  *hub

	mu     sync.Mutex
	closed bool
}

var _ Transport = (*localTransport)(nil)

// OpenLocal joins the in-process group with the given name, creating it if needed.
func OpenLocal(_ context.Context, name string, cfg Config) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hubsMu.Lock()
	defer hubsMu.Unlock()
	if aborted[name] {
		return nil, errors.Wrapf(ErrClosed, "in-process group %q was aborted", name)
	}
	h, found := hubs[name]
	if !found {
		h = &hub{coordinator: NewCoordinator(cfg.WorldSize, cfg.JobID)}
		hubs[name] = h
	} else if h.coordinator.WorldSize() != cfg.WorldSize {
		return nil, errors.Errorf("in-process group %q has world size %d, rank %d asked for %d",
			name, h.coordinator.WorldSize(), cfg.Rank, cfg.WorldSize)
	}
	h.refs++
	return &localTransport{name: name, hub: h}, nil
}

// Collective implements Transport.
func (t *localTransport) Collective(ctx context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return t.hub.coordinator.Submit(ctx, req)
}

// Close implements Transport. The group is released when all its ranks closed it.
func (t *localTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	hubsMu.Lock()
	defer hubsMu.Unlock()
	t.hub.refs--
	if t.hub.refs == 0 {
		t.hub.coordinator.Close()
		if hubs[t.name] == t.hub {
			delete(hubs, t.name)
		}
	}
	return nil
}

// AbortLocal closes the in-process group with the given name: ranks blocked in a collective return
// ErrClosed. It is used by tests to release ranks after one of them failed.
//
// Ranks can't join an aborted group afterwards.
func AbortLocal(name string) {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	aborted[name] = true
	if h, found := hubs[name]; found {
		h.coordinator.Close()
		delete(hubs, name)
	}
}
