// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/sockethub/lib/sealed"
)

// identifier derives the registry key of a platform instance:
// persistent platforms get one instance per actor, the others share
// one instance per platform.
func identifier(platformName, actorID string, persist bool) string {
	if !persist {
		return sealed.Hash(platformName)
	}
	return sealed.Hash(platformName + actorID)
}

// createFunc builds and starts the instance for a registry key.
type createFunc func(ctx context.Context, id, platformName, actorID string) (*instance, error)

// registry maps identifiers to live instances. Concurrent lookups of
// a missing identifier share one creation, so at most one instance
// exists per identifier.
type registry struct {
	create  createFunc
	metrics *metrics

	mu        sync.Mutex
	instances map[string]*instance
	group     singleflight.Group
}

func newRegistry(create createFunc, m *metrics) *registry {
	return &registry{
		create:    create,
		metrics:   m,
		instances: make(map[string]*instance),
	}
}

// get returns the live instance for id.
func (r *registry) get(id string) (*instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// ensure returns the instance for id, creating it when absent.
// Creation outlives the caller's cancellation, since other callers
// may be waiting on the same creation.
func (r *registry) ensure(ctx context.Context, id, platformName, actorID string) (*instance, error) {
	if inst, ok := r.get(id); ok {
		return inst, nil
	}
	value, err, _ := r.group.Do(id, func() (any, error) {
		if inst, ok := r.get(id); ok {
			return inst, nil
		}
		inst, err := r.create(context.WithoutCancel(ctx), id, platformName, actorID)
		if err != nil {
			return nil, err
		}
		if err := r.add(inst); err != nil {
			inst.destroy(context.WithoutCancel(ctx))
			return nil, err
		}
		return inst, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*instance), nil
}

func (r *registry) add(inst *instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst.closed() {
		return fmt.Errorf("platform instance %s failed during startup", inst.ID())
	}
	id := inst.ID()
	if _, exists := r.instances[id]; exists {
		return fmt.Errorf("platform instance %s already registered", id)
	}
	r.instances[id] = inst
	r.metrics.instanceAdded()
	return nil
}

// remove drops inst if it is still the instance registered under its
// id.
func (r *registry) remove(inst *instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := inst.ID()
	if r.instances[id] == inst {
		delete(r.instances, id)
		r.metrics.instanceRemoved()
	}
}

// rename moves inst to newID in one step.
func (r *registry) rename(inst *instance, newID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	oldID := inst.ID()
	if oldID == newID {
		return nil
	}
	if existing, ok := r.instances[newID]; ok && existing != inst {
		return fmt.Errorf("cannot rename instance %s: %s is already live", oldID, newID)
	}
	if r.instances[oldID] == inst {
		delete(r.instances, oldID)
	} else {
		// Already removed by destroy; nothing to move.
		return fmt.Errorf("instance %s is no longer registered", oldID)
	}
	r.instances[newID] = inst
	inst.mu.Lock()
	inst.id = newID
	inst.mu.Unlock()
	return nil
}

// all returns a snapshot of the live instances ordered by id.
func (r *registry) all() []*instance {
	r.mu.Lock()
	instances := make([]*instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.mu.Unlock()
	sort.Slice(instances, func(a, b int) bool { return instances[a].ID() < instances[b].ID() })
	return instances
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}
