// Package core provides limit class definitions and caching.
package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// FailMode controls limiter behavior when the counter store is unavailable.
type FailMode int32

const (
	// FailClosed denies requests when the store cannot answer.
	FailClosed FailMode = iota
	// FailOpen admits requests when the store cannot answer.
	FailOpen
)

// LimitClass is a named fixed-window rate limiting policy.
type LimitClass struct {
	Name        string
	MaxRequests int64
	Window      time.Duration
	FailMode    FailMode
	Version     int64
	UpdatedAt   time.Time
}

// Built-in limit class names.
const (
	ClassApplicationSubmit = "application-submit"
	ClassSignup            = "generic-signup"
	ClassSeatPoll          = "seat-poll"
	ClassCheckoutCreate    = "checkout-create"
	ClassAdmin             = "admin"
)

// DefaultLimitClasses returns the built-in limit class table.
func DefaultLimitClasses() []*LimitClass {
	return []*LimitClass{
		{Name: ClassApplicationSubmit, MaxRequests: 3, Window: 15 * time.Minute, FailMode: FailClosed, Version: 1},
		{Name: ClassSignup, MaxRequests: 5, Window: time.Minute, FailMode: FailClosed, Version: 1},
		{Name: ClassSeatPoll, MaxRequests: 60, Window: time.Minute, FailMode: FailOpen, Version: 1},
		{Name: ClassCheckoutCreate, MaxRequests: 5, Window: 10 * time.Minute, FailMode: FailClosed, Version: 1},
		{Name: ClassAdmin, MaxRequests: 10, Window: time.Minute, FailMode: FailClosed, Version: 1},
	}
}

type classSnapshot struct {
	byName map[string]*LimitClass
}

// ClassRegistry stores limit class snapshots with copy-on-write updates.
type ClassRegistry struct {
	snap atomic.Value
	mu   sync.Mutex
}

// NewClassRegistry creates a registry seeded with the given classes.
func NewClassRegistry(classes []*LimitClass) *ClassRegistry {
	registry := &ClassRegistry{}
	registry.snap.Store(&classSnapshot{byName: map[string]*LimitClass{}})
	registry.ReplaceAll(classes)
	return registry
}

// Get returns the class with the given name.
func (reg *ClassRegistry) Get(name string) (*LimitClass, bool) {
	snapshot := reg.snapshot()
	class, ok := snapshot.byName[name]
	return class, ok
}

// List returns all registered classes.
func (reg *ClassRegistry) List() []*LimitClass {
	snapshot := reg.snapshot()
	classes := make([]*LimitClass, 0, len(snapshot.byName))
	for _, class := range snapshot.byName {
		classes = append(classes, class)
	}
	return classes
}

// ReplaceAll replaces the entire snapshot with the provided classes.
func (reg *ClassRegistry) ReplaceAll(classes []*LimitClass) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	byName := make(map[string]*LimitClass, len(classes))
	for _, class := range classes {
		if class == nil || class.Name == "" {
			continue
		}
		byName[class.Name] = cloneClass(class)
	}
	reg.snap.Store(&classSnapshot{byName: byName})
}

// UpsertIfNewer updates a class if its version is newer than the cached one.
func (reg *ClassRegistry) UpsertIfNewer(class *LimitClass) {
	if class == nil || class.Name == "" {
		return
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	snapshot := reg.snapshot()
	if existing, ok := snapshot.byName[class.Name]; ok && existing != nil {
		if class.Version <= existing.Version {
			return
		}
	}
	byName := make(map[string]*LimitClass, len(snapshot.byName)+1)
	for name, existing := range snapshot.byName {
		byName[name] = existing
	}
	byName[class.Name] = cloneClass(class)
	reg.snap.Store(&classSnapshot{byName: byName})
}

func (reg *ClassRegistry) snapshot() *classSnapshot {
	if snapshot, ok := reg.snap.Load().(*classSnapshot); ok && snapshot != nil {
		return snapshot
	}
	return &classSnapshot{byName: map[string]*LimitClass{}}
}

func cloneClass(class *LimitClass) *LimitClass {
	if class == nil {
		return nil
	}
	clone := *class
	return &clone
}
