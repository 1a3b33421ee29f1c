// Package trellis provides a minimal public API for embedding the tracker.
//
// Most integrations should talk to trellisd over its socket protocol (see
// internal/rpc). This package exports only the essential types and
// constructors needed for Go programs that want to drive the issue
// operations layer in-process, against their own store.
package trellis

import (
	"github.com/trellishq/trellis/internal/bulk"
	"github.com/trellishq/trellis/internal/issueops"
	"github.com/trellishq/trellis/internal/resolver"
	"github.com/trellishq/trellis/internal/sequence"
	"github.com/trellishq/trellis/internal/storage"
	"github.com/trellishq/trellis/internal/storage/memory"
	"github.com/trellishq/trellis/internal/types"
)

// Core types for working with issues
type (
	Issue    = types.Issue
	Project  = types.Project
	Status   = types.Status
	Priority = types.Priority
)

// Status constants
const (
	StatusBacklog    = types.StatusBacklog
	StatusTodo       = types.StatusTodo
	StatusInProgress = types.StatusInProgress
	StatusDone       = types.StatusDone
	StatusCancelled  = types.StatusCancelled
)

// Priority constants
const (
	PriorityLow    = types.PriorityLow
	PriorityMedium = types.PriorityMedium
	PriorityHigh   = types.PriorityHigh
	PriorityUrgent = types.PriorityUrgent
)

// Store is the adapter contract the services run against.
type Store = storage.Adapter

// Service is the issue operations layer.
type Service = issueops.Service

// CreateInput carries the fields for a new issue.
type CreateInput = issueops.CreateInput

// NewMemoryStore returns an in-process store, useful for tests and demos.
func NewMemoryStore() Store {
	return memory.New()
}

// NewService wires an issue operations service over a store with default
// settings: medium default priority, 60s bulk record retention.
func NewService(store Store) *Service {
	seq := sequence.New(store)
	res := resolver.New(store)
	engine := bulk.NewEngine(bulk.DefaultRetention)
	return issueops.NewService(store, seq, res, engine, types.PriorityMedium)
}
