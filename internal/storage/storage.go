// Package storage defines the adapter contract for the remote tracker store.
//
// The concrete implementations live in the memory and sqlstore sub-packages.
// This package holds the interface and value types referenced by both the
// implementations and their consumers (sequence, issueops, deletion, rpc).
package storage

import (
	"context"
)

// Kind identifies an entity class in the store.
type Kind string

// Entity kinds
const (
	KindProject    Kind = "project"
	KindIssue      Kind = "issue"
	KindComponent  Kind = "component"
	KindMilestone  Kind = "milestone"
	KindTemplate   Kind = "template"
	KindComment    Kind = "comment"
	KindAttachment Kind = "attachment"
)

// Collection names for attached entities.
const (
	CollectionIssues      = "issues"
	CollectionSubIssues   = "subIssues"
	CollectionComments    = "comments"
	CollectionAttachments = "attachments"
)

// NoParent is the sentinel parent slot for issues attached directly to a
// project rather than to another issue.
const NoParent = "tracker:ids:NoParent"

// Doc is the generic document shape the adapter traffics in. Meta fields
// (ID, Space, Parent...) describe where the document lives; Fields carries
// the entity payload.
type Doc struct {
	ID         string
	Kind       Kind
	Space      string // owning project ID, or workspace for projects
	Parent     string // attachedTo ID (issue parent or NoParent sentinel)
	ParentKind Kind
	Collection string
	Fields     map[string]any
}

// Selector matches documents by field equality. The reserved keys "_id",
// "space", "attachedTo", and "collection" match document metadata; all other
// keys match payload fields.
type Selector map[string]any

// Patch describes a partial update. Set replaces fields (a nil value clears
// the field); Inc applies the store's linearizable increment primitive, the
// same one AtomicIncrement uses.
type Patch struct {
	Set map[string]any
	Inc map[string]int64
}

// Adapter abstracts the remote tracker. Implementations must be safe for
// concurrent use; no locking happens above this layer.
type Adapter interface {
	// FindOne returns the first document matching the selector, or a
	// NotFound error when nothing matches.
	FindOne(ctx context.Context, kind Kind, sel Selector) (*Doc, error)

	// FindAll returns all documents matching the selector, up to limit
	// (0 = no limit). Order is unspecified.
	FindAll(ctx context.Context, kind Kind, sel Selector, limit int) ([]*Doc, error)

	// AtomicIncrement adds delta to a numeric field and returns the new
	// value. The operation is linearizable per (id, field): concurrent
	// increments serialize, and no two callers observe the same result.
	// A missing field is created and set to delta.
	AtomicIncrement(ctx context.Context, kind Kind, id, field string, delta int64) (int64, error)

	// CreateAttached creates a document that lives in a collection on a
	// parent (issues under a project or parent issue, comments under an
	// issue) and returns its new ID.
	CreateAttached(ctx context.Context, kind Kind, space, parent string, parentKind Kind, collection string, fields map[string]any) (string, error)

	// CreateDoc creates a standalone document in a space and returns its ID.
	CreateDoc(ctx context.Context, kind Kind, space string, fields map[string]any) (string, error)

	// Update applies a patch to an existing document.
	Update(ctx context.Context, kind Kind, space, id string, patch Patch) error

	// RemoveAttached deletes a document created with CreateAttached.
	RemoveAttached(ctx context.Context, kind Kind, space, id, parent string, parentKind Kind, collection string) error

	// RemoveDoc deletes a standalone document.
	RemoveDoc(ctx context.Context, kind Kind, space, id string) error

	// UploadMarkup stores markup text out-of-line and returns a reference.
	// Empty text returns an empty ref without creating anything.
	UploadMarkup(ctx context.Context, kind Kind, id, field, text, format string) (string, error)

	// FetchMarkup retrieves markup by reference. An empty ref returns
	// empty content.
	FetchMarkup(ctx context.Context, ref string) (string, error)

	// Close releases the adapter's resources.
	Close() error
}
