// Package storage defines the document storage engine used by every store
// of the offline cache, together with an in-memory and a SQLite engine.
//
// A collection holds documents addressed by a unique key. Each document
// carries free-form JSON metadata, used for queries and sorting, and a JSON
// value holding the payload.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Collection.Get when no document has the key.
var ErrNotFound = errors.New("document not found")

// Engine opens named collections.
//
// Implementations must be thread-safe!
type Engine interface {
	// Open returns the collection with the given name, creating it if needed.
	// Opening the same name twice yields handles to the same documents.
	Open(ctx context.Context, name string) (Collection, error)
	// Close releases the resources held by the engine.
	Close() error
}

// Collection is a named set of documents.
type Collection interface {
	Name() string
	// Get returns the document with the given key, or ErrNotFound.
	Get(ctx context.Context, key string) (Document, error)
	// Put inserts the document or replaces the one with the same key.
	Put(ctx context.Context, doc Document) error
	// Delete removes every document matching the selector and returns how many were removed.
	Delete(ctx context.Context, sel Selector) (int, error)
	// Find returns the documents matching the selector.
	// Without a SortBy option documents are ordered by key.
	Find(ctx context.Context, sel Selector, opts ...FindOption) ([]Document, error)
	// Keys returns all keys in ascending order.
	Keys(ctx context.Context) ([]string, error)
	// RemoveByKey removes a single document and reports whether it existed.
	RemoveByKey(ctx context.Context, key string) (bool, error)
	// Destroy removes every document of the collection.
	Destroy(ctx context.Context) error
}

// Document is the unit of storage.
type Document struct {
	Key      string          `json:"key"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// NewDocument marshals metadata and value into a Document.
// A nil metadata or value is stored as JSON null.
func NewDocument(key string, metadata, value any) (Document, error) {
	doc := Document{Key: key}
	var err error
	if doc.Metadata, err = json.Marshal(metadata); err != nil {
		return doc, fmt.Errorf("marshal metadata of %q: %w", key, err)
	}
	if doc.Value, err = json.Marshal(value); err != nil {
		return doc, fmt.Errorf("marshal value of %q: %w", key, err)
	}
	return doc, nil
}

// DecodeMetadata unmarshals the document metadata into v.
func (d Document) DecodeMetadata(v any) error {
	if len(d.Metadata) == 0 {
		return nil
	}
	return json.Unmarshal(d.Metadata, v)
}

// DecodeValue unmarshals the document value into v.
func (d Document) DecodeValue(v any) error {
	if len(d.Value) == 0 {
		return nil
	}
	return json.Unmarshal(d.Value, v)
}

type findOptions struct {
	sortField  string
	descending bool
	limit      int
}

// FindOption tunes a Find call.
type FindOption func(*findOptions)

// SortBy orders results by the given field path.
// Documents where the field is missing sort first in ascending order.
func SortBy(field string, descending bool) FindOption {
	return func(o *findOptions) {
		o.sortField = field
		o.descending = descending
	}
}

// Limit caps the number of returned documents. Zero or less means no limit.
func Limit(n int) FindOption {
	return func(o *findOptions) {
		o.limit = n
	}
}

func collectFindOptions(opts []FindOption) findOptions {
	o := findOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func jsonOrNull(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
