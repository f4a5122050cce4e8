// Package document tracks the open text documents the editor has
// synchronized with the server, and converts between the protocol's
// position encoding and the backend's line/column convention.
package document

import (
	"errors"
	"fmt"
	"sync"

	"go.lsp.dev/protocol"
)

var (
	// ErrAlreadyOpen is returned when opening a URI that is already tracked.
	ErrAlreadyOpen = errors.New("document already open")

	// ErrUnknownDocument is returned for operations on a URI that was never
	// opened or has been closed.
	ErrUnknownDocument = errors.New("unknown document")

	// ErrStaleVersion is returned when a change notification arrives out of
	// order. Changes are rejected rather than reordered.
	ErrStaleVersion = errors.New("stale document version")
)

// Document is an immutable snapshot of an open document.
type Document struct {
	URI        string
	LanguageID string
	Version    int32
	Text       string
}

// Change is a single content change from a didChange notification.
// A nil Range replaces the whole document.
type Change struct {
	Range *protocol.Range
	Text  string
}

// Store is the authoritative table of open documents. Mutations are
// serialized by the store lock; snapshots may be taken concurrently.
type Store struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// NewStore creates an empty document store.
func NewStore() *Store {
	return &Store{docs: make(map[string]*Document)}
}

// Open inserts a new document.
func (s *Store) Open(uri, languageID string, version int32, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[uri]; ok {
		return fmt.Errorf("%s: %w", uri, ErrAlreadyOpen)
	}
	s.docs[uri] = &Document{
		URI:        uri,
		LanguageID: languageID,
		Version:    version,
		Text:       text,
	}
	return nil
}

// ApplyChanges applies an ordered batch of edits and bumps the version.
// The incoming version must be exactly one greater than the current one;
// anything else is a protocol violation reported as ErrStaleVersion.
// Range offsets within a batch are resolved against the text as already
// edited by the earlier changes in the same batch. Returns the post-edit
// snapshot.
func (s *Store) ApplyChanges(uri string, version int32, changes []Change) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[uri]
	if !ok {
		return Document{}, fmt.Errorf("%s: %w", uri, ErrUnknownDocument)
	}
	if version != doc.Version+1 {
		return Document{}, fmt.Errorf("%s: got version %d, have %d: %w",
			uri, version, doc.Version, ErrStaleVersion)
	}

	text := doc.Text
	for _, c := range changes {
		if c.Range == nil {
			text = c.Text
			continue
		}
		start := OffsetAt(text, c.Range.Start)
		end := OffsetAt(text, c.Range.End)
		if end < start {
			start, end = end, start
		}
		text = text[:start] + c.Text + text[end:]
	}

	doc.Text = text
	doc.Version = version
	return *doc, nil
}

// Close removes a document.
func (s *Store) Close(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[uri]; !ok {
		return fmt.Errorf("%s: %w", uri, ErrUnknownDocument)
	}
	delete(s.docs, uri)
	return nil
}

// Snapshot returns an immutable copy of the document's current state for
// use by a concurrent request.
func (s *Store) Snapshot(uri string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[uri]
	if !ok {
		return Document{}, fmt.Errorf("%s: %w", uri, ErrUnknownDocument)
	}
	return *doc, nil
}

// URIs returns the URIs of all open documents.
func (s *Store) URIs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uris := make([]string, 0, len(s.docs))
	for uri := range s.docs {
		uris = append(uris, uri)
	}
	return uris
}
