// Package store is the client's canonical copy of the board document.
//
// Every ingestion point (bootstrap seed, local mutation, remote delta, save
// reconciliation) goes through board normalization before the document is
// committed, and readers only ever receive detached snapshots.
package store

import (
	"sync"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sync/internal/board"
)

type Store struct {
	mu        sync.RWMutex
	doc       board.BoardDocument
	rev       uint64 // bumped on every commit
	listeners map[int]chan struct{}
	nextID    int
	log       *zap.Logger
}

func New(log *zap.Logger) *Store {
	return &Store{
		doc:       board.NewDocument(),
		listeners: make(map[int]chan struct{}),
		log:       log.Named("store"),
	}
}

// Initialize replaces the document with a bootstrap payload. Malformed
// nested shapes fall back to typed defaults; only invalid JSON is an error.
func (s *Store) Initialize(seed []byte) error {
	doc, err := board.Decode(seed)
	if err != nil {
		return err
	}
	s.commit(doc)
	s.log.Debug("initialized", zap.Int64("version", doc.Version))
	return nil
}

func (s *Store) InitializeDocument(doc board.BoardDocument) {
	s.commit(doc.Clone())
}

// State returns a deep copy the caller may mutate freely.
func (s *Store) State() board.BoardDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Clone()
}

func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Version
}

// Update runs fn against a draft copy and commits the normalized result. If
// fn fails the committed document is unchanged. fn runs without the store
// lock held, so it may read the store; if another write commits meanwhile,
// fn runs again on the newer document. Update never touches the network;
// callers hand the change to the save queue themselves.
func (s *Store) Update(fn func(*board.BoardDocument) error) (board.BoardDocument, error) {
	for {
		s.mu.RLock()
		draft, rev := s.doc.Clone(), s.rev
		s.mu.RUnlock()

		if err := fn(&draft); err != nil {
			return board.BoardDocument{}, err
		}
		board.Normalize(&draft)

		s.mu.Lock()
		if s.rev != rev {
			s.mu.Unlock()
			s.log.Debug("document moved under update, retrying")
			continue
		}
		// The draft is a working copy; version is stamped by the server only.
		draft.Version = s.doc.Version
		s.doc = draft
		s.rev++
		s.mu.Unlock()

		s.notify()
		return draft.Clone(), nil
	}
}

// MergeRemote applies a remote delta field-wise in one step. It reports
// whether the committed document changed.
func (s *Store) MergeRemote(d board.Delta) bool {
	s.mu.Lock()
	before := s.doc
	s.doc = board.Merge(before, d)
	s.rev++
	changed := s.doc.Version != before.Version || !board.Diff(before, s.doc).Empty()
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return changed
}

// Reconcile folds the server's canonical shape of a write back into the
// document and raises the version to the one the server assigned.
func (s *Store) Reconcile(version int64, canonical *board.Delta) {
	s.mu.Lock()
	doc := s.doc
	if canonical != nil {
		doc = board.Merge(doc, *canonical)
	}
	if version > doc.Version {
		doc.Version = version
	}
	s.doc = doc
	s.rev++
	s.mu.Unlock()
	s.notify()
}

// Subscribe returns a channel that receives a signal after each committed
// change. Signals coalesce: a slow reader sees one pending signal, then
// reads State for the latest document.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	s.listeners[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) commit(doc board.BoardDocument) {
	board.Normalize(&doc)
	s.mu.Lock()
	s.doc = doc
	s.rev++
	s.mu.Unlock()
	s.notify()
}

func (s *Store) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
