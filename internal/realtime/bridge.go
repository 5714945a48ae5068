// Package realtime feeds a board's websocket delta stream into the client's
// store, dropping stale and self-originated deltas.
package realtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sync/internal/board"
)

type Outcome int

const (
	// OutcomeStale: version at or below the last applied one, ignored.
	OutcomeStale Outcome = iota
	// OutcomeEcho: our own save coming back. Version advances, nothing merges.
	OutcomeEcho
	OutcomeApplied
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStale:
		return "stale"
	case OutcomeEcho:
		return "echo"
	case OutcomeApplied:
		return "applied"
	default:
		return "unknown"
	}
}

// Applier merges a remote delta into local state. *store.Store is one.
type Applier interface {
	MergeRemote(d board.Delta) bool
}

type Bridge struct {
	mu          sync.Mutex
	lastApplied int64
	applier     Applier
	currentUser func() string
	log         *zap.Logger
}

// NewBridge starts deduplication at baseline, normally the version the
// store was bootstrapped with.
func NewBridge(applier Applier, currentUser func() string, baseline int64, log *zap.Logger) *Bridge {
	return &Bridge{
		lastApplied: baseline,
		applier:     applier,
		currentUser: currentUser,
		log:         log.Named("bridge"),
	}
}

// Handle processes one inbound delta. Deltas are handled one at a time, so
// two merges never interleave.
func (b *Bridge) Handle(d board.Delta) Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	if d.Version <= b.lastApplied {
		b.log.Debug("stale delta", zap.Int64("version", d.Version), zap.Int64("last", b.lastApplied))
		return OutcomeStale
	}
	b.lastApplied = d.Version
	if b.currentUser != nil && d.AuthorID != "" && d.AuthorID == b.currentUser() {
		return OutcomeEcho
	}
	b.applier.MergeRemote(d)
	return OutcomeApplied
}

func (b *Bridge) LastAppliedVersion() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastApplied
}

// Rebase moves the baseline to version after a full resync. reset runs
// under the bridge lock, so no delta merges between it and the new
// baseline. Nothing happens if version is older than what was applied.
func (b *Bridge) Rebase(version int64, reset func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if version < b.lastApplied {
		return false
	}
	if reset != nil {
		reset()
	}
	b.lastApplied = version
	return true
}
