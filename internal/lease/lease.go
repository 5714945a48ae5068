// Package lease grants time-boxed exclusive edit leases on addressable
// sub-resources (a map cell, a template record) and guards saves to those
// resources with optimistic version checks.
//
// A resource moves Unheld -> Held(session, expiresAt) -> Unheld. The holder
// may re-acquire to refresh the TTL; anyone may take over once it expires.
package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sync/internal/board"
	"github.com/DoyleJ11/tabletop-sync/internal/syncerr"
)

const (
	DefaultTTL           = 30 * time.Second
	DefaultMaxTextLength = 10_000
	MaxResourceIDLength  = 128
)

type Lease struct {
	ResourceID      string
	HolderSessionID string
	HolderUserID    string
	AcquiredAt      time.Time
	ExpiresAt       time.Time
	TTL             time.Duration
}

func (l Lease) Live(now time.Time) bool { return now.Before(l.ExpiresAt) }

// Backend stores leases. Implementations must make Acquire atomic per
// resource.
type Backend interface {
	// Acquire grants l if the resource is unheld, expired, or already held
	// by l's session. Otherwise it returns the live lease and false.
	Acquire(ctx context.Context, l Lease, now time.Time) (Lease, bool, error)
	// Release drops the lease only if sessionID holds it.
	Release(ctx context.Context, resourceID, sessionID string) (bool, error)
	// Get returns the live lease on a resource, if any.
	Get(ctx context.Context, resourceID string, now time.Time) (Lease, bool, error)
	List(ctx context.Context, now time.Time) ([]Lease, error)
	// ForceRelease drops every lease acquired at or before cutoff.
	ForceRelease(ctx context.Context, cutoff time.Time) (int, error)
}

// Record is a lease-protected free-text resource. Version 0 means it has
// never been saved.
type Record struct {
	ResourceID string
	Data       map[string]any
	Version    int64
	UpdatedBy  string
	UpdatedAt  time.Time
}

type RecordStore interface {
	Get(ctx context.Context, resourceID string) (Record, bool, error)
	// CompareAndSwap stores rec at version expected+1 if the stored version
	// is expected (0 when absent). It always returns the record now stored.
	CompareAndSwap(ctx context.Context, rec Record, expected int64) (Record, bool, error)
}

// Identity is the caller of a lease or record operation.
type Identity struct {
	UserID    string
	SessionID string
	Role      board.Role
}

func (i Identity) IsGM() bool { return i.Role == board.RoleGM }

type Config struct {
	TTL           time.Duration
	GMOnlyFields  []string
	MaxTextLength int
	Now           func() time.Time
}

type AcquireResult struct {
	Granted bool
	Lease   Lease
}

type Manager struct {
	backend  Backend
	records  RecordStore
	ttl      time.Duration
	gmFields map[string]bool
	maxText  int
	now      func() time.Time
	log      *zap.Logger
}

func NewManager(backend Backend, records RecordStore, cfg Config, log *zap.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = DefaultMaxTextLength
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	gm := make(map[string]bool, len(cfg.GMOnlyFields))
	for _, f := range cfg.GMOnlyFields {
		gm[f] = true
	}
	return &Manager{
		backend:  backend,
		records:  records,
		ttl:      cfg.TTL,
		gmFields: gm,
		maxText:  cfg.MaxTextLength,
		now:      cfg.Now,
		log:      log.Named("lease"),
	}
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire grants or refreshes a lease. A lease held by another live session
// is not an error: the result is not granted and Lease names the holder.
func (m *Manager) Acquire(ctx context.Context, resourceID, userID, sessionID string) (AcquireResult, error) {
	if err := checkResourceID(resourceID); err != nil {
		return AcquireResult{}, err
	}
	if sessionID == "" {
		return AcquireResult{}, syncerr.Invalid("sessionId", "must not be empty")
	}
	now := m.now()
	want := Lease{
		ResourceID:      resourceID,
		HolderSessionID: sessionID,
		HolderUserID:    userID,
		AcquiredAt:      now,
		ExpiresAt:       now.Add(m.ttl),
		TTL:             m.ttl,
	}
	got, granted, err := m.backend.Acquire(ctx, want, now)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("acquire %s: %w", resourceID, err)
	}
	if granted {
		m.log.Debug("lease granted", zap.String("resource", resourceID), zap.String("user", userID))
	} else {
		m.log.Info("lease conflict", zap.String("resource", resourceID),
			zap.String("user", userID), zap.String("holder", got.HolderUserID))
	}
	return AcquireResult{Granted: granted, Lease: got}, nil
}

// Release is a no-op unless sessionID is the current holder; releases may
// race with expiry and that is fine.
func (m *Manager) Release(ctx context.Context, resourceID, sessionID string) (bool, error) {
	if err := checkResourceID(resourceID); err != nil {
		return false, err
	}
	released, err := m.backend.Release(ctx, resourceID, sessionID)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", resourceID, err)
	}
	return released, nil
}

// ForceReleaseAll drops leases acquired at least minAge ago. GM only.
func (m *Manager) ForceReleaseAll(ctx context.Context, caller Identity, minAge time.Duration) (int, error) {
	if !caller.IsGM() {
		return 0, syncerr.ErrForbidden
	}
	if minAge < 0 {
		minAge = 0
	}
	n, err := m.backend.ForceRelease(ctx, m.now().Add(-minAge))
	if err != nil {
		return 0, fmt.Errorf("force release: %w", err)
	}
	m.log.Warn("leases force-released", zap.Int("count", n), zap.String("by", caller.UserID), zap.Duration("min_age", minAge))
	return n, nil
}

type Status struct {
	ServerTime time.Time
	TTL        time.Duration
	Leases     []Lease
}

func (m *Manager) Status(ctx context.Context) (Status, error) {
	now := m.now()
	leases, err := m.backend.List(ctx, now)
	if err != nil {
		return Status{}, fmt.Errorf("list leases: %w", err)
	}
	return Status{ServerTime: now, TTL: m.ttl, Leases: leases}, nil
}

// Get returns a record as the caller may see it.
func (m *Manager) Get(ctx context.Context, resourceID string, caller Identity) (Record, error) {
	if err := checkResourceID(resourceID); err != nil {
		return Record{}, err
	}
	rec, ok, err := m.records.Get(ctx, resourceID)
	if err != nil {
		return Record{}, fmt.Errorf("get %s: %w", resourceID, err)
	}
	if !ok {
		return Record{}, syncerr.ErrNotFound
	}
	return m.view(rec, caller), nil
}

// Save writes data if expectedVersion matches the stored version and no
// other live session holds the resource's lease. On a version mismatch the
// conflict carries the authoritative record so the caller can re-present
// it. Non-GM callers can neither see nor overwrite GM-only fields.
func (m *Manager) Save(ctx context.Context, resourceID string, data map[string]any, caller Identity, expectedVersion int64) (Record, error) {
	if err := checkResourceID(resourceID); err != nil {
		return Record{}, err
	}
	now := m.now()

	held, ok, err := m.backend.Get(ctx, resourceID, now)
	if err != nil {
		return Record{}, fmt.Errorf("lease lookup %s: %w", resourceID, err)
	}
	if ok && held.HolderSessionID != caller.SessionID {
		return Record{}, &syncerr.ConflictError{
			Reason: "resource is being edited by another session",
			Holder: &syncerr.Holder{
				UserID:    held.HolderUserID,
				SessionID: held.HolderSessionID,
				ExpiresAt: held.ExpiresAt.UnixMilli(),
			},
		}
	}

	current, _, err := m.records.Get(ctx, resourceID)
	if err != nil {
		return Record{}, fmt.Errorf("get %s: %w", resourceID, err)
	}
	if current.Version != expectedVersion {
		return Record{}, m.versionConflict(current, caller)
	}

	if data == nil {
		data = map[string]any{}
	}
	clean := truncateValues(data, m.maxText).(map[string]any)
	if !caller.IsGM() {
		for f := range m.gmFields {
			delete(clean, f)
			if v, ok := current.Data[f]; ok {
				clean[f] = v
			}
		}
	}

	stored, swapped, err := m.records.CompareAndSwap(ctx, Record{
		ResourceID: resourceID,
		Data:       clean,
		UpdatedBy:  caller.UserID,
		UpdatedAt:  now,
	}, expectedVersion)
	if err != nil {
		return Record{}, fmt.Errorf("save %s: %w", resourceID, err)
	}
	if !swapped {
		return Record{}, m.versionConflict(stored, caller)
	}
	m.log.Debug("record saved", zap.String("resource", resourceID), zap.Int64("version", stored.Version))
	return m.view(stored, caller), nil
}

// Patch applies an RFC 7386 merge patch to the data the caller can see and
// saves the result under the same version check as Save.
func (m *Manager) Patch(ctx context.Context, resourceID string, patch []byte, caller Identity, expectedVersion int64) (Record, error) {
	if err := checkResourceID(resourceID); err != nil {
		return Record{}, err
	}
	current, _, err := m.records.Get(ctx, resourceID)
	if err != nil {
		return Record{}, fmt.Errorf("get %s: %w", resourceID, err)
	}
	base, err := json.Marshal(m.view(current, caller).Data)
	if err != nil {
		return Record{}, err
	}
	merged, err := jsonpatch.MergePatch(base, patch)
	if err != nil {
		return Record{}, syncerr.Invalid("patch", "%v", err)
	}
	var data map[string]any
	if err := json.Unmarshal(merged, &data); err != nil || data == nil {
		return Record{}, syncerr.Invalid("patch", "result is not an object")
	}
	return m.Save(ctx, resourceID, data, caller, expectedVersion)
}

func (m *Manager) versionConflict(current Record, caller Identity) error {
	return &syncerr.ConflictError{
		Reason:         "version mismatch",
		CurrentVersion: current.Version,
		Current:        m.view(current, caller),
	}
}

// view copies rec and strips GM-only fields for non-GM callers.
func (m *Manager) view(rec Record, caller Identity) Record {
	out := rec
	out.Data = cloneData(rec.Data)
	if !caller.IsGM() {
		for f := range m.gmFields {
			delete(out.Data, f)
		}
	}
	return out
}

func checkResourceID(id string) error {
	if id == "" {
		return syncerr.Invalid("resourceId", "must not be empty")
	}
	if len(id) > MaxResourceIDLength {
		return syncerr.Invalid("resourceId", "longer than %d bytes", MaxResourceIDLength)
	}
	return nil
}

// truncateValues bounds every string in a decoded JSON value.
func truncateValues(v any, limit int) any {
	switch t := v.(type) {
	case string:
		return board.Truncate(t, limit)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[board.Truncate(k, MaxResourceIDLength)] = truncateValues(e, limit)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = truncateValues(e, limit)
		}
		return out
	default:
		return t
	}
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if json.Unmarshal(b, &out) != nil || out == nil {
		return map[string]any{}
	}
	return out
}
