// Package types is the HTTP wire contract between board clients and the
// server.
package types

import "encoding/json"

// Client -> Server
// POST /sessions            SessionRequest      -> SessionResponse
// POST /boards              {}                  -> CreateBoardResponse   (gm)
// GET  /boards/{code}/bootstrap                 -> BootstrapResponse
// POST /boards/{code}/save  SaveRequest         -> SaveResponse
// POST /locks               LockRequest         -> LockResponse
// GET  /resources/{id}                          -> RecordResponse
// PUT  /resources/{id}      RecordRequest       -> RecordResponse
// PATCH /resources/{id}     RecordRequest (data is an RFC 7386 merge patch)
//
// Server -> Client (websocket, see internal/types)
// welcome: connection_id, version
// delta:   board.Delta

type SessionRequest struct {
	UserID     string `json:"userId"`
	Role       string `json:"role"`
	Passphrase string `json:"passphrase,omitempty"`
}

type SessionResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
}

type CreateBoardResponse struct {
	Code string `json:"code"`
}

type BootstrapResponse struct {
	Document json.RawMessage `json:"document"`
	Version  int64           `json:"version"`
	Leases   []LeaseView     `json:"leases"`
}

// SaveRequest carries a board delta (fragments only) under a persistence
// key. ConnectionID is the realtime connection of the sender, excluded from
// the fan-out of the resulting delta.
type SaveRequest struct {
	Key             string          `json:"key"`
	Payload         json.RawMessage `json:"payload"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
	ConnectionID    string          `json:"connectionId,omitempty"`
}

type SaveResponse struct {
	Success  bool            `json:"success"`
	Version  int64           `json:"version"`
	Data     json.RawMessage `json:"data,omitempty"`
	Conflict *Conflict       `json:"conflict,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Conflict describes why a write was refused: either the version moved on
// (Current holds the authoritative value) or a lease is held (Holder).
type Conflict struct {
	Reason         string          `json:"reason"`
	CurrentVersion int64           `json:"currentVersion"`
	Current        json.RawMessage `json:"current,omitempty"`
	Holder         *LeaseHolder    `json:"holder,omitempty"`
}

type LeaseHolder struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	ExpiresAt int64  `json:"expiresAt"`
}

const (
	ActionAcquireLock       = "acquire_lock"
	ActionReleaseLock       = "release_lock"
	ActionForceReleaseLocks = "force_release_locks"
	ActionSystemStatus      = "system_status"
)

type LockRequest struct {
	Action        string `json:"action"`
	ResourceID    string `json:"resourceId,omitempty"`
	MinAgeSeconds int    `json:"minAgeSeconds,omitempty"`
}

type LockResponse struct {
	Success  bool          `json:"success"`
	Lease    *LeaseView    `json:"lease,omitempty"`
	Holder   *LeaseHolder  `json:"holder,omitempty"`
	Released int           `json:"released,omitempty"`
	Status   *SystemStatus `json:"status,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type LeaseView struct {
	ResourceID      string `json:"resourceId"`
	HolderSessionID string `json:"holderSessionId"`
	HolderUserID    string `json:"holderUserId"`
	AcquiredAt      int64  `json:"acquiredAt"`
	ExpiresAt       int64  `json:"expiresAt"`
	TTLSeconds      int    `json:"ttlSeconds"`
}

type SystemStatus struct {
	ServerTime      int64       `json:"serverTime"`
	LeaseTTLSeconds int         `json:"leaseTtlSeconds"`
	Leases          []LeaseView `json:"leases"`
}

type RecordRequest struct {
	Data            json.RawMessage `json:"data"`
	ExpectedVersion int64           `json:"expectedVersion"`
}

type RecordView struct {
	ResourceID string          `json:"resourceId"`
	Data       json.RawMessage `json:"data"`
	Version    int64           `json:"version"`
	UpdatedBy  string          `json:"updatedBy,omitempty"`
	UpdatedAt  int64           `json:"updatedAt,omitempty"`
}

type RecordResponse struct {
	Success  bool        `json:"success"`
	Record   *RecordView `json:"record,omitempty"`
	Conflict *Conflict   `json:"conflict,omitempty"`
	Error    string      `json:"error,omitempty"`
}
