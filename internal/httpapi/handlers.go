package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/DoyleJ11/tabletop-sync/internal/auth"
	"github.com/DoyleJ11/tabletop-sync/internal/board"
	"github.com/DoyleJ11/tabletop-sync/internal/hub"
	"github.com/DoyleJ11/tabletop-sync/internal/lease"
	"github.com/DoyleJ11/tabletop-sync/internal/lobby"
	"github.com/DoyleJ11/tabletop-sync/internal/syncerr"
	"github.com/DoyleJ11/tabletop-sync/pkg/types"
)

func CreateSession(a *auth.Auth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.SessionRequest
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
		role := board.RolePlayer
		if req.Role != "" {
			var ok bool
			if role, ok = board.ParseRole(req.Role); !ok {
				writeError(w, syncerr.Invalid("role", "must be gm or player"))
				return
			}
		}
		tok, id, err := a.Issue(req.UserID, role, req.Passphrase)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, types.SessionResponse{
			Token: tok, UserID: id.UserID, SessionID: id.SessionID, Role: string(id.Role),
		})
	}
}

func CreateBoard(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())
		if !id.IsGM() {
			writeError(w, syncerr.ErrForbidden)
			return
		}
		lb, err := h.Create(r.Context(), board.NewDocument())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, types.CreateBoardResponse{Code: lb.Code()})
	}
}

func Bootstrap(h *hub.Hub, leases *lease.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lb, err := h.Ensure(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			writeError(w, err)
			return
		}
		reply := make(chan lobby.View, 1)
		if err := send(r, lb, lobby.GetState{Reply: reply}); err != nil {
			writeError(w, err)
			return
		}
		var view lobby.View
		select {
		case view = <-reply:
		case <-r.Context().Done():
			return
		}
		doc, err := json.Marshal(view.Document)
		if err != nil {
			writeError(w, err)
			return
		}
		st, err := leases.Status(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.BootstrapResponse{
			Document: doc,
			Version:  view.Version,
			Leases:   leaseViews(st.Leases),
		})
	}
}

// SaveBoard accepts a delta of changed fragments and hands it to the board's
// lobby, which orders it against every other write.
func SaveBoard(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())
		var req types.SaveRequest
		if err := decode(r, &req); err != nil {
			writeJSON(w, statusOf(err), types.SaveResponse{Error: err.Error()})
			return
		}
		if req.Key == "" {
			err := syncerr.Invalid("key", "must not be empty")
			writeJSON(w, statusOf(err), types.SaveResponse{Error: err.Error()})
			return
		}
		var delta board.Delta
		if err := json.Unmarshal(req.Payload, &delta); err != nil {
			err := syncerr.Invalid("payload", "%v", err)
			writeJSON(w, statusOf(err), types.SaveResponse{Error: err.Error()})
			return
		}

		lb, err := h.Ensure(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			writeJSON(w, statusOf(err), types.SaveResponse{Error: err.Error()})
			return
		}
		reply := make(chan lobby.SaveResult, 1)
		err = send(r, lb, lobby.Save{
			ConnID:          req.ConnectionID,
			UserID:          id.UserID,
			Role:            id.Role,
			Delta:           delta,
			ExpectedVersion: req.ExpectedVersion,
			Reply:           reply,
		})
		if err != nil {
			writeJSON(w, statusOf(err), types.SaveResponse{Error: err.Error()})
			return
		}
		var res lobby.SaveResult
		select {
		case res = <-reply:
		case <-r.Context().Done():
			return
		}
		if res.Err != nil {
			writeJSON(w, statusOf(res.Err), types.SaveResponse{
				Version:  res.Version,
				Conflict: conflictOf(res.Err),
				Error:    res.Err.Error(),
			})
			return
		}
		data, err := json.Marshal(res.Canonical)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.SaveResponse{Success: true, Version: res.Version, Data: data})
	}
}

// Locks is the single lease endpoint; the action field picks the operation.
func Locks(leases *lease.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())
		var req types.LockRequest
		if err := decode(r, &req); err != nil {
			writeJSON(w, statusOf(err), types.LockResponse{Error: err.Error()})
			return
		}
		ctx := r.Context()

		switch req.Action {
		case types.ActionAcquireLock:
			res, err := leases.Acquire(ctx, req.ResourceID, id.UserID, id.SessionID)
			if err != nil {
				writeJSON(w, statusOf(err), types.LockResponse{Error: err.Error()})
				return
			}
			if !res.Granted {
				writeJSON(w, http.StatusConflict, types.LockResponse{
					Holder: &types.LeaseHolder{
						UserID:    res.Lease.HolderUserID,
						SessionID: res.Lease.HolderSessionID,
						ExpiresAt: res.Lease.ExpiresAt.UnixMilli(),
					},
					Error: "resource is being edited by another session",
				})
				return
			}
			v := leaseView(res.Lease)
			writeJSON(w, http.StatusOK, types.LockResponse{Success: true, Lease: &v})

		case types.ActionReleaseLock:
			released, err := leases.Release(ctx, req.ResourceID, id.SessionID)
			if err != nil {
				writeJSON(w, statusOf(err), types.LockResponse{Error: err.Error()})
				return
			}
			n := 0
			if released {
				n = 1
			}
			writeJSON(w, http.StatusOK, types.LockResponse{Success: true, Released: n})

		case types.ActionForceReleaseLocks:
			minAge := time.Duration(req.MinAgeSeconds) * time.Second
			n, err := leases.ForceReleaseAll(ctx, id, minAge)
			if err != nil {
				writeJSON(w, statusOf(err), types.LockResponse{Error: err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, types.LockResponse{Success: true, Released: n})

		case types.ActionSystemStatus:
			st, err := leases.Status(ctx)
			if err != nil {
				writeJSON(w, statusOf(err), types.LockResponse{Error: err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, types.LockResponse{Success: true, Status: &types.SystemStatus{
				ServerTime:      st.ServerTime.UnixMilli(),
				LeaseTTLSeconds: int(st.TTL / time.Second),
				Leases:          leaseViews(st.Leases),
			}})

		default:
			err := syncerr.Invalid("action", "unknown action %q", req.Action)
			writeJSON(w, statusOf(err), types.LockResponse{Error: err.Error()})
		}
	}
}

func GetResource(leases *lease.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())
		rec, err := leases.Get(r.Context(), chi.URLParam(r, "id"), id)
		writeRecord(w, rec, err)
	}
}

// PutResource replaces a record's data. PATCH applies a merge patch instead.
func PutResource(leases *lease.Manager, patch bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())
		var req types.RecordRequest
		if err := decode(r, &req); err != nil {
			writeRecord(w, lease.Record{}, err)
			return
		}
		resourceID := chi.URLParam(r, "id")

		if patch {
			rec, err := leases.Patch(r.Context(), resourceID, req.Data, id, req.ExpectedVersion)
			writeRecord(w, rec, err)
			return
		}
		var data map[string]any
		if err := json.Unmarshal(req.Data, &data); err != nil || data == nil {
			writeRecord(w, lease.Record{}, syncerr.Invalid("data", "must be a JSON object"))
			return
		}
		rec, err := leases.Save(r.Context(), resourceID, data, id, req.ExpectedVersion)
		writeRecord(w, rec, err)
	}
}

func writeRecord(w http.ResponseWriter, rec lease.Record, err error) {
	if err != nil {
		writeJSON(w, statusOf(err), types.RecordResponse{Conflict: conflictOf(err), Error: err.Error()})
		return
	}
	v, err := recordView(rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.RecordResponse{Success: true, Record: &v})
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// send delivers msg to a lobby unless it has shut down or the caller left.
func send(r *http.Request, lb *lobby.Lobby, msg lobby.Msg) error {
	select {
	case lb.Inbox() <- msg:
		return nil
	case <-lb.Done():
		return &syncerr.TransientError{Err: errors.New("board closed")}
	case <-r.Context().Done():
		return r.Context().Err()
	}
}

func leaseView(l lease.Lease) types.LeaseView {
	return types.LeaseView{
		ResourceID:      l.ResourceID,
		HolderSessionID: l.HolderSessionID,
		HolderUserID:    l.HolderUserID,
		AcquiredAt:      l.AcquiredAt.UnixMilli(),
		ExpiresAt:       l.ExpiresAt.UnixMilli(),
		TTLSeconds:      int(l.TTL / time.Second),
	}
}

func leaseViews(ls []lease.Lease) []types.LeaseView {
	out := make([]types.LeaseView, 0, len(ls))
	for _, l := range ls {
		out = append(out, leaseView(l))
	}
	return out
}

func recordView(rec lease.Record) (types.RecordView, error) {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return types.RecordView{}, err
	}
	v := types.RecordView{
		ResourceID: rec.ResourceID,
		Data:       data,
		Version:    rec.Version,
		UpdatedBy:  rec.UpdatedBy,
	}
	if !rec.UpdatedAt.IsZero() {
		v.UpdatedAt = rec.UpdatedAt.UnixMilli()
	}
	return v, nil
}
