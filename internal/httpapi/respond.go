package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/DoyleJ11/tabletop-sync/internal/auth"
	"github.com/DoyleJ11/tabletop-sync/internal/lease"
	"github.com/DoyleJ11/tabletop-sync/internal/syncerr"
	"github.com/DoyleJ11/tabletop-sync/pkg/types"
)

// statusOf maps the error taxonomy onto HTTP status codes. Every handler
// goes through here.
func statusOf(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case syncerr.IsValidation(err):
		return http.StatusBadRequest
	case syncerr.IsConflict(err), errors.Is(err, syncerr.ErrExists):
		return http.StatusConflict
	case errors.Is(err, syncerr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, syncerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrBadPassphrase):
		return http.StatusUnauthorized
	case syncerr.IsTransient(err), errors.Is(err, syncerr.ErrAborted),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func conflictOf(err error) *types.Conflict {
	var c *syncerr.ConflictError
	if !errors.As(err, &c) {
		return nil
	}
	out := &types.Conflict{Reason: c.Reason, CurrentVersion: c.CurrentVersion}
	if c.Holder != nil {
		out.Holder = &types.LeaseHolder{
			UserID:    c.Holder.UserID,
			SessionID: c.Holder.SessionID,
			ExpiresAt: c.Holder.ExpiresAt,
		}
	}
	var current any = c.Current
	if rec, ok := c.Current.(lease.Record); ok {
		if v, err := recordView(rec); err == nil {
			current = v
		}
	}
	if current != nil {
		if raw, err := json.Marshal(current); err == nil {
			out.Current = raw
		}
	}
	return out
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body. Bodies are already capped by limitBody, so an
// oversized request surfaces here as *http.MaxBytesError.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return syncerr.Invalid("body", "invalid json: %v", err)
	}
	return nil
}

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
