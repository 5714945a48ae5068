package savequeue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sync/internal/syncerr"
	"github.com/DoyleJ11/tabletop-sync/pkg/types"
)

const beaconTimeout = 5 * time.Second

// HTTPTransport posts saves as types.SaveRequest bodies and classifies the
// answers into the syncerr taxonomy.
type HTTPTransport struct {
	BaseURL string
	Token   string
	Client  *http.Client
	// BeaconEnabled allows fire-and-forget sends on the unload path.
	BeaconEnabled bool
	Log           *zap.Logger
}

func (t *HTTPTransport) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

func (t *HTTPTransport) Send(ctx context.Context, req Request) (*types.SaveResponse, error) {
	body, err := json.Marshal(types.SaveRequest{
		Key:             req.Key,
		Payload:         req.Payload,
		ExpectedVersion: req.ExpectedVersion,
		ConnectionID:    req.ConnectionID,
	})
	if err != nil {
		return nil, syncerr.Invalid("payload", "%v", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url(req.Endpoint), bytes.NewReader(body))
	if err != nil {
		return nil, syncerr.Invalid("endpoint", "%v", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if t.Token != "" {
		hreq.Header.Set("Authorization", "Bearer "+t.Token)
	}

	resp, err := t.client().Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, syncerr.ErrAborted
		}
		return nil, &syncerr.TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &syncerr.TransientError{Err: err}
	}
	var out types.SaveResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
			return nil, &syncerr.TransientError{Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	if err := classify(resp.StatusCode, &out); err != nil {
		return &out, err
	}
	return &out, nil
}

func classify(status int, out *types.SaveResponse) error {
	msg := out.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusBadRequest, status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnprocessableEntity:
		return &syncerr.ValidationError{Reason: msg}
	case status == http.StatusConflict:
		c := &syncerr.ConflictError{Reason: msg}
		if out.Conflict != nil {
			c.Reason = out.Conflict.Reason
			c.CurrentVersion = out.Conflict.CurrentVersion
			if len(out.Conflict.Current) > 0 {
				c.Current = out.Conflict.Current
			}
			if h := out.Conflict.Holder; h != nil {
				c.Holder = &syncerr.Holder{UserID: h.UserID, SessionID: h.SessionID, ExpiresAt: h.ExpiresAt}
			}
		}
		return c
	case status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", syncerr.ErrForbidden, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", syncerr.ErrNotFound, msg)
	case status == http.StatusUnauthorized:
		// a bad token will not fix itself on retry
		return &syncerr.ValidationError{Field: "token", Reason: msg}
	default:
		// 408, 429, 5xx and anything unexpected
		return &syncerr.TransientError{Err: fmt.Errorf("status %d: %s", status, msg)}
	}
}

// Beacon sends req on a detached goroutine and returns immediately.
func (t *HTTPTransport) Beacon(req Request) error {
	if !t.BeaconEnabled {
		return ErrBeaconUnsupported
	}
	log := t.Log
	if log == nil {
		log = zap.NewNop()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		if _, err := t.Send(ctx, req); err != nil && !errors.Is(err, syncerr.ErrAborted) {
			log.Warn("beacon save failed", zap.String("key", req.Key), zap.Error(err))
		}
	}()
	return nil
}

func (t *HTTPTransport) url(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return strings.TrimRight(t.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}
