package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/tabletop-sync/internal/auth"
	"github.com/DoyleJ11/tabletop-sync/internal/board"
	"github.com/DoyleJ11/tabletop-sync/internal/hub"
	"github.com/DoyleJ11/tabletop-sync/internal/lobby"
	"github.com/DoyleJ11/tabletop-sync/internal/syncerr"
	"github.com/DoyleJ11/tabletop-sync/internal/types"
)

const (
	outboxSize   = 32
	writeTimeout = 3 * time.Second
	pingInterval = 20 * time.Second
)

var errDropped = errors.New("connection dropped by board")

// Handler subscribes one websocket connection to a board's delta fan-out.
// Saves do not travel over the socket; they go through the HTTP save
// endpoint tagged with the connection id announced in the welcome frame.
func Handler(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	log = log.Named("ws")
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		code := r.URL.Query().Get("board")
		if code == "" {
			http.Error(w, "missing board", http.StatusBadRequest)
			return
		}

		lb, err := h.Ensure(r.Context(), code)
		if errors.Is(err, syncerr.ErrNotFound) {
			http.Error(w, "board not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "board unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// In dev ONLY, you can loosen origin checks:
			// OriginPatterns: []string{"http://localhost:*", "http://127.0.0.1:*"},
		})
		if err != nil {
			return
		}
		defer conn.CloseNow()

		connID := uuid.NewString()
		out := make(chan board.Delta, outboxSize)
		ready := make(chan int64, 1)
		select {
		case lb.Inbox() <- lobby.Join{ConnID: connID, UserID: id.UserID, Outbox: out, Reply: ready}:
		case <-lb.Done():
			conn.Close(websocket.StatusTryAgainLater, "board closed")
			return
		}
		defer func() {
			select {
			case lb.Inbox() <- lobby.Leave{ConnID: connID}:
			case <-lb.Done():
			}
		}()

		var version int64
		select {
		case version = <-ready:
		case <-lb.Done():
			conn.Close(websocket.StatusTryAgainLater, "board closed")
			return
		case <-r.Context().Done():
			return
		}

		clog := log.With(zap.String("board", code), zap.String("conn", connID), zap.String("user", id.UserID))
		if err := writeJSON(r.Context(), conn, types.ServerMessage{
			Type: types.MsgWelcome, ConnectionID: connID, Version: version,
		}); err != nil {
			clog.Debug("welcome failed", zap.Error(err))
			return
		}
		clog.Info("subscribed", zap.Int64("version", version))

		g, gctx := errgroup.WithContext(r.Context())

		// Writer
		g.Go(func() error {
			ping := time.NewTicker(pingInterval)
			defer ping.Stop()
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case d, ok := <-out:
					if !ok {
						return errDropped
					}
					if err := writeJSON(gctx, conn, types.ServerMessage{Type: types.MsgDelta, Version: d.Version, Delta: &d}); err != nil {
						return err
					}
				case <-ping.C:
					ctx, cancel := context.WithTimeout(gctx, writeTimeout)
					err := conn.Ping(ctx)
					cancel()
					if err != nil {
						return err
					}
				}
			}
		})

		// Reader: clients have nothing to send, but reading keeps control
		// frames flowing and notices when the peer goes away.
		g.Go(func() error {
			for {
				if _, _, err := conn.Read(gctx); err != nil {
					return err
				}
			}
		})

		err = g.Wait()
		switch {
		case errors.Is(err, errDropped):
			clog.Warn("dropped")
			conn.Close(websocket.StatusTryAgainLater, "too slow")
		case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
			websocket.CloseStatus(err) == websocket.StatusGoingAway:
			clog.Info("closed")
		default:
			clog.Debug("connection ended", zap.Error(err))
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, msg types.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}
