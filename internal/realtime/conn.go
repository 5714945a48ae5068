package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sync/internal/types"
)

const (
	DefaultReconnectDelay       = time.Second
	DefaultMaxReconnectAttempts = 5
	dialTimeout                 = 5 * time.Second
	readLimit                   = 1 << 20
)

var ErrNoWelcome = errors.New("realtime: server did not send a welcome frame")

type Config struct {
	// BaseURL is the server's http(s) root; the socket lives at /ws.
	BaseURL string
	Board   string
	Token   string
	Bridge  *Bridge

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HTTPClient           *http.Client

	// OnConnect runs after every successful (re)connect with the transport
	// connection id and the server's version at that moment.
	OnConnect    func(connID string, serverVersion int64)
	OnDisconnect func(err error)
	OnError      func(err error, attempts int)
	// OnPollingFallback runs once after MaxReconnectAttempts consecutive
	// failures. The Conn is finished after that.
	OnPollingFallback func()

	Log *zap.Logger
}

type Conn struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	ws       *websocket.Conn
	connID   string
	attempts int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Connect dials the board channel and starts reading deltas into
// cfg.Bridge. Only the first dial is reported as an error; later drops are
// retried in the background and surfaced through the hooks.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.Bridge == nil {
		return nil, errors.New("realtime: bridge is required")
	}
	if cfg.Board == "" {
		return nil, errors.New("realtime: board is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}

	c := &Conn{
		cfg:  cfg,
		log:  cfg.Log.Named("realtime").With(zap.String("board", cfg.Board)),
		done: make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := c.dial(ctx); err != nil {
		c.cancel()
		return nil, err
	}
	go c.run()
	return c, nil
}

func (c *Conn) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("realtime: base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("board", c.cfg.Board)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dial opens the socket and consumes the welcome frame.
func (c *Conn) dial(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	hdr := http.Header{}
	if c.cfg.Token != "" {
		hdr.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dctx, endpoint, &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
		HTTPHeader: hdr,
	})
	if err != nil {
		return err
	}
	ws.SetReadLimit(readLimit)

	_, raw, err := ws.Read(dctx)
	if err != nil {
		ws.CloseNow()
		return err
	}
	var msg types.ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != types.MsgWelcome || msg.ConnectionID == "" {
		ws.Close(websocket.StatusProtocolError, "expected welcome")
		return ErrNoWelcome
	}

	c.mu.Lock()
	c.ws = ws
	c.connID = msg.ConnectionID
	c.attempts = 0
	c.mu.Unlock()

	c.log.Info("connected", zap.String("conn", msg.ConnectionID), zap.Int64("version", msg.Version))
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect(msg.ConnectionID, msg.Version)
	}
	return nil
}

func (c *Conn) run() {
	defer close(c.done)
	for {
		err := c.read()
		c.mu.Lock()
		c.ws = nil
		c.connID = ""
		c.mu.Unlock()

		if c.ctx.Err() != nil {
			if c.cfg.OnDisconnect != nil {
				c.cfg.OnDisconnect(nil)
			}
			return
		}
		c.log.Warn("disconnected", zap.Error(err))
		if c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect(err)
		}
		if !c.reconnect() {
			return
		}
	}
}

func (c *Conn) read() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	defer ws.CloseNow()

	for {
		_, raw, err := ws.Read(c.ctx)
		if err != nil {
			return err
		}
		var msg types.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Debug("undecodable frame", zap.Error(err))
			continue
		}
		switch msg.Type {
		case types.MsgDelta:
			if msg.Delta == nil {
				continue
			}
			outcome := c.cfg.Bridge.Handle(*msg.Delta)
			c.log.Debug("delta", zap.Int64("version", msg.Delta.Version), zap.Stringer("outcome", outcome))
		case types.MsgError:
			c.log.Warn("server error frame", zap.String("error", msg.Error))
		}
	}
}

// reconnect retries until a dial succeeds, the Conn is closed, or the
// attempt ceiling is hit. It reports whether a connection is live again.
func (c *Conn) reconnect() bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectDelay
	b.MaxInterval = 10 * c.cfg.ReconnectDelay
	b.MaxElapsedTime = 0

	for {
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		err := c.dial(c.ctx)
		if err == nil {
			return true
		}
		if c.ctx.Err() != nil {
			return false
		}

		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()

		c.log.Warn("reconnect failed", zap.Int("attempt", attempts), zap.Error(err))
		if c.cfg.OnError != nil {
			c.cfg.OnError(err, attempts)
		}
		if attempts >= c.cfg.MaxReconnectAttempts {
			c.log.Error("giving up on realtime, falling back to polling", zap.Int("attempts", attempts))
			if c.cfg.OnPollingFallback != nil {
				c.cfg.OnPollingFallback()
			}
			return false
		}
	}
}

// ConnectionID is the server-assigned id of the live socket, or "" while
// disconnected.
func (c *Conn) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Conn) LastAppliedVersion() int64 {
	return c.cfg.Bridge.LastAppliedVersion()
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() error {
	c.cancel()
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "bye")
	}
	<-c.done
	return nil
}
