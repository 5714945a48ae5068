// Package client ties the client-side pieces together for one board: the
// canonical store, the save queue and the realtime connection.
//
// Local edits go through Mutate, which applies them to the store at once and
// accumulates the changed fragments into a single pending delta saved under
// the "board-state" key. Remote deltas arrive through the realtime bridge.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sync/internal/board"
	"github.com/DoyleJ11/tabletop-sync/internal/engine"
	"github.com/DoyleJ11/tabletop-sync/internal/realtime"
	"github.com/DoyleJ11/tabletop-sync/internal/savequeue"
	"github.com/DoyleJ11/tabletop-sync/internal/store"
	"github.com/DoyleJ11/tabletop-sync/internal/syncerr"
	"github.com/DoyleJ11/tabletop-sync/pkg/types"
)

const BoardStateKey = "board-state"

type Config struct {
	BaseURL string
	Board   string
	Token   string
	// UserID identifies our own deltas when they come back over the socket.
	UserID     string
	HTTPClient *http.Client

	Debounce      time.Duration
	RetryLimit    int
	BeaconEnabled bool

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	// PollInterval drives bootstrap polling once realtime gives up. Zero
	// disables polling.
	PollInterval time.Duration

	// OnSaveError reports saves that failed for good.
	OnSaveError func(err error)

	Log *zap.Logger
}

type Session struct {
	cfg      Config
	log      *zap.Logger
	http     *http.Client
	store    *store.Store
	vis      *savequeue.VisibilityTracker
	queue    *savequeue.Queue
	bridge   *realtime.Bridge
	conn     *realtime.Conn
	endpoint string

	mu        sync.Mutex
	pending   board.Delta
	gen       uint64 // bumped on every local edit
	queuedGen uint64 // gen of the last payload handed to the queue
	leases    []types.LeaseView

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open bootstraps the board, then subscribes to its delta stream.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Board == "" {
		return nil, syncerr.Invalid("board", "must not be empty")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	s := &Session{
		cfg:      cfg,
		log:      cfg.Log.Named("session").With(zap.String("board", cfg.Board)),
		http:     cfg.HTTPClient,
		store:    store.New(cfg.Log),
		vis:      savequeue.NewVisibilityTracker(),
		endpoint: "/boards/" + url.PathEscape(cfg.Board) + "/save",
	}
	if s.http == nil {
		s.http = http.DefaultClient
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	boot, err := s.fetchBootstrap(ctx)
	if err != nil {
		s.cancel()
		return nil, err
	}
	if err := s.store.Initialize(boot.Document); err != nil {
		s.cancel()
		return nil, fmt.Errorf("bootstrap document: %w", err)
	}
	s.store.Reconcile(boot.Version, nil)
	s.setLeases(boot.Leases)

	s.bridge = realtime.NewBridge(s.store, func() string { return cfg.UserID }, s.store.Version(), cfg.Log)
	s.queue = savequeue.New(savequeue.Config{
		Transport: &savequeue.HTTPTransport{
			BaseURL:       cfg.BaseURL,
			Token:         cfg.Token,
			Client:        s.http,
			BeaconEnabled: cfg.BeaconEnabled,
			Log:           cfg.Log,
		},
		Visibility: s.vis,
		Debounce:   cfg.Debounce,
		RetryLimit: cfg.RetryLimit,
		OnRequeued: s.onRequeued,
		Log:        cfg.Log,
	})

	s.conn, err = realtime.Connect(ctx, realtime.Config{
		BaseURL:              cfg.BaseURL,
		Board:                cfg.Board,
		Token:                cfg.Token,
		Bridge:               s.bridge,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HTTPClient:           s.http,
		OnConnect:            s.onConnect,
		OnPollingFallback:    s.onPollingFallback,
		Log:                  cfg.Log,
	})
	if err != nil {
		s.queue.Close()
		s.cancel()
		return nil, fmt.Errorf("realtime connect: %w", err)
	}
	s.log.Info("session open", zap.Int64("version", s.store.Version()))
	return s, nil
}

func (s *Session) State() board.BoardDocument { return s.store.State() }

func (s *Session) Version() int64 { return s.store.Version() }

// Subscribe forwards the store's coalescing change signal.
func (s *Session) Subscribe() (<-chan struct{}, func()) { return s.store.Subscribe() }

func (s *Session) ConnectionID() string { return s.conn.ConnectionID() }

func (s *Session) Realtime() *realtime.Conn { return s.conn }

// Leases is the lease snapshot from the last bootstrap.
func (s *Session) Leases() []types.LeaseView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.LeaseView(nil), s.leases...)
}

func (s *Session) setLeases(ls []types.LeaseView) {
	s.mu.Lock()
	s.leases = ls
	s.mu.Unlock()
}

// Pending reports whether local edits are waiting to be saved.
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.pending.Empty()
}

// SetHidden tells the save queue whether the client is in the background.
func (s *Session) SetHidden(hidden bool) { s.vis.SetHidden(hidden) }

// Mutate applies fn to the store and queues the accumulated pending delta.
// fn may run more than once if a remote delta lands while it runs. The
// returned channel yields the save's result once.
func (s *Session) Mutate(fn func(*board.BoardDocument) error) <-chan savequeue.Result {
	var d board.Delta
	_, err := s.store.Update(func(doc *board.BoardDocument) error {
		before := doc.Clone()
		if err := fn(doc); err != nil {
			return err
		}
		board.Normalize(doc)
		d = board.Diff(before, *doc)
		return nil
	})
	if err != nil {
		return resolved(savequeue.Result{Err: err})
	}
	if d.Empty() {
		return resolved(savequeue.Result{Success: true})
	}

	s.mu.Lock()
	s.pending = board.Compose(s.pending, d)
	s.gen++
	s.mu.Unlock()
	return s.flush(savequeue.Options{})
}

// Combat runs one turn-engine command against a scene and saves the result.
func (s *Session) Combat(sceneID string, cmd engine.Command) ([]engine.Event, <-chan savequeue.Result) {
	var events []engine.Event
	res := s.Mutate(func(doc *board.BoardDocument) error {
		var err error
		events, err = engine.ApplyToScene(doc, sceneID, cmd, time.Now())
		return err
	})
	return events, res
}

// Flush sends whatever is pending without waiting for the debounce.
func (s *Session) Flush(keepalive bool) <-chan savequeue.Result {
	return s.flush(savequeue.Options{Immediate: true, Keepalive: keepalive})
}

func (s *Session) flush(opts savequeue.Options) <-chan savequeue.Result {
	s.mu.Lock()
	if s.pending.Empty() {
		s.mu.Unlock()
		return resolved(savequeue.Result{Success: true})
	}
	payload, err := json.Marshal(s.pending)
	gen := s.gen
	s.queuedGen = gen
	s.mu.Unlock()
	if err != nil {
		return resolved(savequeue.Result{Err: syncerr.Invalid("payload", "%v", err)})
	}

	opts.ConnectionID = s.conn.ConnectionID()
	res := s.queue.QueueSave(BoardStateKey, payload, s.endpoint, opts)
	out := make(chan savequeue.Result, 1)
	go func() {
		r := <-res
		s.settle(gen, r)
		out <- r
		close(out)
	}()
	return out
}

// settle folds a save result back into the session. gen is the edit
// generation the saved payload was built from.
func (s *Session) settle(gen uint64, r savequeue.Result) {
	switch {
	case r.Aborted:
		// a newer payload with the same edits is on its way
		return
	case r.Success:
		s.mu.Lock()
		current := s.gen == gen
		if current {
			s.pending = board.Delta{}
		}
		s.mu.Unlock()
		if r.Response == nil {
			return
		}
		var canonical *board.Delta
		if current && len(r.Response.Data) > 0 {
			var d board.Delta
			if err := json.Unmarshal(r.Response.Data, &d); err == nil {
				canonical = &d
			}
		}
		// with newer local edits in flight the canonical shape may be stale
		s.store.Reconcile(r.Response.Version, canonical)
	case syncerr.Permanent(r.Err):
		s.mu.Lock()
		if s.gen == gen {
			s.pending = board.Delta{}
		}
		s.mu.Unlock()
		s.log.Warn("save rejected, resyncing", zap.Error(r.Err))
		s.reportSaveError(r.Err)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Resync(s.ctx); err != nil {
				s.log.Warn("resync failed", zap.Error(err))
			}
		}()
	case s.vis.Hidden():
		// the queue resends this payload itself once visible
		s.log.Info("save deferred while hidden", zap.Error(r.Err))
	default:
		// pending is kept and goes out with the next edit or flush
		s.log.Warn("save failed", zap.Error(r.Err))
		s.reportSaveError(r.Err)
	}
}

func (s *Session) reportSaveError(err error) {
	if s.cfg.OnSaveError != nil {
		s.cfg.OnSaveError(err)
	}
}

func (s *Session) onRequeued(_ string, r savequeue.Result) {
	s.mu.Lock()
	gen := s.queuedGen
	s.mu.Unlock()
	s.settle(gen, r)
}

// onConnect resyncs when the server is ahead of us, which means deltas were
// missed while the socket was down.
func (s *Session) onConnect(connID string, serverVersion int64) {
	if serverVersion <= s.bridge.LastAppliedVersion() {
		return
	}
	s.log.Info("missed deltas, resyncing", zap.String("conn", connID), zap.Int64("server", serverVersion))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Resync(s.ctx); err != nil {
			s.log.Warn("resync failed", zap.Error(err))
		}
	}()
}

func (s *Session) onPollingFallback() {
	if s.cfg.PollInterval <= 0 {
		s.log.Warn("realtime gave up and polling is disabled")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.cfg.PollInterval)
		defer t.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-t.C:
				if err := s.Resync(s.ctx); err != nil {
					s.log.Debug("poll failed", zap.Error(err))
				}
			}
		}
	}()
}

// Resync reloads the board from the bootstrap endpoint. Local edits not yet
// saved are laid back on top of the fresh document.
func (s *Session) Resync(ctx context.Context) error {
	boot, err := s.fetchBootstrap(ctx)
	if err != nil {
		return err
	}
	doc, err := board.Decode(boot.Document)
	if err != nil {
		return fmt.Errorf("bootstrap document: %w", err)
	}
	doc.Version = boot.Version
	s.setLeases(boot.Leases)

	s.bridge.Rebase(boot.Version, func() {
		s.mu.Lock()
		pending := s.pending
		s.mu.Unlock()
		if !pending.Empty() {
			doc = board.Merge(doc, pending)
		}
		s.store.InitializeDocument(doc)
	})
	return nil
}

// Close flushes pending edits on the keepalive path, then stops the queue
// and the socket.
func (s *Session) Close(ctx context.Context) error {
	var err error
	select {
	case r := <-s.Flush(true):
		if r.Err != nil && !r.Aborted {
			err = r.Err
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.queue.Close()
	_ = s.conn.Close()
	s.cancel()
	s.wg.Wait()
	return err
}

func (s *Session) fetchBootstrap(ctx context.Context) (*types.BootstrapResponse, error) {
	u := strings.TrimRight(s.cfg.BaseURL, "/") + "/boards/" + url.PathEscape(s.cfg.Board) + "/bootstrap"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, &syncerr.TransientError{Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &syncerr.TransientError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("board %s: %w", s.cfg.Board, syncerr.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("bootstrap: %w", syncerr.ErrForbidden)
	case resp.StatusCode >= 500:
		return nil, &syncerr.TransientError{Err: fmt.Errorf("bootstrap: status %d", resp.StatusCode)}
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("bootstrap: unexpected status %d", resp.StatusCode)
	}

	var boot types.BootstrapResponse
	if err := json.Unmarshal(raw, &boot); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	if len(boot.Document) == 0 {
		return nil, errors.New("bootstrap: empty document")
	}
	return &boot, nil
}

func resolved(r savequeue.Result) <-chan savequeue.Result {
	ch := make(chan savequeue.Result, 1)
	ch <- r
	close(ch)
	return ch
}
