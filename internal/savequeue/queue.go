// Package savequeue coalesces, debounces and retries the client's saves.
//
// Each persistence key has one lane goroutine. A newer call for a key
// supersedes the older one: a pending call resolves as aborted, an in-flight
// call has its request cancelled, and only then is the newer call sent.
package savequeue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sync/internal/syncerr"
	"github.com/DoyleJ11/tabletop-sync/pkg/types"
)

const (
	DefaultDebounce       = 150 * time.Millisecond
	DefaultRetryLimit     = 4
	DefaultInitialBackoff = 250 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	keepaliveTimeout      = 10 * time.Second
)

var ErrBeaconUnsupported = errors.New("beacon unsupported")

// Request is one save as handed to a Transport.
type Request struct {
	Key             string
	Endpoint        string
	Payload         json.RawMessage
	ExpectedVersion *int64
	ConnectionID    string
	Keepalive       bool
}

type Transport interface {
	Send(ctx context.Context, req Request) (*types.SaveResponse, error)
	// Beacon hands req off for delivery that survives the caller going away.
	// It returns ErrBeaconUnsupported when no such path exists.
	Beacon(req Request) error
}

type Options struct {
	Immediate       bool
	Keepalive       bool
	ExpectedVersion *int64
	ConnectionID    string
}

// Result is delivered exactly once per QueueSave call. Aborted results are
// expected outcomes of coalescing, not failures.
type Result struct {
	Success  bool
	Aborted  bool
	Response *types.SaveResponse
	Err      error
}

type Config struct {
	Transport      Transport
	Visibility     Visibility
	Debounce       time.Duration
	RetryLimit     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnRequeued receives the results of saves re-sent after the page
	// became visible again.
	OnRequeued func(key string, res Result)
	Log        *zap.Logger
}

type call struct {
	key      string
	endpoint string
	payload  json.RawMessage
	opts     Options
	ctx      context.Context
	cancel   context.CancelFunc
	result   chan Result
	once     sync.Once
}

func (c *call) resolve(r Result) {
	c.once.Do(func() {
		c.result <- r
		close(c.result)
	})
}

func (c *call) abort() {
	c.cancel()
	c.resolve(Result{Aborted: true, Err: syncerr.ErrAborted})
}

type lane struct {
	wake     chan struct{}
	pending  *call
	inflight *call
}

type Queue struct {
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	dirty  map[string]*call
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Queue {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	} else if cfg.RetryLimit == 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Visibility == nil {
		cfg.Visibility = NewVisibilityTracker()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:    cfg,
		log:    cfg.Log.Named("savequeue"),
		lanes:  make(map[string]*lane),
		dirty:  make(map[string]*call),
		ctx:    ctx,
		cancel: cancel,
	}
	changes, unsubscribe := cfg.Visibility.Subscribe()
	q.wg.Add(1)
	go q.watchVisibility(changes, unsubscribe)
	return q
}

// QueueSave schedules payload for key. The returned channel yields exactly
// one Result and is then closed.
func (q *Queue) QueueSave(key string, payload json.RawMessage, endpoint string, opts Options) <-chan Result {
	ctx, cancel := context.WithCancel(q.ctx)
	c := &call{
		key:      key,
		endpoint: endpoint,
		payload:  payload,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		result:   make(chan Result, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		c.abort()
		return c.result
	}
	l := q.laneFor(key)
	if l.pending != nil {
		q.log.Debug("superseded pending save", zap.String("key", key))
		l.pending.abort()
	}
	if l.inflight != nil && !l.inflight.opts.Keepalive {
		q.log.Debug("cancelling in-flight save", zap.String("key", key))
		l.inflight.abort()
	}
	l.pending = c
	delete(q.dirty, key)
	q.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return c.result
}

// laneFor must be called with q.mu held.
func (q *Queue) laneFor(key string) *lane {
	if l, ok := q.lanes[key]; ok {
		return l
	}
	l := &lane{wake: make(chan struct{}, 1)}
	q.lanes[key] = l
	q.wg.Add(1)
	go q.run(l)
	return l
}

func (q *Queue) run(l *lane) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-l.wake:
		}

		for {
			q.mu.Lock()
			c := l.pending
			q.mu.Unlock()
			if c == nil {
				break
			}

			if !c.opts.Immediate {
				timer := time.NewTimer(q.cfg.Debounce)
				select {
				case <-timer.C:
				case <-c.ctx.Done():
					// superseded or closed; the loop picks up whatever is pending now
					timer.Stop()
					continue
				}
			}

			q.mu.Lock()
			if l.pending != c {
				q.mu.Unlock()
				continue
			}
			l.pending, l.inflight = nil, c
			q.mu.Unlock()

			q.dispatch(c)

			q.mu.Lock()
			if l.inflight == c {
				l.inflight = nil
			}
			q.mu.Unlock()
		}
	}
}

func (q *Queue) dispatch(c *call) {
	req := Request{
		Key:             c.key,
		Endpoint:        c.endpoint,
		Payload:         c.payload,
		ExpectedVersion: c.opts.ExpectedVersion,
		ConnectionID:    c.opts.ConnectionID,
	}
	log := q.log.With(zap.String("key", c.key))

	if c.opts.Immediate && c.opts.Keepalive {
		err := q.cfg.Transport.Beacon(req)
		if err == nil {
			log.Debug("handed off to beacon")
			c.resolve(Result{Success: true})
			return
		}
		if q.cfg.Visibility.Hidden() {
			// the page is going away; a normal request would not finish
			log.Info("beacon unavailable while hidden, save dropped", zap.Error(err))
			c.resolve(Result{Aborted: true, Err: err})
			return
		}
		req.Keepalive = true
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), keepaliveTimeout)
		resp, err := q.cfg.Transport.Send(ctx, req)
		cancel()
		q.settle(c, resp, err)
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.InitialBackoff
	b.MaxInterval = q.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	var resp *types.SaveResponse
	var lastErr error
	attempt := 0
	op := func() error {
		attempt++
		// the page may have been hidden while we slept between attempts
		if attempt > 1 && q.cfg.Visibility.Hidden() {
			return backoff.Permanent(&hiddenError{err: lastErr})
		}
		r, err := q.cfg.Transport.Send(c.ctx, req)
		switch {
		case err == nil:
			resp = r
			return nil
		case c.ctx.Err() != nil:
			return backoff.Permanent(syncerr.ErrAborted)
		case syncerr.Permanent(err):
			return backoff.Permanent(err)
		case q.cfg.Visibility.Hidden():
			return backoff.Permanent(&hiddenError{err: err})
		}
		lastErr = err
		log.Warn("save failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(q.cfg.RetryLimit)), c.ctx))

	var hidden *hiddenError
	if errors.As(err, &hidden) {
		q.mu.Lock()
		if !q.closed {
			q.dirty[c.key] = c
		}
		q.mu.Unlock()
		log.Info("save failed while hidden, kept for later", zap.Error(hidden.err))
		c.resolve(Result{Err: hidden.err})
		return
	}
	q.settle(c, resp, err)
}

func (q *Queue) settle(c *call, resp *types.SaveResponse, err error) {
	switch {
	case err == nil:
		c.resolve(Result{Success: true, Response: resp})
	case errors.Is(err, syncerr.ErrAborted), c.ctx.Err() != nil && !c.opts.Keepalive:
		c.resolve(Result{Aborted: true, Err: syncerr.ErrAborted})
	default:
		q.log.Warn("save failed", zap.String("key", c.key), zap.Error(err))
		c.resolve(Result{Response: resp, Err: err})
	}
}

// watchVisibility re-queues saves that failed while hidden as soon as the
// page is visible again.
func (q *Queue) watchVisibility(changes <-chan bool, unsubscribe func()) {
	defer q.wg.Done()
	defer unsubscribe()
	for {
		select {
		case <-q.ctx.Done():
			return
		case hidden := <-changes:
			if hidden {
				continue
			}
			q.mu.Lock()
			dirty := q.dirty
			q.dirty = make(map[string]*call)
			q.mu.Unlock()
			for key, c := range dirty {
				q.log.Info("re-sending save after visibility regained", zap.String("key", key))
				res := q.QueueSave(key, c.payload, c.endpoint, Options{
					Immediate:       true,
					ExpectedVersion: c.opts.ExpectedVersion,
					ConnectionID:    c.opts.ConnectionID,
				})
				if q.cfg.OnRequeued != nil {
					go func(key string) { q.cfg.OnRequeued(key, <-res) }(key)
				}
			}
		}
	}
}

// Dirty lists keys whose last save failed while hidden and awaits resend.
func (q *Queue) Dirty() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.dirty))
	for k := range q.dirty {
		keys = append(keys, k)
	}
	return keys
}

// Close aborts every pending and in-flight save and stops all lanes. A
// keepalive send already on the wire is allowed to finish first.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, l := range q.lanes {
		if l.pending != nil {
			l.pending.abort()
			l.pending = nil
		}
		if l.inflight != nil && !l.inflight.opts.Keepalive {
			l.inflight.abort()
		}
	}
	q.dirty = make(map[string]*call)
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

type hiddenError struct{ err error }

func (e *hiddenError) Error() string { return "failed while hidden: " + e.err.Error() }
func (e *hiddenError) Unwrap() error { return e.err }
