package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sync/internal/board"
	"github.com/DoyleJ11/tabletop-sync/internal/lobby"
	"github.com/DoyleJ11/tabletop-sync/internal/syncerr"
)

const (
	codeLength    = 6
	createRetries = 5
	loadTimeout   = 5 * time.Second
)

// Repository loads and creates persisted boards.
type Repository interface {
	Create(ctx context.Context, code string, doc board.BoardDocument) error
	Load(ctx context.Context, code string) (board.BoardDocument, error)
	Save(ctx context.Context, code string, doc board.BoardDocument) error
}

type HubMsg interface{ isHubMsg() }

type CreateLobby struct {
	Doc   board.BoardDocument
	Reply chan Result
}

type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

// EnsureLobby returns the running lobby for Code, loading the board from
// the repository on first use.
type EnsureLobby struct {
	Code  string
	Reply chan Result
}

type RemoveLobby struct {
	Code string
}

type Result struct {
	Lobby *lobby.Lobby
	Err   error
}

type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*lobby.Lobby
	repo    Repository
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

type ShutdownHub struct{}

func (CreateLobby) isHubMsg() {}
func (GetLobby) isHubMsg()    {}
func (EnsureLobby) isHubMsg() {}
func (RemoveLobby) isHubMsg() {}
func (ShutdownHub) isHubMsg() {}

func NewHub(parent context.Context, repo Repository, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[string]*lobby.Lobby),
		repo:    repo,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateLobby:
				lb, err := h.create(msg.Doc)
				msg.Reply <- Result{Lobby: lb, Err: err}

			case GetLobby:
				msg.Reply <- h.live(msg.Code) // May be nil

			case EnsureLobby:
				if lb := h.live(msg.Code); lb != nil {
					msg.Reply <- Result{Lobby: lb}
					break
				}
				ctx, cancel := context.WithTimeout(h.ctx, loadTimeout)
				doc, err := h.repo.Load(ctx, msg.Code)
				cancel()
				if err != nil {
					msg.Reply <- Result{Err: err}
					break
				}
				msg.Reply <- Result{Lobby: h.start(msg.Code, doc)}

			case RemoveLobby:
				if lb := h.lobbies[msg.Code]; lb != nil {
					stop(lb)
					delete(h.lobbies, msg.Code)
				}

			case ShutdownHub:
				h.shutdown()
				h.cancel()
				return
			}
		}
	}
}

func (h *Hub) create(doc board.BoardDocument) (*lobby.Lobby, error) {
	for i := 0; i < createRetries; i++ {
		code := newCode()
		ctx, cancel := context.WithTimeout(h.ctx, loadTimeout)
		err := h.repo.Create(ctx, code, doc)
		cancel()
		if err == nil {
			h.log.Info("board created", zap.String("board", code))
			return h.start(code, doc), nil
		}
		if !errors.Is(err, syncerr.ErrExists) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no free board code after %d attempts", createRetries)
}

// live drops lobbies that shut themselves down.
func (h *Hub) live(code string) *lobby.Lobby {
	lb := h.lobbies[code]
	if lb == nil {
		return nil
	}
	select {
	case <-lb.Done():
		delete(h.lobbies, code)
		return nil
	default:
		return lb
	}
}

func (h *Hub) start(code string, doc board.BoardDocument) *lobby.Lobby {
	lb := lobby.NewLobby(h.ctx, code, doc, h.repo, h.log)
	h.lobbies[code] = lb
	return lb
}

func (h *Hub) shutdown() {
	for _, lb := range h.lobbies {
		stop(lb)
	}
	clear(h.lobbies)
}

func stop(lb *lobby.Lobby) {
	select {
	case lb.Inbox() <- lobby.Shutdown{}:
	case <-lb.Done():
	}
}

func newCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:codeLength])
}

// Ensure is the blocking form of EnsureLobby.
func (h *Hub) Ensure(ctx context.Context, code string) (*lobby.Lobby, error) {
	reply := make(chan Result, 1)
	return h.call(ctx, EnsureLobby{Code: code, Reply: reply}, reply)
}

// Create is the blocking form of CreateLobby.
func (h *Hub) Create(ctx context.Context, doc board.BoardDocument) (*lobby.Lobby, error) {
	reply := make(chan Result, 1)
	return h.call(ctx, CreateLobby{Doc: doc, Reply: reply}, reply)
}

func (h *Hub) call(ctx context.Context, msg HubMsg, reply <-chan Result) (*lobby.Lobby, error) {
	if h.ctx.Err() != nil {
		return nil, syncerr.ErrAborted
	}
	select {
	case h.inbox <- msg:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ctx.Done():
		return nil, syncerr.ErrAborted
	}
	select {
	case res := <-reply:
		return res.Lobby, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ctx.Done():
		return nil, syncerr.ErrAborted
	}
}

func (h *Hub) Shutdown() {
	select {
	case h.inbox <- ShutdownHub{}:
	case <-h.ctx.Done():
	}
}
