package lobby

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sync/internal/board"
	"github.com/DoyleJ11/tabletop-sync/internal/syncerr"
)

const persistTimeout = 5 * time.Second

// Persister durably stores the canonical document after every accepted write.
type Persister interface {
	Save(ctx context.Context, code string, doc board.BoardDocument) error
}

type Msg interface{ isLobbyMsg() }

type Join struct {
	ConnID string
	UserID string
	Outbox chan board.Delta // where this connection receives deltas
	Reply  chan int64       // optional; receives the version at join time
}

func (Join) isLobbyMsg() {}

type Leave struct{ ConnID string }

func (Leave) isLobbyMsg() {}

// Save is one client write. ConnID is excluded from the resulting broadcast.
type Save struct {
	ConnID          string
	UserID          string
	Role            board.Role
	Delta           board.Delta
	ExpectedVersion *int64
	Reply           chan SaveResult
}

func (Save) isLobbyMsg() {}

type SaveResult struct {
	Version   int64
	Changed   bool
	Canonical board.Delta // post-write value of every fragment the save touched
	Err       error
}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type View struct {
	Version    int64
	NumClients int
	Document   board.BoardDocument
}

type client struct {
	userID string
	outbox chan board.Delta
}

// Lobby owns one board's canonical document. All reads and writes go
// through its inbox, so saves are applied strictly one at a time.
type Lobby struct {
	code    string
	inbox   chan Msg
	doc     board.BoardDocument
	clients map[string]client
	store   Persister
	now     func() time.Time
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewLobby(parent context.Context, code string, initial board.BoardDocument, store Persister, log *zap.Logger) *Lobby {
	ctx, cancel := context.WithCancel(parent)

	l := &Lobby{
		code:    code,
		inbox:   make(chan Msg, 64), // Small buffer
		doc:     initial.Clone(),
		clients: make(map[string]client),
		store:   store,
		now:     time.Now,
		log:     log.Named("lobby").With(zap.String("board", code)),
		ctx:     ctx,
		cancel:  cancel,
	}

	go l.loop()
	return l
}

func (l *Lobby) loop() {
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				l.clients[msg.ConnID] = client{userID: msg.UserID, outbox: msg.Outbox}
				if msg.Reply != nil {
					msg.Reply <- l.doc.Version
				}
				l.log.Debug("joined", zap.String("conn", msg.ConnID), zap.Int("clients", len(l.clients)))

			case Leave:
				if c, ok := l.clients[msg.ConnID]; ok {
					close(c.outbox)
					delete(l.clients, msg.ConnID)
				}

			case Save:
				msg.Reply <- l.save(msg)

			case GetState:
				msg.Reply <- View{
					Version:    l.doc.Version,
					NumClients: len(l.clients),
					Document:   l.doc.Clone(),
				}

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

func (l *Lobby) save(msg Save) SaveResult {
	d := msg.Delta
	fields := d.Fields()
	if len(fields) == 0 {
		return SaveResult{Version: l.doc.Version}
	}

	if msg.ExpectedVersion != nil && *msg.ExpectedVersion != l.doc.Version {
		return SaveResult{Version: l.doc.Version, Err: &syncerr.ConflictError{
			Reason:         "version mismatch",
			CurrentVersion: l.doc.Version,
			Current:        board.Fragments(l.doc, fields),
		}}
	}
	if msg.Role != board.RoleGM {
		if field, ok := gmOnly(l.doc, d); ok {
			l.log.Info("player write to gm field refused", zap.String("user", msg.UserID), zap.String("field", field))
			return SaveResult{Version: l.doc.Version, Err: syncerr.ErrForbidden}
		}
	}
	if err := board.Sanitize(&d); err != nil {
		return SaveResult{Version: l.doc.Version, Err: err}
	}

	merged := board.Merge(l.doc, d)
	merged.Version = l.doc.Version
	changes := board.Diff(l.doc, merged)
	if changes.Empty() {
		return SaveResult{Version: l.doc.Version, Canonical: board.Fragments(l.doc, fields)}
	}

	merged.Version = l.doc.Version + 1
	ctx, cancel := context.WithTimeout(l.ctx, persistTimeout)
	err := l.store.Save(ctx, l.code, merged)
	cancel()
	if err != nil {
		l.log.Error("persist failed", zap.Error(err), zap.Int64("version", merged.Version))
		return SaveResult{Version: l.doc.Version, Err: &syncerr.TransientError{Err: err}}
	}
	l.doc = merged

	changes.Version = merged.Version
	changes.Timestamp = l.now().UnixMilli()
	changes.AuthorID = msg.UserID
	changes.AuthorRole = msg.Role
	l.broadcast(changes, msg.ConnID)

	l.log.Debug("saved", zap.String("user", msg.UserID),
		zap.Int64("version", merged.Version), zap.Strings("fields", changes.ChangedFields))
	return SaveResult{
		Version:   merged.Version,
		Changed:   true,
		Canonical: board.Fragments(l.doc, fields),
	}
}

// gmOnly names the first fragment of d that only a GM may write: the active
// scene, the map, and every scene's grid and fog of war. Scenes themselves
// are structural, so removing one or touching a scene doc does not have yet
// is refused too.
func gmOnly(doc board.BoardDocument, d board.Delta) (string, bool) {
	if d.ActiveSceneID != nil {
		return board.FieldActiveSceneID, true
	}
	if d.MapURL != nil {
		return board.FieldMapURL, true
	}
	for _, sid := range d.SceneState.Keys() {
		sd := d.SceneState[sid]
		_, exists := doc.SceneState[sid]
		switch {
		case sd == nil || !exists:
			return board.FieldSceneState + "." + sid, true
		case sd.Grid != nil:
			return board.FieldSceneState + "." + sid + ".grid", true
		case sd.FogOfWar != nil:
			return board.FieldSceneState + "." + sid + ".fogOfWar", true
		}
	}
	for _, sid := range d.Templates.Keys() {
		if _, ok := doc.SceneState[sid]; !ok {
			return board.FieldTemplates + "." + sid, true
		}
	}
	for _, sid := range d.Drawings.Keys() {
		if _, ok := doc.SceneState[sid]; !ok {
			return board.FieldDrawings + "." + sid, true
		}
	}
	return "", false
}

func (l *Lobby) shutdown() {
	for id, c := range l.clients {
		close(c.outbox) // Tell client no more deltas
		delete(l.clients, id)
	}
	l.cancel()
}

func (l *Lobby) broadcast(d board.Delta, origin string) {
	for id, c := range l.clients {
		if id == origin {
			continue
		}
		select {
		case c.outbox <- d:
			//ok
		default:
			// Client is slow/full - drop them.
			l.log.Warn("dropping slow client", zap.String("conn", id), zap.String("user", c.userID))
			close(c.outbox)
			delete(l.clients, id)
		}
	}
}

// Expose the inbox so tests or WS layer can send messages.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

func (l *Lobby) Code() string { return l.code }

// Done is closed once the lobby has shut down.
func (l *Lobby) Done() <-chan struct{} { return l.ctx.Done() }
