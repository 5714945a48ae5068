package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/DoyleJ11/tabletop-sync/internal/auth"
	"github.com/DoyleJ11/tabletop-sync/internal/board"
	"github.com/DoyleJ11/tabletop-sync/internal/engine"
	"github.com/DoyleJ11/tabletop-sync/internal/httpapi"
	"github.com/DoyleJ11/tabletop-sync/internal/hub"
	"github.com/DoyleJ11/tabletop-sync/internal/lease"
	"github.com/DoyleJ11/tabletop-sync/internal/persist"
	"github.com/DoyleJ11/tabletop-sync/internal/savequeue"
	"github.com/DoyleJ11/tabletop-sync/internal/syncerr"
	"github.com/DoyleJ11/tabletop-sync/pkg/types"
)

const within = 3 * time.Second

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// server goroutines outlive the test body; keep them off the test logger
	log := zap.NewNop()
	hash, err := bcrypt.GenerateFromPassword([]byte("dragon"), bcrypt.MinCost)
	require.NoError(t, err)
	srv := httptest.NewServer(httpapi.SetupRoutes(httpapi.Deps{
		Hub:          hub.NewHub(ctx, persist.NewMemoryBoards(), log),
		Leases:       lease.NewManager(lease.NewMemoryBackend(), lease.NewMemoryRecords(), lease.Config{}, log),
		Auth:         auth.New([]byte("test-secret"), string(hash)),
		Log:          log,
		MaxBodyBytes: 1 << 16,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, token string, body, out any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(res.Body).Decode(out))
	}
	return res.StatusCode
}

func login(t *testing.T, srv *httptest.Server, user, role string) types.SessionResponse {
	t.Helper()
	var out types.SessionResponse
	req := types.SessionRequest{UserID: user, Role: role}
	if role == "gm" {
		req.Passphrase = "dragon"
	}
	require.Equal(t, http.StatusCreated, post(t, srv.URL+"/sessions", "", req, &out))
	return out
}

func newBoard(t *testing.T, srv *httptest.Server, gmToken string) string {
	t.Helper()
	var out types.CreateBoardResponse
	require.Equal(t, http.StatusCreated, post(t, srv.URL+"/boards", gmToken, struct{}{}, &out))
	return out.Code
}

func open(t *testing.T, srv *httptest.Server, code string, who types.SessionResponse, mod func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		BaseURL:  srv.URL,
		Board:    code,
		Token:    who.Token,
		UserID:   who.UserID,
		Debounce: 10 * time.Millisecond,
		Log:      zaptest.NewLogger(t).Named(who.UserID),
	}
	if mod != nil {
		mod(&cfg)
	}
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), within)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func wait(t *testing.T, ch <-chan savequeue.Result) savequeue.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(within):
		t.Fatal("timed out waiting for save")
		return savequeue.Result{}
	}
}

func placeHero(doc *board.BoardDocument) error {
	doc.SceneState["s1"] = board.NewSceneState()
	doc.ActiveSceneID = "s1"
	doc.Placements["hero"] = board.Placement{X: 1, Y: 1, SceneID: "s1", Team: board.TeamPlayers}
	doc.Placements["goblin"] = board.Placement{X: 5, Y: 5, SceneID: "s1", Team: board.TeamEnemies}
	return nil
}

func TestEditsReachOtherSessions(t *testing.T) {
	srv := newServer(t)
	gm := login(t, srv, "gm", "gm")
	alice := login(t, srv, "alice", "player")
	code := newBoard(t, srv, gm.Token)

	gs := open(t, srv, code, gm, nil)
	as := open(t, srv, code, alice, nil)
	assert.NotEmpty(t, as.ConnectionID())

	r := wait(t, gs.Mutate(placeHero))
	require.True(t, r.Success, "err: %v", r.Err)
	assert.EqualValues(t, 1, gs.Version())
	assert.False(t, gs.Pending())

	require.Eventually(t, func() bool { return as.Version() == 1 }, within, 10*time.Millisecond)
	doc := as.State()
	assert.Equal(t, "s1", doc.ActiveSceneID)
	assert.Equal(t, board.TeamEnemies, doc.Placements["goblin"].Team)

	r = wait(t, as.Mutate(func(doc *board.BoardDocument) error {
		p := doc.Placements["hero"]
		p.X = 4
		doc.Placements["hero"] = p
		return nil
	}))
	require.True(t, r.Success, "err: %v", r.Err)
	require.Eventually(t, func() bool { return gs.State().Placements["hero"].X == 4 }, within, 10*time.Millisecond)
	assert.EqualValues(t, 2, gs.Version())
	assert.EqualValues(t, 2, as.Version())
}

func TestRapidEditsCoalesce(t *testing.T) {
	srv := newServer(t)
	gm := login(t, srv, "gm", "gm")
	code := newBoard(t, srv, gm.Token)
	gs := open(t, srv, code, gm, func(c *Config) { c.Debounce = 50 * time.Millisecond })

	first := gs.Mutate(func(doc *board.BoardDocument) error {
		doc.MapURL = "draft.png"
		return nil
	})
	second := gs.Mutate(func(doc *board.BoardDocument) error {
		doc.Placements["torch"] = board.Placement{X: 3, Y: 3}
		return nil
	})

	assert.True(t, wait(t, first).Aborted)
	r := wait(t, second)
	require.True(t, r.Success, "err: %v", r.Err)

	// both edits landed in a single write
	assert.EqualValues(t, 1, r.Response.Version)
	require.NoError(t, gs.Resync(context.Background()))
	doc := gs.State()
	assert.Equal(t, "draft.png", doc.MapURL)
	assert.Contains(t, doc.Placements, "torch")
}

func TestRejectedEditIsRolledBack(t *testing.T) {
	srv := newServer(t)
	gm := login(t, srv, "gm", "gm")
	alice := login(t, srv, "alice", "player")
	code := newBoard(t, srv, gm.Token)

	saveErrs := make(chan error, 1)
	as := open(t, srv, code, alice, func(c *Config) {
		c.OnSaveError = func(err error) { saveErrs <- err }
	})

	r := wait(t, as.Mutate(func(doc *board.BoardDocument) error {
		doc.MapURL = "players-cannot-do-this.png"
		return nil
	}))
	assert.False(t, r.Success)
	assert.ErrorIs(t, r.Err, syncerr.ErrForbidden)
	select {
	case err := <-saveErrs:
		assert.ErrorIs(t, err, syncerr.ErrForbidden)
	case <-time.After(within):
		t.Fatal("save error not reported")
	}

	require.Eventually(t, func() bool { return as.State().MapURL == "" }, within, 10*time.Millisecond)
	assert.False(t, as.Pending())
}

func TestCombatTurnsSync(t *testing.T) {
	srv := newServer(t)
	gm := login(t, srv, "gm", "gm")
	alice := login(t, srv, "alice", "player")
	code := newBoard(t, srv, gm.Token)

	gs := open(t, srv, code, gm, nil)
	as := open(t, srv, code, alice, nil)

	require.True(t, wait(t, gs.Mutate(placeHero)).Success)
	events, res := gs.Combat("s1", engine.Command{Type: engine.CmdStartCombat, Team: board.TeamPlayers})
	assert.True(t, engine.ContainsEvent(events, engine.EvtCombatStarted))
	require.True(t, wait(t, res).Success)

	require.Eventually(t, func() bool { return as.State().Scene("s1").Combat.Active }, within, 10*time.Millisecond)

	events, res = as.Combat("s1", engine.Command{Type: engine.CmdStartTurn, CombatantID: "hero", UserID: "alice"})
	assert.True(t, engine.ContainsEvent(events, engine.EvtTurnStarted))
	r := wait(t, res)
	require.True(t, r.Success, "err: %v", r.Err)

	require.Eventually(t, func() bool {
		return gs.State().Scene("s1").Combat.ActiveCombatantID == "hero"
	}, within, 10*time.Millisecond)

	_, res = as.Combat("s1", engine.Command{Type: engine.CmdStartTurn, CombatantID: "goblin"})
	r = wait(t, res)
	assert.ErrorIs(t, r.Err, engine.ErrTurnInProgress)
}

func TestCloseFlushesPendingEdits(t *testing.T) {
	srv := newServer(t)
	gm := login(t, srv, "gm", "gm")
	code := newBoard(t, srv, gm.Token)

	s, err := Open(context.Background(), Config{
		BaseURL:  srv.URL,
		Board:    code,
		Token:    gm.Token,
		UserID:   gm.UserID,
		Debounce: time.Hour,
		Log:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	pending := s.Mutate(func(doc *board.BoardDocument) error {
		doc.MapURL = "last-second.png"
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	assert.True(t, wait(t, pending).Aborted)

	again := open(t, srv, code, gm, nil)
	assert.Equal(t, "last-second.png", again.State().MapURL)
	assert.EqualValues(t, 1, again.Version())
}

func TestOpenUnknownBoard(t *testing.T) {
	srv := newServer(t)
	gm := login(t, srv, "gm", "gm")

	_, err := Open(context.Background(), Config{BaseURL: srv.URL, Board: "NOPE00", Token: gm.Token})
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	_, err = Open(context.Background(), Config{BaseURL: srv.URL})
	assert.True(t, syncerr.IsValidation(err))
}
