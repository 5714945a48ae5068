package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/DoyleJ11/tabletop-sync/internal/auth"
	"github.com/DoyleJ11/tabletop-sync/internal/board"
	"github.com/DoyleJ11/tabletop-sync/internal/hub"
	"github.com/DoyleJ11/tabletop-sync/internal/lease"
	"github.com/DoyleJ11/tabletop-sync/internal/persist"
	itypes "github.com/DoyleJ11/tabletop-sync/internal/types"
	"github.com/DoyleJ11/tabletop-sync/pkg/types"
)

type testEnv struct {
	srv *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// lobbies log on shutdown after the test body returns
	log := zap.NewNop()
	hash, err := bcrypt.GenerateFromPassword([]byte("dragon"), bcrypt.MinCost)
	require.NoError(t, err)

	h := hub.NewHub(ctx, persist.NewMemoryBoards(), log)
	leases := lease.NewManager(lease.NewMemoryBackend(), lease.NewMemoryRecords(), lease.Config{
		GMOnlyFields: []string{"gmNotes"},
	}, log)
	srv := httptest.NewServer(SetupRoutes(Deps{
		Hub:          h,
		Leases:       leases,
		Auth:         auth.New([]byte("test-secret"), string(hash)),
		Log:          log,
		MaxBodyBytes: 4096,
	}))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
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

func (e *testEnv) session(t *testing.T, user, role, passphrase string) types.SessionResponse {
	t.Helper()
	var out types.SessionResponse
	status := e.do(t, http.MethodPost, "/sessions", "", types.SessionRequest{UserID: user, Role: role, Passphrase: passphrase}, &out)
	require.Equal(t, http.StatusCreated, status)
	return out
}

func (e *testEnv) board(t *testing.T, gmToken string) string {
	t.Helper()
	var out types.CreateBoardResponse
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/boards", gmToken, nil, &out))
	return out.Code
}

func saveReq(t *testing.T, d board.Delta, expected *int64, connID string) types.SaveRequest {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	return types.SaveRequest{Key: "board-state", Payload: raw, ExpectedVersion: expected, ConnectionID: connID}
}

func TestSessionsAndBoards(t *testing.T) {
	e := newTestEnv(t)

	assert.Equal(t, http.StatusUnauthorized,
		e.do(t, http.MethodPost, "/sessions", "", types.SessionRequest{UserID: "gm", Role: "gm", Passphrase: "nope"}, nil))
	assert.Equal(t, http.StatusBadRequest,
		e.do(t, http.MethodPost, "/sessions", "", types.SessionRequest{UserID: "x", Role: "wizard"}, nil))

	gm := e.session(t, "gm", "gm", "dragon")
	player := e.session(t, "alice", "", "")
	assert.Equal(t, "player", player.Role)

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodPost, "/boards", "", nil, nil))
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/boards", player.Token, nil, nil))
	code := e.board(t, gm.Token)

	var boot types.BootstrapResponse
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/boards/"+code+"/bootstrap", player.Token, nil, &boot))
	assert.EqualValues(t, 0, boot.Version)
	doc, err := board.Decode(boot.Document)
	require.NoError(t, err)
	assert.NotNil(t, doc.Placements)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/boards/NOPE00/bootstrap", player.Token, nil, nil))
}

func TestSaveBoard(t *testing.T) {
	e := newTestEnv(t)
	gm := e.session(t, "gm", "gm", "dragon")
	player := e.session(t, "alice", "player", "")
	code := e.board(t, gm.Token)
	path := "/boards/" + code + "/save"

	move := board.Delta{Placements: board.Keyed[*board.Placement]{"tok-1": {X: 2, Y: 3, SceneID: "s1"}}}
	var res types.SaveResponse
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, path, player.Token, saveReq(t, move, nil, ""), &res))
	assert.True(t, res.Success)
	assert.EqualValues(t, 1, res.Version)
	var canonical board.Delta
	require.NoError(t, json.Unmarshal(res.Data, &canonical))
	require.NotNil(t, canonical.Placements["tok-1"])
	assert.Equal(t, 2.0, canonical.Placements["tok-1"].X)

	stale := int64(0)
	res = types.SaveResponse{}
	require.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, path, player.Token, saveReq(t, move, &stale, ""), &res))
	require.NotNil(t, res.Conflict)
	assert.EqualValues(t, 1, res.Conflict.CurrentVersion)
	assert.NotEmpty(t, res.Conflict.Current)

	url := "https://maps.example/a.png"
	assert.Equal(t, http.StatusForbidden,
		e.do(t, http.MethodPost, path, player.Token, saveReq(t, board.Delta{MapURL: &url}, nil, ""), nil))
	assert.Equal(t, http.StatusOK,
		e.do(t, http.MethodPost, path, gm.Token, saveReq(t, board.Delta{MapURL: &url}, nil, ""), nil))

	assert.Equal(t, http.StatusBadRequest,
		e.do(t, http.MethodPost, path, player.Token, []byte(`{"key":"board-state","payload":`), nil))

	huge := types.SaveRequest{Key: "board-state", Payload: json.RawMessage(`{"mapUrl":"` + strings.Repeat("x", 8000) + `"}`)}
	assert.Equal(t, http.StatusRequestEntityTooLarge, e.do(t, http.MethodPost, path, gm.Token, huge, nil))
}

func TestLocks(t *testing.T) {
	e := newTestEnv(t)
	gm := e.session(t, "gm", "gm", "dragon")
	alice := e.session(t, "alice", "player", "")
	bob := e.session(t, "bob", "player", "")

	var res types.LockResponse
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/locks", alice.Token,
		types.LockRequest{Action: types.ActionAcquireLock, ResourceID: "hex-7"}, &res))
	require.NotNil(t, res.Lease)
	assert.Equal(t, "alice", res.Lease.HolderUserID)
	assert.Equal(t, 30, res.Lease.TTLSeconds)

	res = types.LockResponse{}
	require.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/locks", bob.Token,
		types.LockRequest{Action: types.ActionAcquireLock, ResourceID: "hex-7"}, &res))
	require.NotNil(t, res.Holder)
	assert.Equal(t, alice.SessionID, res.Holder.SessionID)

	res = types.LockResponse{}
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/locks", gm.Token,
		types.LockRequest{Action: types.ActionSystemStatus}, &res))
	require.NotNil(t, res.Status)
	assert.Len(t, res.Status.Leases, 1)

	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodPost, "/locks", bob.Token,
		types.LockRequest{Action: types.ActionForceReleaseLocks}, nil))

	res = types.LockResponse{}
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/locks", gm.Token,
		types.LockRequest{Action: types.ActionForceReleaseLocks}, &res))
	assert.Equal(t, 1, res.Released)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/locks", gm.Token,
		types.LockRequest{Action: "steal_lock"}, nil))
}

func TestResources(t *testing.T) {
	e := newTestEnv(t)
	gm := e.session(t, "gm", "gm", "dragon")
	alice := e.session(t, "alice", "player", "")

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/resources/npc-1", alice.Token, nil, nil))

	var res types.RecordResponse
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPut, "/resources/npc-1", gm.Token,
		types.RecordRequest{Data: json.RawMessage(`{"text":"innkeeper","gmNotes":"cultist"}`)}, &res))
	require.NotNil(t, res.Record)
	assert.EqualValues(t, 1, res.Record.Version)

	res = types.RecordResponse{}
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/resources/npc-1", alice.Token, nil, &res))
	assert.NotContains(t, string(res.Record.Data), "gmNotes")

	res = types.RecordResponse{}
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPatch, "/resources/npc-1", alice.Token,
		types.RecordRequest{Data: json.RawMessage(`{"text":"grumpy innkeeper"}`), ExpectedVersion: 1}, &res))
	assert.EqualValues(t, 2, res.Record.Version)

	res = types.RecordResponse{}
	require.Equal(t, http.StatusConflict, e.do(t, http.MethodPut, "/resources/npc-1", alice.Token,
		types.RecordRequest{Data: json.RawMessage(`{"text":"stale"}`), ExpectedVersion: 1}, &res))
	require.NotNil(t, res.Conflict)
	assert.EqualValues(t, 2, res.Conflict.CurrentVersion)
	var current types.RecordView
	require.NoError(t, json.Unmarshal(res.Conflict.Current, &current))
	assert.Contains(t, string(current.Data), "grumpy innkeeper")
	assert.NotContains(t, string(current.Data), "cultist")
}

func TestWebsocket_DeltaFanOutExcludesOrigin(t *testing.T) {
	e := newTestEnv(t)
	gm := e.session(t, "gm", "gm", "dragon")
	alice := e.session(t, "alice", "player", "")
	code := e.board(t, gm.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dial := func(token string) (*websocket.Conn, itypes.ServerMessage) {
		wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?board=" + code + "&token=" + token
		conn, _, err := websocket.Dial(ctx, wsURL, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.CloseNow() })
		var welcome itypes.ServerMessage
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &welcome))
		require.Equal(t, itypes.MsgWelcome, welcome.Type)
		require.NotEmpty(t, welcome.ConnectionID)
		return conn, welcome
	}

	gmConn, _ := dial(gm.Token)
	aliceConn, aliceWelcome := dial(alice.Token)

	move := board.Delta{Placements: board.Keyed[*board.Placement]{"tok-1": {X: 5, Y: 5, SceneID: "s1"}}}
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/boards/"+code+"/save", alice.Token,
		saveReq(t, move, nil, aliceWelcome.ConnectionID), nil))

	_, data, err := gmConn.Read(ctx)
	require.NoError(t, err)
	var msg itypes.ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, itypes.MsgDelta, msg.Type)
	require.NotNil(t, msg.Delta)
	assert.EqualValues(t, 1, msg.Delta.Version)
	assert.Equal(t, "alice", msg.Delta.AuthorID)
	assert.Equal(t, []string{board.FieldPlacements}, msg.Delta.ChangedFields)

	short, cancelShort := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelShort()
	_, _, err = aliceConn.Read(short)
	assert.Error(t, err, "originating connection must not receive its own delta")
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", "", nil, nil))
}
