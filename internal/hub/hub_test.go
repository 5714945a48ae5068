package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sync/internal/board"
	"github.com/DoyleJ11/tabletop-sync/internal/lobby"
	"github.com/DoyleJ11/tabletop-sync/internal/persist"
	"github.com/DoyleJ11/tabletop-sync/internal/syncerr"
)

func newTestHub(t *testing.T) (*Hub, *persist.MemoryBoards) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	repo := persist.NewMemoryBoards()
	return NewHub(ctx, repo, zap.NewNop()), repo
}

func TestHub_Create_Get_SamePointer(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	lb1, err := h.Create(ctx, board.NewDocument())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(lb1.Code()) != codeLength {
		t.Fatalf("unexpected code %q", lb1.Code())
	}

	reply := make(chan *lobby.Lobby, 1)
	h.Inbox() <- GetLobby{Code: lb1.Code(), Reply: reply}
	lb2 := <-reply

	if lb1 == nil || lb2 == nil || lb1 != lb2 {
		t.Fatalf("expected same lobby pointer")
	}
}

func TestHub_Ensure_LoadsPersistedBoard(t *testing.T) {
	h, repo := newTestHub(t)
	ctx := context.Background()

	doc := board.NewDocument()
	doc.MapURL = "https://maps.example/crypt.png"
	doc.Version = 12
	if err := repo.Create(ctx, "CRYPT1", doc); err != nil {
		t.Fatalf("seed: %v", err)
	}

	lb, err := h.Ensure(ctx, "CRYPT1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	again, err := h.Ensure(ctx, "CRYPT1")
	if err != nil || again != lb {
		t.Fatalf("second ensure should return the running lobby")
	}

	reply := make(chan lobby.View, 1)
	lb.Inbox() <- lobby.GetState{Reply: reply}
	select {
	case v := <-reply:
		if v.Version != 12 || v.Document.MapURL != doc.MapURL {
			t.Fatalf("lobby did not start from the persisted board: %+v", v)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("timed out waiting for view")
	}
}

func TestHub_Ensure_UnknownBoard(t *testing.T) {
	h, _ := newTestHub(t)
	_, err := h.Ensure(context.Background(), "NOPE00")
	if !errors.Is(err, syncerr.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestHub_Remove_RestartsFromRepository(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()

	lb, err := h.Create(ctx, board.NewDocument())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.Inbox() <- RemoveLobby{Code: lb.Code()}

	select {
	case <-lb.Done():
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("removed lobby still running")
	}

	fresh, err := h.Ensure(ctx, lb.Code())
	if err != nil {
		t.Fatalf("ensure after remove: %v", err)
	}
	if fresh == lb {
		t.Fatalf("expected a new lobby after removal")
	}
}

func TestHub_Shutdown(t *testing.T) {
	h, _ := newTestHub(t)
	lb, err := h.Create(context.Background(), board.NewDocument())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.Shutdown()
	select {
	case <-lb.Done():
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("lobby survived hub shutdown")
	}
	if _, err := h.Ensure(context.Background(), lb.Code()); err == nil {
		t.Fatalf("ensure after shutdown should fail")
	}
}
