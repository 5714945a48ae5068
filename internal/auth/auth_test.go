package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/DoyleJ11/tabletop-sync/internal/board"
	"github.com/DoyleJ11/tabletop-sync/internal/syncerr"
)

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("dragon"), bcrypt.MinCost)
	require.NoError(t, err)
	return New([]byte("test-secret-test-secret-test-secret"), string(hash))
}

func TestIssueParse_RoundTrip(t *testing.T) {
	a := newTestAuth(t)

	tok, id, err := a.Issue("alice", board.RolePlayer, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id.SessionID)

	got, err := a.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestIssue_GMNeedsPassphrase(t *testing.T) {
	a := newTestAuth(t)

	_, _, err := a.Issue("gm", board.RoleGM, "wrong")
	assert.ErrorIs(t, err, ErrBadPassphrase)

	tok, id, err := a.Issue("gm", board.RoleGM, "dragon")
	require.NoError(t, err)
	assert.True(t, id.IsGM())

	got, err := a.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, board.RoleGM, got.Role)

	noGM := New([]byte("k"), "")
	_, _, err = noGM.Issue("gm", board.RoleGM, "")
	assert.ErrorIs(t, err, ErrBadPassphrase)
}

func TestIssue_EmptyUser(t *testing.T) {
	_, _, err := newTestAuth(t).Issue("  ", board.RolePlayer, "")
	assert.True(t, syncerr.IsValidation(err))
}

func TestParse_Rejects(t *testing.T) {
	a := newTestAuth(t)
	tok, _, err := a.Issue("alice", board.RolePlayer, "")
	require.NoError(t, err)

	other := New([]byte("another-secret"), "")
	_, err = other.Parse(tok)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	_, err = a.Parse("")
	assert.ErrorIs(t, err, ErrUnauthorized)

	a.now = func() time.Time { return time.Now().Add(DefaultTTL + time.Hour) }
	_, err = a.Parse(tok)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRequireAuth(t *testing.T) {
	a := newTestAuth(t)
	tok, id, err := a.Issue("alice", board.RolePlayer, "")
	require.NoError(t, err)

	h := a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := FromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, id, got)
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?token="+tok, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
