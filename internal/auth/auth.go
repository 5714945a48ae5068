// Package auth issues and checks the bearer tokens that carry a caller's
// user id, session id and role.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/DoyleJ11/tabletop-sync/internal/board"
	"github.com/DoyleJ11/tabletop-sync/internal/lease"
	"github.com/DoyleJ11/tabletop-sync/internal/syncerr"
)

const (
	issuer     = "tabletop-sync"
	DefaultTTL = 12 * time.Hour
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrBadPassphrase = errors.New("invalid gm passphrase")
)

type Claims struct {
	SessionID string `json:"sid"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

type Auth struct {
	key    []byte
	gmHash []byte
	ttl    time.Duration
	now    func() time.Time
}

// New returns an Auth signing with secret. gmPassphraseHash is a bcrypt hash;
// when empty nobody can open a GM session.
func New(secret []byte, gmPassphraseHash string) *Auth {
	return &Auth{key: secret, gmHash: []byte(gmPassphraseHash), ttl: DefaultTTL, now: time.Now}
}

// HashPassphrase is the helper used to produce GM_PASSPHRASE_HASH.
func HashPassphrase(passphrase string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(passphrase), bcrypt.DefaultCost)
	return string(b), err
}

// Issue opens a session. GM sessions require the configured passphrase.
func (a *Auth) Issue(userID string, role board.Role, passphrase string) (string, lease.Identity, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", lease.Identity{}, syncerr.Invalid("userId", "must not be empty")
	}
	if len(userID) > board.MaxIDLength {
		return "", lease.Identity{}, syncerr.Invalid("userId", "longer than %d bytes", board.MaxIDLength)
	}
	if role == board.RoleGM {
		if len(a.gmHash) == 0 || bcrypt.CompareHashAndPassword(a.gmHash, []byte(passphrase)) != nil {
			return "", lease.Identity{}, ErrBadPassphrase
		}
	}

	id := lease.Identity{UserID: userID, SessionID: uuid.NewString(), Role: role}
	now := a.now()
	claims := Claims{
		SessionID: id.SessionID,
		Role:      string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", lease.Identity{}, err
	}
	return signed, id, nil
}

func (a *Auth) Parse(tok string) (lease.Identity, error) {
	if tok == "" {
		return lease.Identity{}, ErrUnauthorized
	}
	var claims Claims
	t, err := jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !t.Valid {
		return lease.Identity{}, ErrUnauthorized
	}
	role, ok := board.ParseRole(claims.Role)
	if !ok || claims.Subject == "" || claims.SessionID == "" {
		return lease.Identity{}, ErrUnauthorized
	}
	return lease.Identity{UserID: claims.Subject, SessionID: claims.SessionID, Role: role}, nil
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id lease.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (lease.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(lease.Identity)
	return id, ok
}

// RequireAuth accepts "Authorization: Bearer" or a token query parameter,
// which browsers need for websocket upgrades.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tok string
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tok = strings.TrimPrefix(h, "Bearer ")
		} else {
			tok = r.URL.Query().Get("token")
		}
		id, err := a.Parse(tok)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
