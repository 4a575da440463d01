package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/kimhsiao/medportal/core/internal/crypto"
	apperrors "github.com/kimhsiao/medportal/core/internal/errors"
	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/portal"
)

// Vault persists credentials across restarts.
type Vault interface {
	Store(account, value string) error
	Load(account string) (string, error)
	Delete(account string) error
}

// TokenStore holds the bearer token handed over by the platform shell after
// sign-in. Its Token method is a network.TokenSource.
type TokenStore struct {
	vault Vault

	mu    sync.RWMutex
	token string
}

// NewTokenStore creates a TokenStore. The token persisted in vault, when
// present, wins over initial. vault may be nil.
func NewTokenStore(initial string, vault Vault) *TokenStore {
	s := &TokenStore{vault: vault, token: initial}
	if vault != nil {
		if saved, err := vault.Load(crypto.SessionAccount); err == nil {
			s.token = saved
		} else if !apperrors.Is(err, apperrors.ErrNotFound) {
			logging.Warn("Stored session token unreadable", map[string]interface{}{"error": err.Error()})
		}
	}
	return s
}

// Token returns the current token or ErrAuth when signed out.
func (s *TokenStore) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", apperrors.New(apperrors.ErrAuth, "not signed in")
	}
	return s.token, nil
}

// Set replaces and persists the token. An empty token signs out.
func (s *TokenStore) Set(token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	if s.vault == nil {
		return nil
	}
	if token == "" {
		return s.vault.Delete(crypto.SessionAccount)
	}
	return s.vault.Store(crypto.SessionAccount, token)
}

// SessionHandler handles sign-in state.
type SessionHandler struct {
	p      *portal.Portal
	tokens *TokenStore
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(p *portal.Portal, tokens *TokenStore) *SessionHandler {
	return &SessionHandler{p: p, tokens: tokens}
}

// SetToken handles PUT /api/session/token
func (h *SessionHandler) SetToken(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Token string `json:"token"`
	}
	if err := decode(r, &request); err != nil || request.Token == "" {
		badRequest(w, "token is required")
		return
	}
	if err := h.tokens.Set(request.Token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Logout handles POST /api/session/logout
// Cancels in-flight requests and wipes every piece of cached patient data.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.tokens.Set(""); err != nil {
		writeError(w, err)
		return
	}
	if err := h.p.Logout(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
