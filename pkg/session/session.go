// Package session holds client-side authentication state: which user is
// logged in, the persisted token pair, and the refresh-then-retry behavior
// for requests that fail with an expired access token.
//
// A Session is an explicitly constructed object handed to its consumers;
// there is no package-level instance.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/avorobev/authcore/pkg/authclient"
)

type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

var ErrNotAuthenticated = errors.New("not authenticated")

type Session struct {
	client *authclient.Client
	store  TokenStore

	mu      sync.Mutex
	state   State
	user    *authclient.User
	lastErr error
	access  string
	refresh string
	gen     uint64

	// refreshMu serializes refresh exchanges so concurrent 401s share one
	// round trip to /auth/refresh.
	refreshMu sync.Mutex
}

func New(client *authclient.Client, store TokenStore) *Session {
	return &Session{
		client: client,
		store:  store,
		state:  StateUninitialized,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) User() *authclient.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Init replays a persisted token pair through a who-am-I check. A token that
// no longer verifies clears the persisted pair and lands in unauthenticated.
func (s *Session) Init(ctx context.Context) error {
	s.setState(StateLoading)

	access, refresh, err := s.store.Load()
	if err != nil || access == "" {
		s.forceUnauthenticated(err)
		return err
	}

	user, err := s.client.Me(ctx, access)
	if err != nil {
		s.forceUnauthenticated(err)
		return nil
	}

	s.mu.Lock()
	s.access = access
	s.refresh = refresh
	s.gen++
	s.user = user
	s.state = StateAuthenticated
	s.lastErr = nil
	s.mu.Unlock()
	return nil
}

func (s *Session) Login(ctx context.Context, email, password string) error {
	s.setState(StateLoading)

	pair, err := s.client.Login(ctx, email, password)
	if err != nil {
		s.forceUnauthenticated(err)
		return fmt.Errorf("login: %w", err)
	}
	if err := s.installPair(pair); err != nil {
		s.forceUnauthenticated(err)
		return fmt.Errorf("persist tokens: %w", err)
	}

	user, err := s.client.Me(ctx, pair.AccessToken)
	if err != nil {
		s.forceUnauthenticated(err)
		return fmt.Errorf("fetch profile: %w", err)
	}

	s.mu.Lock()
	s.user = user
	s.state = StateAuthenticated
	s.lastErr = nil
	s.mu.Unlock()
	return nil
}

// Logout tells the server to revoke the session, then clears local state
// regardless of the outcome. Calling it repeatedly is harmless.
func (s *Session) Logout(ctx context.Context) {
	s.mu.Lock()
	access := s.access
	s.mu.Unlock()

	if access != "" {
		// Best effort: local state is cleared even if revocation fails.
		_ = s.client.Logout(ctx, access)
	}

	s.forceUnauthenticated(nil)
}

// Do sends an authenticated request. On a 401 it performs at most one refresh
// exchange and one retry; the cap is an explicit attempt counter, never a
// flag on the request. A 401 after the retry forces unauthenticated state.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	access, gen := s.snapshot()
	if access == "" {
		return nil, ErrNotAuthenticated
	}

	for attempt := 0; ; attempt++ {
		r, err := cloneRequest(req)
		if err != nil {
			return nil, err
		}
		r.Header.Set("Authorization", "Bearer "+access)

		resp, err := s.client.Do(r)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}
		if attempt >= 1 {
			s.forceUnauthenticated(authclient.ErrUnauthorized)
			return resp, nil
		}
		resp.Body.Close()

		access, err = s.refreshOnce(req.Context(), gen)
		if err != nil {
			return nil, err
		}
	}
}

// refreshOnce exchanges the refresh token for a new pair unless another
// caller already did so since observedGen was taken, in which case the
// fresher access token is reused without a second exchange.
func (s *Session) refreshOnce(ctx context.Context, observedGen uint64) (string, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.Lock()
	cur := s.gen
	access := s.access
	refresh := s.refresh
	s.mu.Unlock()

	if cur != observedGen {
		return access, nil
	}
	if refresh == "" {
		s.forceUnauthenticated(ErrNotAuthenticated)
		return "", ErrNotAuthenticated
	}

	pair, err := s.client.Refresh(ctx, refresh)
	if err != nil {
		s.forceUnauthenticated(err)
		return "", fmt.Errorf("refresh: %w", err)
	}
	if err := s.installPair(pair); err != nil {
		s.forceUnauthenticated(err)
		return "", fmt.Errorf("persist tokens: %w", err)
	}
	return pair.AccessToken, nil
}

func (s *Session) installPair(pair *authclient.TokenPair) error {
	s.mu.Lock()
	s.access = pair.AccessToken
	s.refresh = pair.RefreshToken
	s.gen++
	s.mu.Unlock()
	return s.store.Save(pair.AccessToken, pair.RefreshToken)
}

func (s *Session) snapshot() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.access, s.gen
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// forceUnauthenticated clears tokens in memory and in the store together and
// records the triggering error, if any.
func (s *Session) forceUnauthenticated(cause error) {
	s.mu.Lock()
	s.access = ""
	s.refresh = ""
	s.gen++
	s.user = nil
	s.state = StateUnauthenticated
	s.lastErr = cause
	s.mu.Unlock()

	_ = s.store.Clear()
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	r := req.Clone(req.Context())
	if req.Body == nil || req.GetBody == nil {
		return r, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("reset request body: %w", err)
	}
	r.Body = body
	return r, nil
}
