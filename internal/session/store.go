package session

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	interrors "github.com/element-hq/element-admin-sub000/internal/errors"
	"github.com/element-hq/element-admin-sub000/internal/lock"
	"github.com/element-hq/element-admin-sub000/internal/pkce"
)

const (
	// ExpiryLeeway is subtracted from the access token's real expiry to
	// absorb clock skew and in-flight request latency.
	ExpiryLeeway = 30 * time.Second

	// refreshLockName is the single application-wide refresh lock. Only
	// one credentials value is ever active, so serializing every refresh
	// under one name costs nothing and keeps the contract simple.
	refreshLockName = "refresh"
)

// Store is the single source of truth for the authorization session and
// credentials. It is the sole mutator of both; other processes see its
// writes through the persistence record.
type Store struct {
	persistence Persistence
	locker      lock.Locker
	resolver    MetadataResolver
	exchanger   TokenExchanger
	logger      *slog.Logger
	now         func() time.Time

	mu          sync.Mutex
	session     *AuthorizationSession
	creds       *Credentials
	subscribers []func(active bool)
}

// Option modifies a Store.
type Option func(*Store)

// WithClock sets the time source (primarily for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a session store, loading any previously persisted record.
func New(persistence Persistence, locker lock.Locker, resolver MetadataResolver, exchanger TokenExchanger, logger *slog.Logger, options ...Option) (*Store, error) {
	if persistence == nil {
		return nil, fmt.Errorf("session: persistence is required")
	}

	if locker == nil {
		return nil, fmt.Errorf("session: locker is required")
	}

	if resolver == nil {
		return nil, fmt.Errorf("session: resolver is required")
	}

	if exchanger == nil {
		return nil, fmt.Errorf("session: exchanger is required")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Store{
		persistence: persistence,
		locker:      locker,
		resolver:    resolver,
		exchanger:   exchanger,
		logger:      logger,
		now:         time.Now,
	}

	for _, opt := range options {
		opt(s)
	}

	rec, _, err := persistence.LoadAuth()
	if err != nil {
		return nil, fmt.Errorf("session: loading persisted record: %w", err)
	}

	s.session = cloneSession(rec.Session)
	s.creds = cloneCredentials(rec.Credentials)

	return s, nil
}

// StartAuthorizationSession prepares a login for the given server and
// client. Restarting with the same (serverName, clientID) pair returns
// the existing session untouched, so an authorization link already
// opened elsewhere is not invalidated.
func (s *Store) StartAuthorizationSession(serverName, clientID, redirectURI string) (AuthorizationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil && s.session.ServerName == serverName && s.session.ClientID == clientID {
		return *s.session, nil
	}

	pair := pkce.NewPair()
	sess := AuthorizationSession{
		ServerName:    serverName,
		ClientID:      clientID,
		RedirectURI:   redirectURI,
		CodeVerifier:  pair.CodeVerifier,
		CodeChallenge: pair.CodeChallenge,
		State:         pkce.NewState(),
	}

	prev := s.session
	s.session = &sess

	if err := s.persistLocked(); err != nil {
		s.session = prev
		return AuthorizationSession{}, err
	}

	return sess, nil
}

// AccessToken returns a valid bearer token, refreshing it first when it
// is within the expiry leeway. ErrNotAuthenticated means no credentials
// are stored; any other failure leaves the stored credentials unchanged
// so the caller can retry.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	creds := cloneCredentials(s.creds)
	s.mu.Unlock()

	if creds == nil {
		return "", interrors.ErrNotAuthenticated
	}

	if s.fresh(creds) {
		return creds.AccessToken, nil
	}

	// Resolve the token endpoint before taking the lock so waiting
	// holders never sit behind discovery I/O.
	meta, err := s.resolver.AuthMetadata(ctx, creds.ServerName)
	if err != nil {
		return "", fmt.Errorf("resolving token endpoint: %w", err)
	}

	release, err := s.locker.Acquire(ctx, refreshLockName)
	if err != nil {
		return "", err
	}
	defer release()

	// Another holder may have refreshed or signed out while we waited.
	// Re-read the shared record before deciding anything.
	if err := s.Reload(); err != nil {
		return "", err
	}

	s.mu.Lock()
	creds = cloneCredentials(s.creds)
	s.mu.Unlock()

	if creds == nil {
		return "", interrors.ErrNotAuthenticated
	}

	if s.fresh(creds) {
		return creds.AccessToken, nil
	}

	s.logger.Debug("access token expired, refreshing", slog.String("server", creds.ServerName))

	ts, err := s.exchanger.Refresh(ctx, meta.TokenEndpoint, creds.ClientID, creds.RefreshToken)
	if err != nil {
		return "", err
	}

	if err := s.SaveCredentials(creds.ServerName, creds.ClientID, ts.AccessToken, ts.RefreshToken, ts.ExpiresIn); err != nil {
		return "", err
	}

	return ts.AccessToken, nil
}

// CompleteAuthorization handles the authorization callback: it checks
// the echoed state against the stored session before anything else,
// exchanges the code, and promotes the session into credentials.
func (s *Store) CompleteAuthorization(ctx context.Context, state, code string) (*Credentials, error) {
	s.mu.Lock()
	sess := cloneSession(s.session)
	s.mu.Unlock()

	if sess == nil {
		return nil, interrors.ErrNoAuthorizationSession
	}

	if subtle.ConstantTimeCompare([]byte(state), []byte(sess.State)) != 1 {
		return nil, interrors.ErrStateMismatch
	}

	meta, err := s.resolver.AuthMetadata(ctx, sess.ServerName)
	if err != nil {
		return nil, fmt.Errorf("resolving token endpoint: %w", err)
	}

	ts, err := s.exchanger.Exchange(ctx, meta.TokenEndpoint, sess.ClientID, sess.RedirectURI, code, sess.CodeVerifier)
	if err != nil {
		return nil, err
	}

	if err := s.SaveCredentials(sess.ServerName, sess.ClientID, ts.AccessToken, ts.RefreshToken, ts.ExpiresIn); err != nil {
		return nil, err
	}

	s.mu.Lock()
	creds := cloneCredentials(s.creds)
	s.mu.Unlock()

	return creds, nil
}

// SaveCredentials replaces the credentials wholesale and clears any
// authorization session. Pure state transition plus persistence.
func (s *Store) SaveCredentials(serverName, clientID, accessToken, refreshToken string, expiresIn int64) error {
	creds := &Credentials{
		ServerName:   serverName,
		ClientID:     clientID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    s.now().Add(time.Duration(expiresIn) * time.Second).UnixMilli(),
	}

	s.mu.Lock()
	prevSession, prevCreds := s.session, s.creds
	s.session = nil
	s.creds = creds

	if err := s.persistLocked(); err != nil {
		s.session, s.creds = prevSession, prevCreds
		s.mu.Unlock()

		return err
	}

	notify := s.transitionLocked(prevCreds != nil)
	s.mu.Unlock()

	notify()

	return nil
}

// Clear resets the store to anonymous: no session, no credentials, and
// an empty persisted record.
func (s *Store) Clear() error {
	s.mu.Lock()
	prevSession, prevCreds := s.session, s.creds
	s.session = nil
	s.creds = nil

	if err := s.persistLocked(); err != nil {
		s.session, s.creds = prevSession, prevCreds
		s.mu.Unlock()

		return err
	}

	notify := s.transitionLocked(prevCreds != nil)
	s.mu.Unlock()

	notify()

	return nil
}

// Reload replaces in-memory state with the persisted record. This is
// the replay path for changes made by other processes: state fields are
// applied verbatim and no side-effecting action re-runs.
func (s *Store) Reload() error {
	rec, _, err := s.persistence.LoadAuth()
	if err != nil {
		return fmt.Errorf("session: reloading record: %w", err)
	}

	s.mu.Lock()
	wasActive := s.creds != nil
	s.session = cloneSession(rec.Session)
	s.creds = cloneCredentials(rec.Credentials)
	notify := s.transitionLocked(wasActive)
	s.mu.Unlock()

	notify()

	return nil
}

// SessionActive reports whether credentials are present.
func (s *Store) SessionActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.creds != nil
}

// Snapshot returns copies of the current state.
func (s *Store) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Record{
		Session:     cloneSession(s.session),
		Credentials: cloneCredentials(s.creds),
	}
}

// Subscribe registers fn to run when the derived "session active"
// boolean transitions. Updates that keep it unchanged (such as a token
// refresh) do not fire.
func (s *Store) Subscribe(fn func(active bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers = append(s.subscribers, fn)
}

// transitionLocked returns the notification to run after unlocking.
// Must be called with mu held.
func (s *Store) transitionLocked(wasActive bool) func() {
	active := s.creds != nil
	if active == wasActive {
		return func() {}
	}

	subs := make([]func(bool), len(s.subscribers))
	copy(subs, s.subscribers)

	return func() {
		for _, fn := range subs {
			fn(active)
		}
	}
}

// persistLocked writes the current state as the persisted record.
// Must be called with mu held.
func (s *Store) persistLocked() error {
	rec := Record{
		Session:     s.session,
		Credentials: s.creds,
	}

	if err := s.persistence.SaveAuth(rec); err != nil {
		return fmt.Errorf("session: persisting record: %w", err)
	}

	return nil
}

// fresh reports whether the access token is still outside the leeway.
func (s *Store) fresh(c *Credentials) bool {
	return c.ExpiresAt > s.now().Add(ExpiryLeeway).UnixMilli()
}

func cloneSession(sess *AuthorizationSession) *AuthorizationSession {
	if sess == nil {
		return nil
	}

	c := *sess

	return &c
}

func cloneCredentials(creds *Credentials) *Credentials {
	if creds == nil {
		return nil
	}

	c := *creds

	return &c
}
