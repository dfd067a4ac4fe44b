package errors

import "errors"

// Authentication errors.
var (
	// ErrNotAuthenticated means no credentials are stored. Callers branch
	// on it with errors.Is; it is not a failure of the call itself.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNoAuthorizationSession means a callback arrived with no login in
	// progress.
	ErrNoAuthorizationSession = errors.New("no authorization session in progress")

	// ErrStateMismatch means the state echoed by the authorization server
	// does not match the stored session. Possible forged callback; the
	// login flow must abort without a token exchange.
	ErrStateMismatch = errors.New("authorization state mismatch")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
