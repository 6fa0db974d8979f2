// Package client contains the client-side transport for gophauth.
//
// GRPCClient manages a connection to the AuthService, keeps the current token
// pair, attaches the access token to protected calls and transparently
// refreshes it once when the server reports it as expired. Server statuses
// are mapped back to the sentinel errors in internal/common where the
// message matches, otherwise to ErrUnavailable or ErrUnauthorized.
package client
