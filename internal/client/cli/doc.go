// Package cli provides the interactive gophauth command-line client.
//
// It wires configuration and the gRPC client into a small REPL that walks a
// user through the credential flow: register, login with an emailed code,
// refresh, profile, password change, role assignment and logout.
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
package cli
