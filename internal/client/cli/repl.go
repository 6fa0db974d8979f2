package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	isLoggedIn() bool
	Register(ctx context.Context) error
	Login(ctx context.Context) error
	Verify(ctx context.Context) error
	Resend(ctx context.Context) error
	Refresh(ctx context.Context) error
	Profile(ctx context.Context) error
	ChangePassword(ctx context.Context) error
	AssignRoles(ctx context.Context) error
	Logout(ctx context.Context) error
}

// runREPL starts a simple read–eval–print loop for the gophauth CLI.
//
// It reads a line from reader, parses the first token as the command, and
// dispatches to methods on 'a'. Commands read their own prompts from the
// same reader. The loop exits on EOF or when the user types "exit" or "quit".
//
//	Not logged in:
//	  - help           show available commands
//	  - register       create an account and confirm the emailed code
//	  - login          password step, then the emailed code
//	  - verify         enter a code for a pending login
//	  - resend         request a fresh code
//	  - exit | quit    leave the program
//
//	Logged in:
//	  - profile        show the account
//	  - refresh        rotate the token pair
//	  - passwd         change password
//	  - roles          assign roles to an account (admin)
//	  - logout         revoke the refresh token
//
// Errors returned by command handlers are ignored here; handlers print their
// own errors.
func runREPL(ctx context.Context, a execIface, statusFn func() string, reader *bufio.Reader) {
	for {
		printlnFn(fmt.Sprintf("gophauth %s> ", statusFn()))
		line, err := reader.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd := parts[0]

		switch cmd {
		case "help":
			if a.isLoggedIn() {
				printlnFn("Available commands: profile, refresh, passwd, roles, logout, exit")
			} else {
				printlnFn("Available commands: register, login, verify, resend, exit")
			}

		case "register":
			_ = a.Register(ctx)

		case "login":
			_ = a.Login(ctx)

		case "verify":
			_ = a.Verify(ctx)

		case "resend":
			_ = a.Resend(ctx)

		case "refresh":
			_ = a.Refresh(ctx)

		case "profile":
			_ = a.Profile(ctx)

		case "passwd":
			_ = a.ChangePassword(ctx)

		case "roles":
			_ = a.AssignRoles(ctx)

		case "logout":
			_ = a.Logout(ctx)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}

		if err != nil {
			return
		}
	}
}
