package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/gophauth/internal/client/client"
	"github.com/dmitrijs2005/gophauth/internal/common"
)

// getSimpleText and getPassword are indirections used to facilitate testing.
// They point to interactive input helpers and can be swapped in tests.
var getSimpleText = GetSimpleText
var getPassword = GetPassword

func (a *App) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.config.RequestTimeout)
}

func (a *App) report(err error) error {
	if errors.Is(err, client.ErrUnavailable) {
		fmt.Fprintln(a.out, "Server unavailable, try again later")
	} else {
		fmt.Fprintf(a.out, "Error: %s\n", err.Error())
	}
	return err
}

func (a *App) readPassword(prompt string) (string, error) {
	pw, err := getPassword(a.out, prompt)
	if err != nil {
		return "", err
	}
	defer common.WipeByteArray(pw)
	return string(pw), nil
}

// Register creates an account and then asks for the code that was emailed.
func (a *App) Register(ctx context.Context) error {
	name, err := getSimpleText(a.reader, "Enter name", a.out)
	if err != nil {
		return err
	}
	email, err := getSimpleText(a.reader, "Enter email", a.out)
	if err != nil {
		return err
	}
	password, err := a.readPassword("Enter password")
	if err != nil {
		return err
	}

	cctx, cancel := a.call(ctx)
	defer cancel()

	id, err := a.api.Register(cctx, name, email, password)
	if err != nil {
		if !errors.Is(err, common.ErrNotificationFailure) {
			return a.report(err)
		}
		// account exists; the user can ask for another code
		fmt.Fprintln(a.out, "Account created, but the code could not be sent. Use 'resend'.")
		a.email = email
		return err
	}

	fmt.Fprintf(a.out, "Account %s created, a code was sent to %s\n", id, email)
	a.email = email
	return a.verifyCode(ctx)
}

// Login checks the password, then asks for the emailed code.
func (a *App) Login(ctx context.Context) error {
	email, err := getSimpleText(a.reader, "Enter email", a.out)
	if err != nil {
		return err
	}
	password, err := a.readPassword("Enter password")
	if err != nil {
		return err
	}

	cctx, cancel := a.call(ctx)
	defer cancel()

	if err := a.api.Login(cctx, email, password); err != nil {
		return a.report(err)
	}

	fmt.Fprintf(a.out, "A code was sent to %s\n", email)
	a.email = email
	return a.verifyCode(ctx)
}

// Verify asks for a code for the pending email.
func (a *App) Verify(ctx context.Context) error {
	if a.email == "" {
		email, err := getSimpleText(a.reader, "Enter email", a.out)
		if err != nil {
			return err
		}
		a.email = email
	}
	return a.verifyCode(ctx)
}

func (a *App) verifyCode(ctx context.Context) error {
	code, err := getSimpleText(a.reader, "Enter code", a.out)
	if err != nil {
		return err
	}

	cctx, cancel := a.call(ctx)
	defer cancel()

	if err := a.api.VerifyOTP(cctx, a.email, code); err != nil {
		return a.report(err)
	}

	fmt.Fprintln(a.out, "Login successful")
	return nil
}

func (a *App) Resend(ctx context.Context) error {
	email := a.email
	if email == "" {
		var err error
		if email, err = getSimpleText(a.reader, "Enter email", a.out); err != nil {
			return err
		}
	}

	cctx, cancel := a.call(ctx)
	defer cancel()

	if err := a.api.ResendOTP(cctx, email); err != nil {
		return a.report(err)
	}

	a.email = email
	fmt.Fprintf(a.out, "A new code was sent to %s\n", email)
	return nil
}

func (a *App) Refresh(ctx context.Context) error {
	cctx, cancel := a.call(ctx)
	defer cancel()

	if err := a.api.Refresh(cctx); err != nil {
		return a.report(err)
	}
	fmt.Fprintln(a.out, "Tokens refreshed")
	return nil
}

func (a *App) Profile(ctx context.Context) error {
	cctx, cancel := a.call(ctx)
	defer cancel()

	p, err := a.api.Profile(cctx)
	if err != nil {
		return a.report(err)
	}

	fmt.Fprintf(a.out, "ID:    %s\nEmail: %s\nName:  %s\nRoles: %s\n", p.ID, p.Email, p.Name, strings.Join(p.Roles, ", "))
	return nil
}

func (a *App) ChangePassword(ctx context.Context) error {
	current, err := a.readPassword("Current password")
	if err != nil {
		return err
	}
	next, err := a.readPassword("New password")
	if err != nil {
		return err
	}

	cctx, cancel := a.call(ctx)
	defer cancel()

	if err := a.api.ChangePassword(cctx, current, next); err != nil {
		return a.report(err)
	}
	fmt.Fprintln(a.out, "Password changed")
	return nil
}

// AssignRoles replaces another account's roles. Admin only.
func (a *App) AssignRoles(ctx context.Context) error {
	id, err := getSimpleText(a.reader, "Enter account id", a.out)
	if err != nil {
		return err
	}
	roles, err := getSimpleText(a.reader, "Enter roles (comma separated)", a.out)
	if err != nil {
		return err
	}

	cctx, cancel := a.call(ctx)
	defer cancel()

	p, err := a.api.AssignRoles(cctx, id, splitList(roles))
	if err != nil {
		return a.report(err)
	}
	fmt.Fprintf(a.out, "Roles of %s: %s\n", p.Email, strings.Join(p.Roles, ", "))
	return nil
}

func (a *App) Logout(ctx context.Context) error {
	cctx, cancel := a.call(ctx)
	defer cancel()

	err := a.api.Logout(cctx)
	a.email = ""
	if err != nil {
		return a.report(err)
	}
	fmt.Fprintln(a.out, "Logged out")
	return nil
}
