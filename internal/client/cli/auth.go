package cli

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/authsync/internal/common"
	"github.com/dmitrijs2005/authsync/internal/session"
)

// getSimpleText and getPassword are indirections used to facilitate testing.
var getSimpleText = GetSimpleText
var getPassword = GetPassword

var errCancelled = errors.New("cancelled")

func (a *App) promptCredentials() (string, []byte, error) {
	email, err := getSimpleText(a.reader, "Enter email", a.out)
	if err != nil {
		return "", nil, err
	}
	if email == "" {
		return "", nil, errCancelled
	}
	password, err := getPassword(a.out)
	if err != nil {
		return "", nil, err
	}
	return email, password, nil
}

// Login prompts for credentials and signs in with them. The prompt shows
// the new user once the signed-in event has been applied.
func (a *App) Login(ctx context.Context) error {
	email, password, err := a.promptCredentials()
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	u := a.state.Login(ctx, email, string(password))
	if u == nil {
		printlnFn("Login failed")
		return nil
	}

	printlnFn("Welcome,", u.Name)
	printlnFn("Landing page:", session.State{IsAuthenticated: true, User: u}.LandingRoute())
	return nil
}

// SignUp creates an account. Depending on the server, the new user is
// either signed in right away or has to confirm the email first.
func (a *App) SignUp(ctx context.Context) error {
	email, password, err := a.promptCredentials()
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	u := a.state.SignUp(ctx, email, string(password))
	if u == nil {
		printlnFn("Sign-up failed")
		return nil
	}

	printlnFn("Account created for", u.Email)
	return nil
}

// OAuth starts a sign-in with an external provider.
func (a *App) OAuth(ctx context.Context, provider string) error {
	if provider == "" {
		printlnFn("Usage: oauth <google|github>")
		return nil
	}
	if !a.state.LoginWithOAuth(ctx, provider) {
		printlnFn("Could not start", provider, "sign-in")
		return nil
	}
	printlnFn("Waiting for", provider, "sign-in to complete...")
	return nil
}

func (a *App) Logout(ctx context.Context) error {
	if !a.state.Logout(ctx) {
		printlnFn("Logout failed")
	}
	return nil
}

// LogoutAll revokes every session of the user, on all devices.
func (a *App) LogoutAll(ctx context.Context) error {
	if err := a.account.SignOutEverywhere(ctx); err != nil {
		printlnFn("Logout failed:", err)
		return err
	}
	return nil
}
