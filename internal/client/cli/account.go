package cli

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/authsync/internal/client/client"
	"github.com/dmitrijs2005/authsync/internal/identity"
)

func (a *App) WhoAmI(ctx context.Context) error {
	st := a.state.Current()
	if st.User == nil {
		printlnFn("Not logged in")
		return nil
	}
	u := st.User
	printlnFn("ID:     ", u.ID)
	printlnFn("Email:  ", u.Email)
	printlnFn("Name:   ", u.Name)
	printlnFn("Roles:  ", formatRoles(u.Roles))
	printlnFn("Created:", u.CreatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

// Roles shows the roles the server currently holds for the user, which may
// be newer than the local copy.
func (a *App) Roles(ctx context.Context) error {
	if !a.isLoggedIn() {
		printlnFn("Not logged in")
		return nil
	}
	raw, err := a.account.GetUser(ctx)
	if err != nil {
		printlnFn("Could not fetch user:", err)
		return err
	}
	u := identity.Map(*raw)
	printlnFn("Roles:", formatRoles(u.Roles))
	return nil
}

// Profile updates the display name.
func (a *App) Profile(ctx context.Context) error {
	if !a.isLoggedIn() {
		printlnFn("Not logged in")
		return nil
	}
	name, err := getSimpleText(a.reader, "Enter full name", a.out)
	if err != nil {
		return err
	}
	if _, err := a.account.UpdateUser(ctx, map[string]any{identity.MetaFullName: name}); err != nil {
		printlnFn("Update failed:", err)
		return err
	}
	printlnFn("Profile updated")
	return nil
}

// Admin is the admin-only view: it assigns roles to another user.
func (a *App) Admin(ctx context.Context) error {
	if !a.state.HasRole(identity.RoleAdmin) {
		printlnFn("Access denied: admin role required")
		return nil
	}

	userID, err := getSimpleText(a.reader, "Enter user id", a.out)
	if err != nil {
		return err
	}
	line, err := getSimpleText(a.reader, "Enter roles (comma separated)", a.out)
	if err != nil {
		return err
	}

	var roles []identity.Role
	for _, name := range splitList(line) {
		r, ok := identity.ParseRole(name)
		if !ok {
			printlnFn("Unknown role:", name)
			return nil
		}
		roles = append(roles, r)
	}

	raw, err := a.account.SetRoles(ctx, userID, roles)
	if err != nil {
		if errors.Is(err, client.ErrForbidden) {
			printlnFn("Access denied by server")
		} else {
			printlnFn("Could not update roles:", err)
		}
		return err
	}
	u := identity.Map(*raw)
	printlnFn(u.Email, "now has roles:", formatRoles(u.Roles))
	return nil
}

func (a *App) Ping(ctx context.Context) error {
	if err := a.account.Ping(ctx); err != nil {
		printlnFn("Server unavailable:", err)
		return err
	}
	printlnFn("Server OK")
	return nil
}
