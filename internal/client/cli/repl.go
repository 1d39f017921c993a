package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output.
var printlnFn = fmt.Println

// execIface is the command surface the REPL drives. *App satisfies it.
type execIface interface {
	isLoggedIn() bool
	Login(ctx context.Context) error
	SignUp(ctx context.Context) error
	OAuth(ctx context.Context, provider string) error
	Logout(ctx context.Context) error
	LogoutAll(ctx context.Context) error
	WhoAmI(ctx context.Context) error
	Roles(ctx context.Context) error
	Profile(ctx context.Context) error
	Admin(ctx context.Context) error
	Ping(ctx context.Context) error
}

// runREPL reads commands from scanner until EOF, "exit"/"quit" or ctx
// ends. Handler errors are ignored here; handlers report them to the user.
func runREPL(ctx context.Context, a execIface, statusFn func() string, scanner *bufio.Scanner) {
	for ctx.Err() == nil {
		printlnFn(fmt.Sprintf("authsync %s> ", statusFn()))
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		switch cmd {
		case "help":
			if a.isLoggedIn() {
				printlnFn("Available commands: whoami, roles, profile, admin, logout, logout-all, ping, exit")
			} else {
				printlnFn("Available commands: login, signup, oauth <provider>, ping, exit")
			}

		case "login":
			_ = a.Login(ctx)

		case "signup", "register":
			_ = a.SignUp(ctx)

		case "oauth":
			provider := ""
			if len(args) > 0 {
				provider = args[0]
			}
			_ = a.OAuth(ctx, provider)

		case "logout":
			_ = a.Logout(ctx)

		case "logout-all":
			_ = a.LogoutAll(ctx)

		case "whoami":
			_ = a.WhoAmI(ctx)

		case "roles":
			_ = a.Roles(ctx)

		case "profile":
			_ = a.Profile(ctx)

		case "admin":
			_ = a.Admin(ctx)

		case "ping":
			_ = a.Ping(ctx)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}
	}
}
