// Package cli provides the interactive authsync command-line client.
//
// It wires configuration, the local session database, the gRPC auth
// client and the session synchronizer, then runs a REPL on top of the
// synchronized state. The prompt always reflects the current user, and
// state changes pushed by the server (role changes, sign-out from another
// device) are printed as they happen.
//
// Commands:
//   - login / signup / oauth <provider>
//   - logout / logout-all
//   - whoami / roles / profile
//   - admin (requires the admin role)
//   - ping / help / exit
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
package cli
