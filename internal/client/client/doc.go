// Package client talks to the authd service over gRPC and exposes it as a
// session.Backend.
//
// # Overview
//
// GRPCClient keeps the current session in memory and in the local SQLite
// metadata store, attaches the access token to outgoing calls, refreshes
// it when the server reports it expired, and keeps a Watch stream open
// while someone is signed in so that server-side changes (role updates,
// global sign-out) reach the local subscribers.
//
// Auth state changes are delivered to subscribers in order on a dedicated
// goroutine, never on the caller's goroutine.
//
// # Error Handling
//
// gRPC status codes are mapped to the sentinel errors in errors.go so
// callers can match them with errors.Is.
package client
