// Package session keeps the application's notion of "the current user" in
// sync with an external auth backend.
//
// # Overview
//
// A Synchronizer owns a single canonical State. Two independent sources
// write into it:
//  1. the initial session fetch, performed once by Start;
//  2. the backend's auth state change stream, subscribed to by Start and
//     held until Close (or until the context passed to Start ends).
//
// Both sources only post updates; a single apply goroutine commits them in
// arrival order, so the most recently resolved source wins. Reads never
// block and always observe a whole State.
//
// # Operations
//
// Login, SignUp, LoginWithOAuth and Logout call the backend and return a
// best-effort result for immediate feedback. They never write the canonical
// State themselves: the backend reports the outcome through its event
// stream, and that is the only path that changes who is signed in.
//
// # Error Handling
//
// Backend errors and panics raised while talking to the backend or handling
// its events are logged and turned into nil/false results. Nothing escapes
// the event handler, so one bad notification cannot stop the subscription.
//
// # Settle Signal
//
// Until the initial fetch resolves, State.Settled is false and Ready is
// open. Callers should hold back identity-dependent behavior until then to
// tell "not yet known" apart from "known to be signed out".
package session
