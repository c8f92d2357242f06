// Package session holds the client's authentication state.
//
// The Store mirrors the authenticated user, the session token and the optional realtime token,
// persists them to a storage.KV and restores them at process start. Observers subscribe to state
// changes; the chat UI and the CLI render from those snapshots.
//
// Restoring is all-or-nothing: partial or malformed persisted data results in a logged-out state.
package session
