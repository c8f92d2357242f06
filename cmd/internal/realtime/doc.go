// Package realtime implements the pub/sub client and the chat Connection Manager.
//
// Client owns one WebSocket connection speaking the pubsub v1 protocol. It reconnects with
// exponential backoff, restores subscriptions after a reconnect and reports lifecycle changes
// as typed events.
//
// Manager owns a Client and the set of channel subscriptions that back the chat view. Switching
// topics tears down every tracked subscription (waiting for the broker's unsubscribe reply)
// before the new channel set is subscribed.
package realtime
