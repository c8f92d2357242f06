// Package mockbackend is an in-process development backend for the chat client.
//
// It serves the REST API (login, current user, realtime token, health, server-side publish)
// with gin and a pubsub v1 broker over WebSocket. Tokens are HS256 JWTs. Everything is kept in
// memory; it backs the realtime end-to-end tests and the topicchat-mock binary.
package mockbackend
