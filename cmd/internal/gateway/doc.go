// Package gateway is the REST client for the chat backend.
//
// Every call goes through one request primitive that attaches the JSON content type and the
// bearer token, maps non-2xx statuses and transport failures to *Error, and decodes the JSON
// response. The gateway never retries; callers own retry policy.
package gateway
