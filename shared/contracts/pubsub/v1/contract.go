// Package v1 defines the pub/sub client protocol v1 contract.
//
// The wire format is the Centrifugo-compatible JSON client protocol: clients send commands,
// the broker answers with replies matched by command id and pushes asynchronous events
// (publications, server-side unsubscribes, disconnects) with id 0.
//
// This package is shared between the client and the dev broker to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Error codes (wire-stable).
const (
	CodeInternal          uint32 = 100
	CodeUnauthorized      uint32 = 101
	CodeUnknownChannel    uint32 = 102
	CodePermissionDenied  uint32 = 103
	CodeAlreadySubscribed uint32 = 105
	CodeBadRequest        uint32 = 107
	CodeTokenExpired      uint32 = 109
)

// Close codes carried in the WebSocket close frame.
// 3000..3499 and 4000..4499 allow reconnect, 3500..3999 and 4500..4999 are terminal.
const (
	CloseShutdown     = 3001
	CloseSlow         = 3008
	CloseWriteError   = 3009
	CloseNoPing       = 3012
	CloseInvalidToken = 3500
	CloseBadRequest   = 3501
	CloseForceNoRecon = 3503
)

// ShouldReconnect reports whether a close code permits automatic reconnect.
func ShouldReconnect(code int) bool {
	switch {
	case code >= 3500 && code < 4000:
		return false
	case code >= 4500 && code < 5000:
		return false
	default:
		return true
	}
}

// Unsubscribe push codes: below 2500 the subscription is terminated, otherwise it should resubscribe.
const (
	UnsubscribeServer       uint32 = 2000
	UnsubscribeInsufficient uint32 = 2500
)

// Command is a single client -> broker request. Exactly one method field must be set,
// except for the empty pong command sent in response to a server ping.
type Command struct {
	ID uint32 `json:"id,omitempty"`

	Connect     *ConnectRequest     `json:"connect,omitempty"`
	Subscribe   *SubscribeRequest   `json:"subscribe,omitempty"`
	Unsubscribe *UnsubscribeRequest `json:"unsubscribe,omitempty"`
	Publish     *PublishRequest     `json:"publish,omitempty"`
	Refresh     *RefreshRequest     `json:"refresh,omitempty"`
}

// IsPong reports whether the command is an empty heartbeat answer.
func (c Command) IsPong() bool {
	return c.ID == 0 && c.methods() == 0
}

func (c Command) methods() int {
	n := 0
	if c.Connect != nil {
		n++
	}
	if c.Subscribe != nil {
		n++
	}
	if c.Unsubscribe != nil {
		n++
	}
	if c.Publish != nil {
		n++
	}
	if c.Refresh != nil {
		n++
	}
	return n
}

// Validate performs structural validation for a Command.
func (c Command) Validate() error {
	if c.IsPong() {
		return nil
	}
	if c.ID == 0 {
		return errors.New("missing field: id")
	}
	switch c.methods() {
	case 0:
		return errors.New("missing method")
	case 1:
	default:
		return errors.New("more than one method set")
	}

	switch {
	case c.Subscribe != nil:
		return validateChannel(c.Subscribe.Channel)
	case c.Unsubscribe != nil:
		return validateChannel(c.Unsubscribe.Channel)
	case c.Publish != nil:
		if err := validateChannel(c.Publish.Channel); err != nil {
			return err
		}
		if len(c.Publish.Data) == 0 {
			return errors.New("missing field: data")
		}
	case c.Refresh != nil:
		if strings.TrimSpace(c.Refresh.Token) == "" {
			return errors.New("missing field: token")
		}
	}
	return nil
}

func validateChannel(ch string) error {
	if strings.TrimSpace(ch) == "" {
		return errors.New("missing field: channel")
	}
	return nil
}

// Reply is a single broker -> client frame entry.
// ID > 0 answers a command. ID == 0 with Push set is an async push.
// ID == 0 without Push is a server ping.
type Reply struct {
	ID    uint32 `json:"id,omitempty"`
	Error *Error `json:"error,omitempty"`
	Push  *Push  `json:"push,omitempty"`

	Connect     *ConnectResult     `json:"connect,omitempty"`
	Subscribe   *SubscribeResult   `json:"subscribe,omitempty"`
	Unsubscribe *UnsubscribeResult `json:"unsubscribe,omitempty"`
	Publish     *PublishResult     `json:"publish,omitempty"`
	Refresh     *RefreshResult     `json:"refresh,omitempty"`
}

// IsPing reports whether the reply is an empty server heartbeat.
func (r Reply) IsPing() bool {
	return r.ID == 0 && r.Push == nil && r.Error == nil
}

// Error is a protocol-level error answer.
type Error struct {
	Code      uint32 `json:"code"`
	Message   string `json:"message"`
	Temporary bool   `json:"temporary,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("pubsub error %d: %s", e.Code, e.Message)
}

// ---- Requests ----

// ConnectRequest authenticates the connection.
type ConnectRequest struct {
	Token   string `json:"token,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// SubscribeRequest joins a channel.
type SubscribeRequest struct {
	Channel string `json:"channel"`
	Token   string `json:"token,omitempty"`
}

// UnsubscribeRequest leaves a channel.
type UnsubscribeRequest struct {
	Channel string `json:"channel"`
}

// PublishRequest publishes data into a channel.
type PublishRequest struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// RefreshRequest replaces the connection token.
type RefreshRequest struct {
	Token string `json:"token"`
}

// ---- Results ----

// ConnectResult is returned for a successful connect.
type ConnectResult struct {
	Client  string `json:"client"`
	Version string `json:"version,omitempty"`
	Expires bool   `json:"expires,omitempty"`
	TTL     uint32 `json:"ttl,omitempty"`
	// Ping is the server ping interval in seconds (0 disables idle detection).
	Ping uint32 `json:"ping,omitempty"`
	Pong bool   `json:"pong,omitempty"`
}

// SubscribeResult is returned for a successful subscribe.
type SubscribeResult struct {
	Recoverable bool `json:"recoverable,omitempty"`
}

// UnsubscribeResult acknowledges an unsubscribe; the broker has released the channel.
type UnsubscribeResult struct{}

// PublishResult acknowledges a publish.
type PublishResult struct{}

// RefreshResult acknowledges a token refresh.
type RefreshResult struct {
	Expires bool   `json:"expires,omitempty"`
	TTL     uint32 `json:"ttl,omitempty"`
}

// ---- Pushes ----

// Push is an asynchronous broker event.
type Push struct {
	Channel     string           `json:"channel,omitempty"`
	Pub         *Publication     `json:"pub,omitempty"`
	Unsubscribe *UnsubscribePush `json:"unsubscribe,omitempty"`
	Disconnect  *DisconnectPush  `json:"disconnect,omitempty"`
}

// Publication is a message delivered into a channel.
type Publication struct {
	Data   json.RawMessage `json:"data"`
	Offset uint64          `json:"offset,omitempty"`
	Info   *ClientInfo     `json:"info,omitempty"`
}

// ClientInfo describes the publisher connection.
type ClientInfo struct {
	User   string `json:"user"`
	Client string `json:"client"`
}

// UnsubscribePush tells the client the broker removed its subscription.
type UnsubscribePush struct {
	Code   uint32 `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// DisconnectPush tells the client the broker is closing the connection.
type DisconnectPush struct {
	Code   uint32 `json:"code"`
	Reason string `json:"reason"`
}
