package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	v1 "topicchat/shared/contracts/pubsub/v1"
)

// SubState is the state of a channel subscription.
type SubState int32

const (
	SubStateUnsubscribed SubState = iota
	SubStateSubscribing
	SubStateSubscribed
)

func (s SubState) String() string {
	switch s {
	case SubStateUnsubscribed:
		return "unsubscribed"
	case SubStateSubscribing:
		return "subscribing"
	case SubStateSubscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("substate(%d)", int32(s))
	}
}

// Subscription is one channel subscription owned by a Client registry.
// Publications are delivered only while the subscription is Subscribed.
type Subscription struct {
	client  *Client
	channel string

	mu       sync.Mutex
	state    SubState
	inflight bool

	onPublication  listeners[PublicationEvent]
	onSubscribed   listeners[SubscribedEvent]
	onUnsubscribed listeners[UnsubscribedEvent]
	onError        listeners[SubscriptionErrorEvent]
}

func newSubscription(c *Client, channel string) *Subscription {
	return &Subscription{client: c, channel: channel}
}

// Channel returns the channel name.
func (s *Subscription) Channel() string { return s.channel }

// State returns the subscription state.
func (s *Subscription) State() SubState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) OnPublication(fn func(PublicationEvent)) { s.onPublication.add(fn) }
func (s *Subscription) OnSubscribed(fn func(SubscribedEvent)) { s.onSubscribed.add(fn) }
func (s *Subscription) OnUnsubscribed(fn func(UnsubscribedEvent)) { s.onUnsubscribed.add(fn) }
func (s *Subscription) OnError(fn func(SubscriptionErrorEvent)) { s.onError.add(fn) }

// RemoveAllListeners detaches every handler.
func (s *Subscription) RemoveAllListeners() {
	s.onPublication.reset()
	s.onSubscribed.reset()
	s.onUnsubscribed.reset()
	s.onError.reset()
}

// Subscribe asks the broker to join the channel. It is a no-op when already Subscribed.
// When the client is not connected the subscription stays Subscribing and is sent after connect.
func (s *Subscription) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.state == SubStateSubscribed || s.inflight {
		s.mu.Unlock()
		return nil
	}
	s.state = SubStateSubscribing
	s.mu.Unlock()

	if !s.client.connected() {
		return nil
	}
	return s.send(ctx)
}

// send issues the subscribe command for a Subscribing subscription.
func (s *Subscription) send(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SubStateSubscribing || s.inflight {
		s.mu.Unlock()
		return nil
	}
	s.inflight = true
	s.mu.Unlock()

	// The state flips on the read goroutine so publications following the reply are delivered.
	joined := false
	_, err := s.client.callWith(ctx, v1.Command{Subscribe: &v1.SubscribeRequest{Channel: s.channel}}, func(r v1.Reply) {
		if r.Error != nil && r.Error.Code != v1.CodeAlreadySubscribed {
			return
		}
		s.mu.Lock()
		if s.state == SubStateSubscribing {
			s.state = SubStateSubscribed
			joined = true
		}
		s.mu.Unlock()
	})

	var pe *v1.Error
	if errors.As(err, &pe) && pe.Code == v1.CodeAlreadySubscribed {
		err = nil
	}

	s.mu.Lock()
	s.inflight = false

	if err != nil {
		// Connection loss keeps the subscription pending; it is resent after reconnect.
		if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClientClosed) {
			s.mu.Unlock()
			return nil
		}

		terminal := pe != nil && !pe.Temporary && s.state == SubStateSubscribing
		if terminal {
			s.state = SubStateUnsubscribed
		}
		s.mu.Unlock()

		s.client.log.Warn("realtime.subscribe.fail", "channel", s.channel, "err", err)
		s.onError.emit(SubscriptionErrorEvent{Channel: s.channel, Err: err})
		if terminal {
			s.onUnsubscribed.emit(UnsubscribedEvent{Channel: s.channel, Code: pe.Code, Reason: pe.Message})
		}
		return err
	}

	if !joined {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.client.log.Debug("realtime.subscribe.ok", "channel", s.channel)
	s.onSubscribed.emit(SubscribedEvent{Channel: s.channel})
	return nil
}

// Unsubscribe leaves the channel. When connected it blocks until the broker acknowledges,
// so a return without error means the broker no longer routes the channel to this client.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	s.state = SubStateUnsubscribed
	s.mu.Unlock()

	if prev == SubStateUnsubscribed {
		return nil
	}

	var err error
	if s.client.connected() {
		_, err = s.client.call(ctx, v1.Command{Unsubscribe: &v1.UnsubscribeRequest{Channel: s.channel}})
		if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrClientClosed) {
			// The broker drops subscriptions together with the connection.
			err = nil
		}
	}
	if err != nil {
		s.client.log.Warn("realtime.unsubscribe.fail", "channel", s.channel, "err", err)
	} else {
		s.client.log.Debug("realtime.unsubscribe.ok", "channel", s.channel)
	}

	s.onUnsubscribed.emit(UnsubscribedEvent{Channel: s.channel, Code: CodeUnsubscribeCalled, Reason: "unsubscribe called"})
	return err
}

// Publish sends data into the channel. data may be json.RawMessage, []byte (JSON) or any
// value encodable with encoding/json.
func (s *Subscription) Publish(ctx context.Context, data any) error {
	raw, err := encodeData(data)
	if err != nil {
		return err
	}
	if _, err := s.client.call(ctx, v1.Command{Publish: &v1.PublishRequest{Channel: s.channel, Data: raw}}); err != nil {
		return err
	}
	s.client.metrics.PublicationSent(s.channel)
	return nil
}

func encodeData(data any) (json.RawMessage, error) {
	var raw []byte
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("realtime: encode publication: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, errors.New("realtime: publication data is not valid JSON")
	}
	return raw, nil
}

func (s *Subscription) handlePublication(p v1.Publication) {
	if s.State() != SubStateSubscribed {
		s.client.metrics.PublicationDropped(s.channel)
		return
	}
	s.client.metrics.PublicationReceived(s.channel)
	s.onPublication.emit(PublicationEvent{
		Channel: s.channel,
		Data:    p.Data,
		Offset:  p.Offset,
		Info:    p.Info,
	})
}

// handleServerUnsubscribe applies a broker-initiated unsubscribe.
// Codes at or above UnsubscribeInsufficient ask the client to subscribe again.
func (s *Subscription) handleServerUnsubscribe(p v1.UnsubscribePush) {
	if p.Code >= v1.UnsubscribeInsufficient {
		s.mu.Lock()
		resubscribe := s.state == SubStateSubscribed
		if resubscribe {
			s.state = SubStateSubscribing
		}
		s.mu.Unlock()

		if resubscribe {
			s.client.log.Info("realtime.subscription.resubscribe", "channel", s.channel, "code", p.Code)
			go func() { _ = s.send(context.Background()) }()
		}
		return
	}

	s.mu.Lock()
	prev := s.state
	s.state = SubStateUnsubscribed
	s.mu.Unlock()

	if prev != SubStateUnsubscribed {
		s.client.log.Info("realtime.subscription.server_unsubscribe", "channel", s.channel, "code", p.Code, "reason", p.Reason)
		s.onUnsubscribed.emit(UnsubscribedEvent{Channel: s.channel, Code: p.Code, Reason: p.Reason})
	}
}

func (s *Subscription) moveToSubscribing() {
	s.mu.Lock()
	if s.state == SubStateSubscribed {
		s.state = SubStateSubscribing
	}
	s.mu.Unlock()
}
