package mockbackend

import (
	"encoding/json"
	"log/slog"
	"testing"

	v1 "topicchat/shared/contracts/pubsub/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_Membership(t *testing.T) {
	ch := NewChannel(slog.New(slog.DiscardHandler), "chat:general")
	a := NewConn("a", 8)
	b := NewConn("b", 8)

	ack := v1.Reply{ID: 3, Subscribe: &v1.SubscribeResult{}}
	assert.True(t, ch.Join(a, &ack))
	assert.False(t, ch.Join(a, &ack))
	assert.True(t, ch.Join(b, nil))

	assert.Equal(t, []string{"a", "b"}, ch.Members())
	assert.Equal(t, []string{"chat:general"}, a.Channels())
	require.Len(t, a.Send, 1, "ack queued once")
	assert.Equal(t, uint32(3), (<-a.Send).ID)

	assert.True(t, ch.Leave("a"))
	assert.False(t, ch.Leave("a"))
	assert.False(t, ch.Has("a"))
	assert.Empty(t, a.Channels())
}

func TestChannel_BroadcastOffsets(t *testing.T) {
	ch := NewChannel(slog.New(slog.DiscardHandler), "chat:tech")
	a := NewConn("a", 8)
	ch.Join(a, nil)

	off, n := ch.Broadcast(json.RawMessage(`{"n":1}`), nil)
	assert.Equal(t, uint64(1), off)
	assert.Equal(t, 1, n)
	off, _ = ch.Broadcast(json.RawMessage(`{"n":2}`), &v1.ClientInfo{User: "u", Client: "c"})
	assert.Equal(t, uint64(2), off)

	first := <-a.Send
	second := <-a.Send
	assert.Equal(t, uint64(1), first.Push.Pub.Offset)
	assert.Equal(t, "chat:tech", first.Push.Channel)
	assert.Equal(t, uint64(2), second.Push.Pub.Offset)
	assert.Equal(t, "u", second.Push.Pub.Info.User)
}

func TestChannel_SlowConsumerIsDisconnected(t *testing.T) {
	ch := NewChannel(slog.New(slog.DiscardHandler), "chat:random")
	slow := NewConn("slow", 1)
	ch.Join(slow, nil)

	_, n := ch.Broadcast(json.RawMessage(`{}`), nil)
	assert.Equal(t, 1, n)
	_, n = ch.Broadcast(json.RawMessage(`{}`), nil)
	assert.Equal(t, 0, n)

	require.Len(t, slow.kick, 1)
	k := <-slow.kick
	assert.Equal(t, v1.CloseSlow, k.code)
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	c := NewConn("x", 1)
	c.Close()
	c.Close()

	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.False(t, c.enqueue(v1.Reply{}))

	var nilConn *Conn
	nilConn.Close()
	<-nilConn.Done()
}
