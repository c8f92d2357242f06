package realtime

import (
	"context"
	"testing"

	"topicchat/cmd/internal/gateway"
	"topicchat/cmd/internal/session"
	"topicchat/cmd/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndToEnd_LoginConnectSubscribeSend(t *testing.T) {
	b := startBackend(t, nil)
	ctx := context.Background()

	sess := session.New(storage.NewMemory(), session.DefaultConfig(), nil)
	gw, err := gateway.New(gateway.Config{BaseURL: b.http.URL + "/api"}, sess)
	require.NoError(t, err)

	resp, err := gw.Login(ctx, gateway.LoginRequest{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	require.NoError(t, sess.Login(ctx, resp.Token, resp.RealtimeToken, resp.User))

	me, err := gw.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user_alice", me.ID)

	m := newTestManager(t, b)
	require.NoError(t, m.Connect(ctx, sess.RealtimeToken()))
	require.NoError(t, m.SubscribeToTopic(ctx, "general"))
	require.NoError(t, m.SendMessage(ctx, "hi", sess.Snapshot().User.Username))

	require.Eventually(t, func() bool { return len(messagesOf(m)) == 1 }, waitFor, tick)
	msg := messagesOf(m)[0]
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "general", msg.Topic)
	assert.Equal(t, "alice", msg.Username)

	st := m.Chat().Snapshot()
	assert.True(t, st.IsConnected)
	assert.Equal(t, "general", st.ActiveTopic)
}
