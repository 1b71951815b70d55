package remotes_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/orneryd/suset/pkg/clock"
	"github.com/orneryd/suset/pkg/delta"
	"github.com/orneryd/suset/pkg/remotes"
	"github.com/orneryd/suset/pkg/tidindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenesisElectionFirstCloneSeesEmptyRegistry(t *testing.T) {
	broker := remotes.NewLoopback()
	r := remotes.New(broker, remotes.Options{Domain: "test", CloneID: "a", SendTimeout: 200 * time.Millisecond})

	ctx := context.Background()
	_, ok, err := r.ReadRegistry(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "no clone has announced yet")

	require.NoError(t, r.AnnounceGenesis(ctx))
	id, ok, err := r.ReadRegistry(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", id)
}

func TestBroadcastSuppressesOwnEcho(t *testing.T) {
	broker := remotes.NewLoopback()
	a := remotes.New(broker, remotes.Options{Domain: "test", CloneID: "a"})
	b := remotes.New(broker, remotes.Options{Domain: "test", CloneID: "b"})

	ctx := context.Background()
	var received []delta.Message
	require.NoError(t, a.Start(ctx, func(msg delta.Message) { received = append(received, msg) }))
	require.NoError(t, b.Start(ctx, func(msg delta.Message) { t.Fatal("b must not receive its own broadcast") }))

	msg := delta.Message{
		Tid:  uuid.NewString(),
		Time: clock.GENESIS.Tick(),
		Delta: delta.EncodedDelta{
			Version: delta.Version,
			Inserts: []tidindex.Triple{{S: "fred", P: "name", O: "Fred"}},
		},
	}
	require.NoError(t, b.Broadcast(ctx, msg))

	require.Len(t, received, 1)
	assert.Equal(t, msg.Tid, received[0].Tid)
}

func TestSendTimesOutWithoutResponder(t *testing.T) {
	broker := remotes.NewLoopback()
	broker.SetPresent([]string{"server"})
	client := remotes.New(broker, remotes.Options{Domain: "test", CloneID: "client", SendTimeout: time.Second})
	server := remotes.New(broker, remotes.Options{Domain: "test", CloneID: "server"})

	ctx := context.Background()
	require.NoError(t, client.Start(ctx, func(delta.Message) {}))
	require.NoError(t, server.Start(ctx, func(delta.Message) {}))

	_, peer, err := client.Send(ctxWithTimeout(t), "ping", map[string]string{"hello": "world"})
	assert.ErrorIs(t, err, remotes.ErrSendTimeout, "no reply handler registered, so Send must time out")
	assert.Equal(t, "", peer)
}

func ctxWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSnapshotStreamRoundTrip(t *testing.T) {
	broker := remotes.NewLoopback()
	broker.SetPresent([]string{"server"})
	client := remotes.New(broker, remotes.Options{Domain: "test", CloneID: "client", SendTimeout: time.Second})
	server := remotes.New(broker, remotes.Options{Domain: "test", CloneID: "server"})

	ctx := context.Background()
	require.NoError(t, client.Start(ctx, func(delta.Message) {}))
	require.NoError(t, server.Start(ctx, func(delta.Message) {}))

	batch1, _ := json.Marshal(map[string]string{"batch": "1"})
	batch2, _ := json.Marshal(map[string]string{"batch": "2"})
	meta, _ := json.Marshal(map[string]string{"lastHash": "abc"})
	require.NoError(t, server.HandleSnapshotRequests(ctx, func(context.Context) (json.RawMessage, []json.RawMessage, error) {
		return meta, []json.RawMessage{batch1, batch2}, nil
	}))

	gotMeta, batches, err := client.RequestSnapshot(ctxWithTimeout(t))
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.JSONEq(t, string(meta), string(gotMeta))
	assert.JSONEq(t, string(batch1), string(batches[0]))
	assert.JSONEq(t, string(batch2), string(batches[1]))
}
