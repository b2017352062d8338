package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-battle-api/pkg/sandbox"
)

func newRelayRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	return server
}

func newRelayClient(t *testing.T, server *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestBattleRelayDeliversForeignEventsOnly(t *testing.T) {
	server := newRelayRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeA := NewBattleRelay(RelayConfig{Redis: newRelayClient(t, server), Channel: "test"}, zerolog.Nop())
	nodeB := NewBattleRelay(RelayConfig{Redis: newRelayClient(t, server), Channel: "test"}, zerolog.Nop())
	defer nodeA.Close()
	defer nodeB.Close()

	receivedA := make(chan RelayEvent, 4)
	receivedB := make(chan RelayEvent, 4)
	require.NoError(t, nodeA.Start(ctx, func(e RelayEvent) { receivedA <- e }))
	require.NoError(t, nodeB.Start(ctx, func(e RelayEvent) { receivedB <- e }))

	require.NoError(t, nodeA.Publish(ctx, "R", "chat_message", []byte(`{"type":"chat_message","message":"hi","sender":"alice"}`)))

	select {
	case event := <-receivedB:
		require.Equal(t, "R", event.Room)
		require.Equal(t, "chat_message", event.Type)
		require.Equal(t, nodeA.NodeID(), event.Source)
		require.JSONEq(t, `{"type":"chat_message","message":"hi","sender":"alice"}`, string(event.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("relayed event not received")
	}

	select {
	case event := <-receivedA:
		t.Fatalf("node received its own event: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBattleRelayIgnoresDuplicates(t *testing.T) {
	relay := NewBattleRelay(RelayConfig{}, zerolog.Nop())
	require.False(t, relay.Enabled())
	require.NoError(t, relay.Publish(context.Background(), "R", "chat_message", []byte(`{}`)))

	delivered := 0
	deliver := func(RelayEvent) { delivered++ }
	data := []byte(`{"id":"e1","source":"other","room":"R","type":"chat_message","payload":{}}`)
	relay.handle("redis", data, deliver)
	relay.handle("nats", data, deliver)
	relay.handle("redis", []byte(`{"id":"e2","source":"other","room":"","type":"chat_message"}`), deliver)
	relay.handle("redis", []byte(`not json`), deliver)

	require.Equal(t, 1, delivered)
}

func TestBattleServiceAcrossNodes(t *testing.T) {
	server := newRelayRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newNode := func() *battleFixture {
		f := newBattleFixture(t)
		relay := NewBattleRelay(RelayConfig{Redis: newRelayClient(t, server), Channel: "test"}, zerolog.Nop())
		t.Cleanup(func() { _ = relay.Close() })
		verdicts := NewVerdictService(f.executor, sandbox.NewPool(2), zerolog.Nop())
		f.service = NewBattleService(f.tasks, f.sink, verdicts, f.hub, relay, nil, zerolog.Nop(), BattleServiceConfig{})
		require.NoError(t, f.service.Start(ctx))
		return f
	}

	node1 := newNode()
	node2 := newNode()

	a, _ := node1.connect(t, "R", Identity{})
	b, _ := node2.connect(t, "R", Identity{})

	a.push(t, map[string]interface{}{"type": "chat_message", "message": "hello from node1"})
	require.Equal(t, "hello from node1", a.next(t)["message"])
	require.Equal(t, "hello from node1", b.next(t)["message"])

	a.push(t, map[string]interface{}{"type": "code_submit", "code": "good", "task_id": 1})
	require.Equal(t, "submission_result", a.next(t)["type"])
	require.Equal(t, "game_over", a.next(t)["type"])
	require.Equal(t, "game_over", b.next(t)["type"])
	require.False(t, node2.hub.Active("R"))

	b.push(t, map[string]interface{}{"type": "code_submit", "code": "good", "task_id": 1})
	require.Equal(t, "submission_result", b.next(t)["type"])
	b.expectNone(t, 100*time.Millisecond)
	a.expectNone(t, 50*time.Millisecond)
}

func TestBattleRelayRemembersOnlyRecentEventIDs(t *testing.T) {
	relay := NewBattleRelay(RelayConfig{}, zerolog.Nop())

	for i := 0; i < 5*relaySeenCapacity; i++ {
		require.False(t, relay.duplicate(fmt.Sprintf("event-%d", i)))
	}

	require.Len(t, relay.seen, relaySeenCapacity)
	require.Len(t, relay.seenOrder, relaySeenCapacity)

	latest := fmt.Sprintf("event-%d", 5*relaySeenCapacity-1)
	require.True(t, relay.duplicate(latest))
	require.False(t, relay.duplicate("event-0"))
	require.Len(t, relay.seen, relaySeenCapacity)
}
