package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNewRedisClientTreatsEmptyURLAsDisabled(t *testing.T) {
	client, err := NewRedisClient(context.Background(), "  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client != nil {
		t.Fatalf("expected nil client for empty url")
	}
}

func TestNewRedisClientRejectsMalformedURL(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), "http://not-redis"); err == nil {
		t.Fatalf("expected parse error for non-redis scheme")
	}
}

func TestNewRedisBridgeRequiresClient(t *testing.T) {
	if _, err := NewRedisBridge(RedisBridgeConfig{}); err == nil {
		t.Fatalf("expected error without client")
	}
}

func TestRedisBridgeRelaySkipsOwnMessages(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	dispatcher := NewDispatcher()
	bridge, err := NewRedisBridge(RedisBridgeConfig{Client: client, Dispatcher: dispatcher})
	if err != nil {
		t.Fatalf("failed to build bridge: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, unsubscribe := bridge.Subscribe(ctx, "user-1")
	defer unsubscribe()

	own, _ := json.Marshal(redisEnvelope{Origin: bridge.origin, Message: Message{UserID: "user-1", EventType: EventUserChanged}})
	bridge.relay(string(own))
	select {
	case <-stream:
		t.Fatal("did not expect own message to be relayed")
	case <-time.After(100 * time.Millisecond):
	}

	peer, _ := json.Marshal(redisEnvelope{Origin: "peer", Message: Message{UserID: "user-1", EventType: EventUserDeleted}})
	bridge.relay(string(peer))
	select {
	case message := <-stream:
		if message.EventType != EventUserDeleted {
			t.Fatalf("unexpected event %s", message.EventType)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected peer message to be relayed")
	}

	bridge.relay("not-json")
}
