package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisChannel = "wishr:user-changes"

var errMissingRedisClient = errors.New("realtime: redis client required")

// NewRedisClient parses the URL and verifies connectivity. It returns nil, nil when the URL
// is empty so callers can treat Redis as optional.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, nil
	}
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("realtime: redis ping failed: %w", err)
	}
	return client, nil
}

// RedisBridgeConfig describes a bridge between the local dispatcher and a Redis channel.
type RedisBridgeConfig struct {
	Client     *redis.Client
	Dispatcher *Dispatcher
	Channel    string
	Logger     *zap.Logger
}

// RedisBridge relays change messages between instances so a subscription held by one
// process observes writes performed by another.
type RedisBridge struct {
	client     *redis.Client
	dispatcher *Dispatcher
	channel    string
	origin     string
	logger     *zap.Logger
}

type redisEnvelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

// NewRedisBridge constructs a bridge; a nil dispatcher gets a fresh one.
func NewRedisBridge(cfg RedisBridgeConfig) (*RedisBridge, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = defaultRedisChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		client:     cfg.Client,
		dispatcher: dispatcher,
		channel:    channel,
		origin:     uuid.NewString(),
		logger:     logger,
	}, nil
}

// Subscribe registers a local subscriber.
func (b *RedisBridge) Subscribe(ctx context.Context, userID string) (<-chan Message, func()) {
	return b.dispatcher.Subscribe(ctx, userID)
}

// Publish delivers the message locally and forwards it to peer instances.
func (b *RedisBridge) Publish(message Message) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	b.dispatcher.Publish(message)

	payload, err := json.Marshal(redisEnvelope{Origin: b.origin, Message: message})
	if err != nil {
		b.logger.Error("failed to encode realtime message", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Warn("failed to forward realtime message", zap.String("user_id", message.UserID), zap.Error(err))
	}
}

// Run relays messages published by other instances until ctx ends.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("realtime: subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("realtime relay started", zap.String("channel", b.channel))

	incoming := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-incoming:
			if !ok {
				return nil
			}
			b.relay(delivery.Payload)
		}
	}
}

func (b *RedisBridge) relay(payload string) {
	var envelope redisEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		b.logger.Warn("discarding malformed realtime message", zap.Error(err))
		return
	}
	if envelope.Origin == b.origin {
		return
	}
	b.dispatcher.Publish(envelope.Message)
}
