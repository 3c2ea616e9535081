// Package publish announces finished turns on a Redis pub/sub channel.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"go-turns/internal/response"
	"go-turns/internal/turn"
)

const (
	DefaultChannel = "turns:finished"
	DefaultTimeout = 5 * time.Second
	DefaultRetries = 3
)

type Config struct {
	// URL has the form redis://[:password@]host:port[/db].
	URL     string
	Channel string
	Timeout time.Duration
	Retries int
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
}

// Message is the JSON payload published for one finished turn.
type Message struct {
	ConversationID string             `json:"conversation_id"`
	TurnID         string             `json:"turn_id"`
	State          turn.State         `json:"state"`
	Error          string             `json:"error,omitempty"`
	Response       *response.Document `json:"response,omitempty"`
}

// Notifier publishes terminal turn snapshots and ignores the rest. It
// implements turn.Persister.
type Notifier struct {
	config Config
	client *goredis.Client
}

func New(cfg Config) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis notifier requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis notifier: invalid URL: %w", err)
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &Notifier{config: cfg, client: goredis.NewClient(opts)}, nil
}

func (n *Notifier) Persist(ctx context.Context, snap turn.Snapshot) error {
	if !snap.State.Terminal() {
		return nil
	}
	return n.Publish(ctx, Message{
		ConversationID: snap.ConversationID,
		TurnID:         snap.TurnID,
		State:          snap.State,
		Error:          snap.Error,
		Response:       snap.Document,
	})
}

// Publish sends msg with exponential backoff between attempts.
func (n *Notifier) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis: marshal message: %w", err)
	}

	var lastErr error
	attempts := 1 + n.config.Retries
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("redis: context canceled: %w", err)
		}
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * n.config.Backoff
			select {
			case <-ctx.Done():
				return fmt.Errorf("redis: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, n.config.Timeout)
		lastErr = n.client.Publish(publishCtx, n.config.Channel, body).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("redis: failed after %d attempts: %w", attempts, lastErr)
}

func (n *Notifier) Close() error {
	return n.client.Close()
}

var _ turn.Persister = (*Notifier)(nil)
