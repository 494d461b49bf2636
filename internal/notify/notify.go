// Package notify fans out "document changed" signals per user.
package notify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Notifier is the abstraction over different backends. Signals carry no
// payload: subscribers reload the document themselves. Bursts of changes may
// be coalesced into one signal.
type Notifier interface {
	Publish(ctx context.Context, userID string) error
	Subscribe(ctx context.Context, userID string) (<-chan struct{}, error)
}

// New picks a backend by name ("memory" or "redis"). redisAddr is only
// used by the redis backend, which owns its client.
func New(backend, redisAddr string) (Notifier, error) {
	switch backend {
	case "memory":
		return NewInMemory(), nil
	case "redis":
		if redisAddr == "" {
			return nil, fmt.Errorf("notify: redis backend needs an address")
		}
		return DialRedis(redisAddr), nil
	default:
		return nil, fmt.Errorf("notify: unknown backend %q", backend)
	}
}

// InMemory delivers signals to subscribers in the same process.
type InMemory struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewInMemory creates an empty in-process notifier.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[string]map[chan struct{}]struct{})}
}

// Publish signals every subscriber of userID without blocking.
func (n *InMemory) Publish(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[userID] {
		select {
		case ch <- struct{}{}:
		default:
			// A signal is already pending.
		}
	}
	return nil
}

// Subscribe registers until ctx is done; the channel is closed afterwards.
func (n *InMemory) Subscribe(ctx context.Context, userID string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	if n.subs[userID] == nil {
		n.subs[userID] = make(map[chan struct{}]struct{})
	}
	n.subs[userID][ch] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.subs[userID], ch)
		if len(n.subs[userID]) == 0 {
			delete(n.subs, userID)
		}
		close(ch)
		n.mu.Unlock()
	}()
	return ch, nil
}

// Subscribers returns the number of live subscriptions for userID.
func (n *InMemory) Subscribers(userID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[userID])
}

// Redis implements Notifier with Redis Pub/Sub, one channel per user.
type Redis struct {
	client *redis.Client
	prefix string
}

// DialRedis connects to redis with short timeouts. The notifier owns the
// client; Close releases it.
func DialRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return NewRedis(client, "")
}

// NewRedis builds a notifier publishing on "<prefix><userID>".
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "attendance:doc:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (n *Redis) channel(userID string) string {
	return n.prefix + userID
}

// Healthy pings the server.
func (n *Redis) Healthy(ctx context.Context) bool {
	if n == nil || n.client == nil {
		return false
	}
	return n.client.Ping(ctx).Err() == nil
}

// Close releases the connection pool.
func (n *Redis) Close() error {
	if n == nil || n.client == nil {
		return nil
	}
	return n.client.Close()
}

// Publish announces a change.
func (n *Redis) Publish(ctx context.Context, userID string) error {
	return n.client.Publish(ctx, n.channel(userID), "changed").Err()
}

// Subscribe streams change signals until ctx is done.
func (n *Redis) Subscribe(ctx context.Context, userID string) (<-chan struct{}, error) {
	ps := n.client.Subscribe(ctx, n.channel(userID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("notify: subscribe %s: %w", userID, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() {
			if err := ps.Close(); err != nil {
				log.Printf("notify: close subscription %s: %v", userID, err)
			}
		}()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
