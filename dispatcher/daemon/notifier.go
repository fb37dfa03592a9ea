package daemon

import (
	"context"
	"strconv"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	pkgerrors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/scusemua/vm-control-plane/common/configuration"
)

// RedisNotifier carries repartition announcements over a redis pub/sub channel.
type RedisNotifier struct {
	log logger.Logger

	client  *redis.Client
	channel string

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
	closed bool
}

// NewRedisNotifier connects to the redis server named by the dispatcher options.
func NewRedisNotifier(opts *configuration.DispatcherOptions) *RedisNotifier {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.RedisAddress,
		Password: opts.RedisPassword,
		DB:       opts.RedisDatabase,
	})

	return NewRedisNotifierWithClient(client, opts.RepartitionChannel)
}

// NewRedisNotifierWithClient uses an existing client. The notifier takes ownership of the client.
func NewRedisNotifierWithClient(client *redis.Client, channel string) *RedisNotifier {
	notifier := &RedisNotifier{
		client:  client,
		channel: channel,
		done:    make(chan struct{}),
	}
	config.InitLogger(&notifier.log, notifier)

	return notifier
}

func (n *RedisNotifier) Channel() string {
	return n.channel
}

// Subscribe subscribes to the repartition channel and waits for the server to confirm the subscription.
func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, redis.ErrClosed
	}

	pubsub := n.client.Subscribe(ctx, n.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, pkgerrors.Wrapf(err, "failed to subscribe to channel \"%s\"", n.channel)
	}
	n.pubsub = pubsub

	payloads := make(chan string)
	messages := pubsub.Channel()

	go func() {
		defer close(payloads)

		for message := range messages {
			n.log.Debug("Received repartition payload \"%s\" on channel \"%s\".", message.Payload, message.Channel)

			select {
			case payloads <- message.Payload:
			case <-n.done:
				return
			}
		}
	}()

	n.log.Debug("Subscribed to repartition channel \"%s\".", n.channel)

	return payloads, nil
}

// Publish announces a new total number of partitions.
func (n *RedisNotifier) Publish(ctx context.Context, count int) error {
	if err := n.client.Publish(ctx, n.channel, strconv.Itoa(count)).Err(); err != nil {
		return pkgerrors.Wrapf(err, "failed to announce %d partition(s)", count)
	}

	return nil
}

// Close ends the subscription and disconnects. Closing twice is a no-op.
func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	close(n.done)

	if n.pubsub != nil {
		if err := n.pubsub.Close(); err != nil {
			n.log.Warn("Failed to close subscription to channel \"%s\": %v", n.channel, err)
		}
	}

	return n.client.Close()
}
