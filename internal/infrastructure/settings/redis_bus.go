package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"ratepilot/internal/core/ports"
	"ratepilot/pkg/circuitbreaker"
	"ratepilot/pkg/retry"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix = "ratepilot:settings:"
	defaultChannel   = "ratepilot:settings"
)

// redisClient is the subset of *redis.Client used by RedisBus.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Update is the message published on the settings channel.
type Update struct {
	InstanceID string    `json:"instance_id"`
	Key        string    `json:"key"`
	Value      int       `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

type RedisBusConfig struct {
	KeyPrefix string
	Channel   string
	Retry     retry.Config
	// Breaker guards the write path. While it is open, writes are kept
	// pending and retried every Breaker.Timeout.
	Breaker circuitbreaker.Config
}

// RedisBus mirrors a MemoryBus into Redis. Local subscribers see a publish
// synchronously; the Redis write happens on a background worker so callers
// never block on the network. Only the latest value per key is written.
type RedisBus struct {
	local      *MemoryBus
	client     redisClient
	instanceID string
	cfg        RedisBusConfig
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]Update
	notify  chan struct{}
	breaker *circuitbreaker.CircuitBreaker

	stop core.Fuse
	wg   sync.WaitGroup
}

func NewRedisBus(client redisClient, cfg RedisBusConfig, logger *zap.SugaredLogger) *RedisBus {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.Channel == "" {
		cfg.Channel = defaultChannel
	}
	if cfg.Breaker == (circuitbreaker.Config{}) {
		cfg.Breaker = circuitbreaker.DefaultConfig()
	}
	breaker := circuitbreaker.New(cfg.Breaker)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("redis settings writer state changed", "from", from, "to", to)
	})
	return &RedisBus{
		local:      NewMemoryBus(),
		client:     client,
		instanceID: uuid.NewString(),
		cfg:        cfg,
		logger:     logger,
		pending:    make(map[string]Update),
		notify:     make(chan struct{}, 1),
		breaker:    breaker,
	}
}

// Start loads the last stored values and starts the writer and the
// channel listener.
func (b *RedisBus) Start(ctx context.Context) error {
	for _, key := range []string{ports.KeyTargetBitrate, ports.KeyNetworkQuality} {
		if err := b.load(ctx, key); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.writeLoop(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.listen(ctx)
	}()
	go func() {
		<-b.stop.Watch()
		cancel()
	}()

	b.logger.Infow("redis settings bus started", "instance_id", b.instanceID, "channel", b.cfg.Channel)
	return nil
}

// Close flushes pending writes and stops the background goroutines.
func (b *RedisBus) Close() error {
	b.stop.Break()
	b.wg.Wait()
	return nil
}

func (b *RedisBus) Get(key string) (int, bool) {
	return b.local.Get(key)
}

func (b *RedisBus) Subscribe(fn func(key string, value int)) func() {
	return b.local.Subscribe(fn)
}

func (b *RedisBus) Publish(ctx context.Context, key string, value int) error {
	if err := b.local.Publish(ctx, key, value); err != nil {
		return err
	}

	b.mu.Lock()
	b.pending[key] = Update{InstanceID: b.instanceID, Key: key, Value: value, Timestamp: time.Now()}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *RedisBus) load(ctx context.Context, key string) error {
	raw, err := b.client.Get(ctx, b.cfg.KeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load setting %s: %w", key, err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		b.logger.Warnw("ignoring malformed stored setting", "key", key, "value", raw)
		return nil
	}
	return b.local.Publish(ctx, key, v)
}

func (b *RedisBus) writeLoop(ctx context.Context) {
	interval := b.cfg.Breaker.Timeout
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// best effort flush with a fresh deadline
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			b.flush(flushCtx)
			cancel()
			return
		case <-b.notify:
			b.flush(ctx)
		case <-ticker.C:
			b.flush(ctx)
		}
	}
}

func (b *RedisBus) flush(ctx context.Context) {
	b.mu.Lock()
	batch := make([]Update, 0, len(b.pending))
	for _, u := range b.pending {
		batch = append(batch, u)
	}
	b.pending = make(map[string]Update)
	b.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Timestamp.Before(batch[j].Timestamp) })
	for _, u := range batch {
		err := b.breaker.Execute(ctx, func() error {
			return retry.Do(ctx, b.cfg.Retry, func(ctx context.Context) error { return b.write(ctx, u) })
		})
		switch {
		case errors.Is(err, circuitbreaker.ErrOpen):
			b.requeue(u)
		case err != nil:
			b.logger.Warnw("failed to write setting to redis", "key", u.Key, "value", u.Value, "error", err)
		}
	}
}

// requeue keeps u pending unless a newer value for its key arrived meanwhile.
func (b *RedisBus) requeue(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, newer := b.pending[u.Key]; !newer {
		b.pending[u.Key] = u
	}
}

func (b *RedisBus) write(ctx context.Context, u Update) error {
	if err := b.client.Set(ctx, b.cfg.KeyPrefix+u.Key, u.Value, 0).Err(); err != nil {
		return fmt.Errorf("failed to store setting: %w", err)
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}
	if err := b.client.Publish(ctx, b.cfg.Channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish update: %w", err)
	}
	return nil
}

func (b *RedisBus) listen(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, b.cfg.Channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.handleMessage(ctx, msg.Payload)
		}
	}
}

// handleMessage applies an update published by another instance.
func (b *RedisBus) handleMessage(ctx context.Context, payload string) {
	var u Update
	if err := json.Unmarshal([]byte(payload), &u); err != nil {
		b.logger.Warnw("failed to unmarshal settings update", "error", err, "payload", payload)
		return
	}
	if u.InstanceID == b.instanceID {
		return
	}
	if err := b.local.Publish(ctx, u.Key, u.Value); err != nil {
		b.logger.Warnw("failed to apply remote setting", "key", u.Key, "error", err)
	}
}
