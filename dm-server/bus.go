package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat/chat"
)

// roomFrame is a frame addressed to every client joined to Room.
type roomFrame struct {
	Room  string     `json:"room"`
	Frame chat.Frame `json:"frame"`
}

// fanoutBus carries room frames to every server instance, including the
// publishing one. The hub only delivers what comes back from the bus.
type fanoutBus interface {
	Publish(ctx context.Context, rf roomFrame) error
	Subscribe(ctx context.Context, deliver func(roomFrame)) error
	Close() error
}

// localBus is the single-instance bus.
type localBus struct {
	mu      sync.RWMutex
	deliver func(roomFrame)
}

func newLocalBus() *localBus { return &localBus{} }

func (b *localBus) Publish(_ context.Context, rf roomFrame) error {
	b.mu.RLock()
	deliver := b.deliver
	b.mu.RUnlock()
	if deliver == nil {
		return errors.New("local bus has no subscriber")
	}
	deliver(rf)
	return nil
}

func (b *localBus) Subscribe(_ context.Context, deliver func(roomFrame)) error {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
	return nil
}

func (b *localBus) Close() error { return nil }

// redisBus shares rooms across instances over Redis pub/sub.
type redisBus struct {
	rdb     *goredis.Client
	channel string
}

func newRedisBus(addr, channel string) (*redisBus, error) {
	if addr == "" {
		return nil, errors.New("missing redis address")
	}
	if channel == "" {
		channel = "dm-rooms"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisBus{rdb: rdb, channel: channel}, nil
}

func (b *redisBus) Publish(ctx context.Context, rf roomFrame) error {
	raw, err := json.Marshal(rf)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *redisBus) Subscribe(ctx context.Context, deliver func(roomFrame)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var rf roomFrame
				if err := json.Unmarshal([]byte(m.Payload), &rf); err != nil {
					log.Warn().Err(err).Msg("[dm-server] bad redis payload")
					continue
				}
				deliver(rf)
			}
		}
	}()
	return nil
}

func (b *redisBus) Close() error {
	return b.rdb.Close()
}
