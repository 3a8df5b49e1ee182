package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// releaseScript удаляет ключ, только если он всё ещё наш.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis: блокировка на SET NX с TTL для развёртываний, где advisory-локи недоступны.
type Redis struct {
	client  redis.Cmdable
	prefix  string
	timeout time.Duration
	ttl     time.Duration
	retry   time.Duration
}

func NewRedis(client redis.Cmdable, timeout time.Duration) *Redis {
	return &Redis{
		client:  client,
		prefix:  "scheduling:lock:",
		timeout: timeout,
		// TTL с запасом больше ожидания: держатель успевает закоммитить.
		ttl:   4 * timeout,
		retry: 25 * time.Millisecond,
	}
}

func (l *Redis) Lock(ctx context.Context, _ *gorm.DB, keys ...Key) (Release, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.timeout)

	var held []string
	release := func() {
		// контекст запроса к этому моменту может быть уже отменён
		bg := context.Background()
		for _, k := range held {
			_ = releaseScript.Run(bg, l.client, []string{k}, token).Err()
		}
	}

	for _, k := range normalize(keys) {
		name := l.prefix + string(k)
		if err := l.acquire(ctx, name, token, deadline); err != nil {
			release()
			return nil, err
		}
		held = append(held, name)
	}
	return release, nil
}

func (l *Redis) acquire(ctx context.Context, name, token string, deadline time.Time) error {
	for {
		ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("redis lock %s: %w", name, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrTimeout, name)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrTimeout, name, ctx.Err())
		case <-time.After(l.retry):
		}
	}
}
