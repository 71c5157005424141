package registry

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const presencePrefix = "presence:"

func presenceKey(identity string) string { return presencePrefix + identity }

// RedisPresence mirrors the registry into Redis as one hash per identity,
// field = handle id, value = node. Other services read it to answer
// "is this identity online and where".
type RedisPresence struct {
	rdb redis.UniversalClient
	ttl time.Duration
	log zerolog.Logger
}

func NewRedisPresence(rdb redis.UniversalClient, ttl time.Duration, log zerolog.Logger) *RedisPresence {
	return &RedisPresence{
		rdb: rdb,
		ttl: ttl,
		log: log.With().Str("component", "presence").Logger(),
	}
}

// Handle is a registry Listener.
func (p *RedisPresence) Handle(evt PresenceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := presenceKey(evt.Handle.Identity)
	field := strconv.FormatInt(evt.Handle.ID, 10)

	var err error
	switch evt.Kind {
	case Online:
		_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, evt.Node)
			if p.ttl > 0 {
				pipe.Expire(ctx, key, p.ttl)
			}
			return nil
		})
	case Offline:
		err = p.rdb.HDel(ctx, key, field).Err()
	}
	if err != nil {
		p.log.Warn().Err(err).Str("identity", evt.Handle.Identity).Stringer("kind", evt.Kind).Msg("failed to mirror presence")
	}
}

// Nodes returns handle id -> node for every live connection of identity.
func (p *RedisPresence) Nodes(ctx context.Context, identity string) (map[string]string, error) {
	return p.rdb.HGetAll(ctx, presenceKey(identity)).Result()
}

func (p *RedisPresence) Online(ctx context.Context, identity string) (bool, error) {
	n, err := p.rdb.HLen(ctx, presenceKey(identity)).Result()
	return n > 0, err
}

// Keepalive refreshes the TTL of every identity live in reg until ctx is
// done, so entries of a crashed node expire on their own.
func (p *RedisPresence) Keepalive(ctx context.Context, reg *Registry, interval time.Duration) {
	if p.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids := reg.Identities()
			if len(ids) == 0 {
				continue
			}
			_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, id := range ids {
					pipe.Expire(ctx, presenceKey(id), p.ttl)
				}
				return nil
			})
			if err != nil {
				p.log.Warn().Err(err).Int("identities", len(ids)).Msg("presence keepalive failed")
			}
		}
	}
}
