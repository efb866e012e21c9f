package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"tournament-service/internal/domain"
	"tournament-service/internal/logging"
)

// TournamentLoader fetches a tournament from the backing store.
type TournamentLoader interface {
	GetTournament(ctx context.Context, id string) (domain.Tournament, error)
}

// TournamentCache stores tournament snapshots as JSON under
// tournament:{id} and falls back to the loader on a miss. Redis errors
// degrade to a direct load. tournament:{id}:gen counts invalidations; a
// load is written back only if the counter has not moved since it began.
type TournamentCache struct {
	client *redis.Client
	loader TournamentLoader
	ttl    time.Duration
	log    logrus.FieldLogger
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex
}

func NewTournamentCache(client *redis.Client, loader TournamentLoader, ttl time.Duration, logger logrus.FieldLogger) *TournamentCache {
	return &TournamentCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		log:    logging.OrDiscard(logger),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *TournamentCache) GetTournament(ctx context.Context, id string) (domain.Tournament, error) {
	if t, ok := c.read(ctx, id); ok {
		return t, nil
	}

	result, err, _ := c.sf.Do(id, func() (interface{}, error) {
		// Re-check in case another caller filled it.
		if t, ok := c.read(ctx, id); ok {
			return t, nil
		}
		started, genErr := generation(ctx, c.client, id)
		t, err := c.loader.GetTournament(ctx, id)
		if err != nil {
			return domain.Tournament{}, err
		}
		if genErr == nil {
			c.write(ctx, t, started)
		}
		return t, nil
	})
	if err != nil {
		return domain.Tournament{}, err
	}
	return result.(domain.Tournament), nil
}

// Invalidate deletes the cached snapshot so every instance reloads it.
func (c *TournamentCache) Invalidate(ctx context.Context, id string) {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey(id))
		pipe.Del(ctx, key(id))
		return nil
	})
	if err != nil {
		c.log.WithError(err).WithField("tournament_id", id).Warn("cache invalidate failed")
	}
	c.sf.Forget(id)
}

func (c *TournamentCache) read(ctx context.Context, id string) (domain.Tournament, bool) {
	raw, err := c.client.Get(ctx, key(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WithError(err).WithField("tournament_id", id).Warn("cache read failed")
		}
		return domain.Tournament{}, false
	}
	var t domain.Tournament
	if err := json.Unmarshal(raw, &t); err != nil {
		return domain.Tournament{}, false
	}
	return t, true
}

var errStaleLoad = errors.New("tournament invalidated during load")

func (c *TournamentCache) write(ctx context.Context, t domain.Tournament, started int64) {
	ttl := c.ttlWithJitter()
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return
	}
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := generation(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if current != started {
			return errStaleLoad
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key(t.ID), raw, ttl)
			return nil
		})
		return err
	}, genKey(t.ID))
	switch {
	case err == nil:
	case errors.Is(err, errStaleLoad), errors.Is(err, redis.TxFailedErr):
		c.log.WithField("tournament_id", t.ID).Debug("cache fill skipped after invalidation")
	default:
		c.log.WithError(err).WithField("tournament_id", t.ID).Warn("cache write failed")
	}
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func generation(ctx context.Context, r getter, id string) (int64, error) {
	n, err := r.Get(ctx, genKey(id)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func key(id string) string {
	return "tournament:" + id
}

func genKey(id string) string {
	return "tournament:" + id + ":gen"
}

func (c *TournamentCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
