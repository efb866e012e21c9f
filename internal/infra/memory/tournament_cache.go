package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tournament-service/internal/domain"
)

// TournamentLoader fetches a tournament from the backing store.
type TournamentLoader interface {
	GetTournament(ctx context.Context, id string) (domain.Tournament, error)
}

// TournamentCache caches tournaments with TTL to avoid repeated store hits.
type TournamentCache struct {
	loader TournamentLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex

	mu    sync.RWMutex
	cache map[string]cachedTournament
	// gen is bumped by Invalidate; a load only fills the cache when the
	// generation it started under is still current.
	gen map[string]uint64
}

type cachedTournament struct {
	tournament domain.Tournament
	expiresAt  time.Time
}

func NewTournamentCache(loader TournamentLoader, ttl time.Duration) *TournamentCache {
	return &TournamentCache{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedTournament),
		gen:    make(map[string]uint64),
	}
}

func (c *TournamentCache) GetTournament(ctx context.Context, id string) (domain.Tournament, error) {
	if t, ok := c.lookup(id); ok {
		return t, nil
	}

	result, err, _ := c.sf.Do(id, func() (interface{}, error) {
		if t, ok := c.lookup(id); ok {
			return t, nil
		}
		c.mu.RLock()
		started := c.gen[id]
		c.mu.RUnlock()

		t, err := c.loader.GetTournament(ctx, id)
		if err != nil {
			return domain.Tournament{}, err
		}
		if ttl := c.ttlWithJitter(); ttl > 0 {
			c.mu.Lock()
			if c.gen[id] == started {
				c.cache[id] = cachedTournament{tournament: t, expiresAt: c.clock().Add(ttl)}
			}
			c.mu.Unlock()
		}
		return t, nil
	})
	if err != nil {
		return domain.Tournament{}, err
	}
	return result.(domain.Tournament), nil
}

// Invalidate drops the cached entry so the next read reloads it. A load
// already in flight still answers its callers but is not cached.
func (c *TournamentCache) Invalidate(_ context.Context, id string) {
	c.mu.Lock()
	delete(c.cache, id)
	c.gen[id]++
	c.mu.Unlock()
	c.sf.Forget(id)
}

func (c *TournamentCache) lookup(id string) (domain.Tournament, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[id]
	if !ok || !entry.expiresAt.After(c.clock()) {
		return domain.Tournament{}, false
	}
	return entry.tournament, true
}

func (c *TournamentCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// up to 10% jitter spreads expirations
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
