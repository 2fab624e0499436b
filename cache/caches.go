package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	storemanager "github.com/always-cache/offline-cache/pkg/store-manager"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultName is the name of the cache the proxy uses.
const DefaultName = "systemCache"

// Caches is the set of named caches of one store manager.
type Caches struct {
	stores Stores
	keys   *cachekey.Handler
	logger *zerolog.Logger

	mu   sync.Mutex
	open map[string]*Cache
}

func NewCaches(stores Stores, keys *cachekey.Handler, logger *zerolog.Logger) *Caches {
	if logger == nil {
		logger = &log.Logger
	}
	return &Caches{
		stores: stores,
		keys:   keys,
		logger: logger,
		open:   make(map[string]*Cache),
	}
}

// Open returns the named cache, creating it if needed.
func (cs *Caches) Open(ctx context.Context, name string) (*Cache, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if c, ok := cs.open[name]; ok {
		return c, nil
	}
	c, err := Open(ctx, Config{
		Name:   name,
		Stores: cs.stores,
		Keys:   cs.keys,
		Peers:  func(ctx context.Context) ([]*Cache, error) { return cs.peers(ctx, name) },
		Logger: cs.logger,
	})
	if err != nil {
		return nil, err
	}
	cs.open[name] = c
	return c, nil
}

// peers opens the existing caches other than the named one.
func (cs *Caches) peers(ctx context.Context, name string) ([]*Cache, error) {
	names, err := cs.Keys(ctx)
	if err != nil {
		return nil, err
	}
	peers := make([]*Cache, 0, len(names))
	for _, n := range names {
		if n == name {
			continue
		}
		c, err := cs.Open(ctx, n)
		if err != nil {
			return nil, err
		}
		peers = append(peers, c)
	}
	return peers, nil
}

// Default opens the default cache.
func (cs *Caches) Default(ctx context.Context) (*Cache, error) {
	return cs.Open(ctx, DefaultName)
}

// Has reports whether a cache with the name exists.
func (cs *Caches) Has(ctx context.Context, name string) (bool, error) {
	return cs.stores.HasStore(ctx, StorePrefix+name, storemanager.Options{})
}

// Delete removes the named cache with its shredded stores.
func (cs *Caches) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := cs.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	c, err := cs.Open(ctx, name)
	if err != nil {
		return false, err
	}
	if err := c.Clear(ctx); err != nil {
		return false, err
	}
	for _, store := range []string{StorePrefix + name, StorePrefix + name + shreddedSuffix} {
		if _, err := cs.stores.DeleteStore(ctx, store, storemanager.Options{}); err != nil {
			return false, fmt.Errorf("delete cache %s: %w", name, err)
		}
	}
	cs.mu.Lock()
	delete(cs.open, name)
	cs.mu.Unlock()
	return true, nil
}

// Keys returns the names of the existing caches.
func (cs *Caches) Keys(ctx context.Context) ([]string, error) {
	metadata, err := cs.stores.GetStoresMetadata(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0)
	for store := range metadata {
		if !strings.HasPrefix(store, StorePrefix) || strings.HasSuffix(store, shreddedSuffix) {
			continue
		}
		names = append(names, strings.TrimPrefix(store, StorePrefix))
	}
	sort.Strings(names)
	return names, nil
}
