// Package cache implements an offline HTTP cache shaped like the Cache API:
// responses are stored per request, selected with Vary-aware matching, and
// JSON bodies of configured endpoints are kept as shredded resources.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	"github.com/always-cache/offline-cache/pkg/shredder"
	storemanager "github.com/always-cache/offline-cache/pkg/store-manager"
	"github.com/always-cache/offline-cache/rfc9111"
	"github.com/always-cache/offline-cache/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// StorePrefix is prepended to the cache name to get its store name.
	StorePrefix = "offlineCache-"
	// shreddedSuffix names the side store listing the shredded stores of a cache.
	shreddedSuffix = "-shreddedStores"
)

// Stores is the part of the store manager a cache uses.
type Stores interface {
	OpenStore(ctx context.Context, name string, options storemanager.Options) (*storemanager.Store, error)
	HasStore(ctx context.Context, name string, options storemanager.Options) (bool, error)
	DeleteStore(ctx context.Context, name string, options storemanager.Options) (bool, error)
	GetStoresMetadata(ctx context.Context) (map[string]storemanager.StoreMetadata, error)
}

// Entry is the stored value of a cache entry.
type Entry struct {
	RequestData  serializer.Request  `json:"requestData"`
	ResponseData serializer.Response `json:"responseData"`
}

// descriptors returns the shred descriptors of the entry, if its body was shredded.
func (e Entry) descriptors() ([]shredder.Descriptor, error) {
	return shredder.DecodeDescriptors(e.ResponseData.BodyAbstract)
}

type Config struct {
	Name   string
	Stores Stores
	Keys   *cachekey.Handler
	// Peers lists the other caches sharing the shredded stores. Their
	// entries keep resources alive. Optional.
	Peers func(ctx context.Context) ([]*Cache, error)
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Cache is one named offline cache.
type Cache struct {
	name     string
	store    *storemanager.Store
	shredded *storemanager.Store
	stores   Stores
	keys     *cachekey.Handler
	peers    func(ctx context.Context) ([]*Cache, error)
	log      zerolog.Logger

	// writeMu serializes mutations so reference counts stay consistent.
	writeMu sync.Mutex
	// mu guards the key index.
	mu     sync.Mutex
	index  map[string]struct{}
	loaded bool
}

// Open opens the cache with the given name.
func Open(ctx context.Context, config Config) (*Cache, error) {
	if config.Stores == nil || config.Keys == nil {
		return nil, errors.New("cache needs stores and a key handler")
	}
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	store, err := config.Stores.OpenStore(ctx, StorePrefix+config.Name, storemanager.Options{})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", config.Name, err)
	}
	shredded, err := config.Stores.OpenStore(ctx, StorePrefix+config.Name+shreddedSuffix, storemanager.Options{})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", config.Name, err)
	}
	return &Cache{
		name:     config.Name,
		store:    store,
		shredded: shredded,
		stores:   config.Stores,
		keys:     config.Keys,
		peers:    config.Peers,
		log:      logger.With().Str("component", "cache").Str("cache", config.Name).Logger(),
	}, nil
}

func (c *Cache) Name() string {
	return c.name
}

// ensureIndex loads the key index if it has not been loaded yet.
func (c *Cache) ensureIndex(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("load cache keys: %w", err)
	}
	c.index = make(map[string]struct{}, len(keys))
	for _, k := range keys {
		c.index[k] = struct{}{}
	}
	c.loaded = true
	c.log.Trace().Int("keys", len(keys)).Msg("Loaded key index")
	return nil
}

func (c *Cache) indexAdd(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		c.index[key] = struct{}{}
	}
}

func (c *Cache) indexRemove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		delete(c.index, key)
	}
}

// indexKeys returns the indexed keys, or false if the index is not loaded.
func (c *Cache) indexKeys() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		return nil, false
	}
	keys := make([]string, 0, len(c.index))
	for k := range c.index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, true
}

// storedEntry is a decoded cache entry document.
type storedEntry struct {
	doc   storage.Document
	entry Entry
}

// query returns the entries matching the request, most recently updated first.
// A nil request matches every entry.
func (c *Cache) query(ctx context.Context, req *http.Request, options cachekey.MatchOptions) ([]storedEntry, error) {
	var sel storage.Selector = storage.All()
	if req != nil {
		if keys, ok := c.indexKeys(); ok {
			sel = storage.KeysSelector(c.keys.GetMatchedCacheKeys(req, options, keys)...)
		} else if options.IgnoreSearch {
			sel = storage.Eq{Field: "metadata.baseUrl", Value: cachekey.BaseURL(req.URL)}
		} else {
			sel = storage.Eq{Field: "metadata.url", Value: req.URL.String()}
		}
	}
	docs, err := c.store.Find(ctx, sel, storage.SortBy("metadata.lastupdated", true))
	if err != nil {
		return nil, err
	}
	candidates := docs
	if req != nil {
		keys := make([]string, len(docs))
		for i, d := range docs {
			keys[i] = d.Key
		}
		matched := make(map[string]bool)
		for _, k := range c.keys.GetMatchedCacheKeys(req, options, keys) {
			matched[k] = true
		}
		candidates = make([]storage.Document, 0, len(matched))
		for _, d := range docs {
			if matched[d.Key] {
				candidates = append(candidates, d)
			}
		}
	}

	entries := make([]storedEntry, 0, len(candidates))
	for _, doc := range candidates {
		var e Entry
		if err := doc.DecodeValue(&e); err != nil {
			c.log.Warn().Err(err).Str("key", doc.Key).Msg("Skipping unreadable cache entry")
			continue
		}
		if req != nil && !options.IgnoreVary {
			vary := rfc9111.GetListHeader(e.ResponseData.Headers, "Vary")
			if !rfc9111.VaryMatches(vary, e.RequestData.Headers, req.Header) {
				continue
			}
		}
		entries = append(entries, storedEntry{doc: doc, entry: e})
	}
	return entries, nil
}

// Match returns the most recently stored response matching the request, or nil.
func (c *Cache) Match(ctx context.Context, req *http.Request, options cachekey.MatchOptions) (*http.Response, error) {
	entries, err := c.query(ctx, req, options)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return c.response(ctx, req, entries[0].entry)
}

// MatchAll returns every stored response matching the request.
// A nil request returns all responses.
func (c *Cache) MatchAll(ctx context.Context, req *http.Request, options cachekey.MatchOptions) ([]*http.Response, error) {
	entries, err := c.query(ctx, req, options)
	if err != nil {
		return nil, err
	}
	responses := make([]*http.Response, 0, len(entries))
	for _, se := range entries {
		res, err := c.response(ctx, req, se.entry)
		if err != nil {
			return responses, err
		}
		responses = append(responses, res)
	}
	return responses, nil
}

// HasMatch reports whether a stored response matches the request.
func (c *Cache) HasMatch(ctx context.Context, req *http.Request, options cachekey.MatchOptions) (bool, error) {
	entries, err := c.query(ctx, req, options)
	return len(entries) > 0, err
}

func (c *Cache) response(ctx context.Context, req *http.Request, e Entry) (*http.Response, error) {
	stored, err := e.RequestData.HTTPRequest(ctx)
	if err != nil {
		return nil, err
	}
	res := e.ResponseData
	if res.BodyAbstract != "" {
		descriptors, err := e.descriptors()
		if err != nil {
			return nil, err
		}
		if res, err = c.keys.FillResponseBodyWithShreddedData(ctx, stored, descriptors, res); err != nil {
			return nil, err
		}
	}
	if req == nil {
		req = stored
	}
	return res.HTTPResponse(req), nil
}

// Put stores the response for the request, replacing the entry with the same key.
// Bodies of endpoints with a resource codec are shredded into their stores.
func (c *Cache) Put(ctx context.Context, req *http.Request, res *http.Response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ensureIndex(ctx); err != nil {
		return err
	}

	sreq, err := serializer.SerializeRequest(req)
	if err != nil {
		return err
	}
	sres, err := serializer.SerializeResponse(res)
	if err != nil {
		return err
	}
	key := c.keys.ConstructCacheKey(req, res)
	md := cachekey.ConstructMetadata(req)

	var previous []shredder.Descriptor
	if doc, err := c.store.Get(ctx, key); err == nil {
		var old cachekey.Metadata
		if doc.DecodeMetadata(&old) == nil && old.Created != 0 {
			md.Created = old.Created
		}
		var e Entry
		if doc.DecodeValue(&e) == nil {
			previous, _ = e.descriptors()
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	shreds, err := c.keys.ShredResponse(req, sres)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Could not shred response, storing it whole")
		shreds = nil
	}
	var current []shredder.Descriptor
	if shreds != nil {
		if err := c.writeShreds(ctx, req, key, shreds, md.LastUpdated); err != nil {
			return err
		}
		current = shredder.Descriptors(shreds)
		abstract, err := shredder.EncodeDescriptors(current)
		if err != nil {
			return err
		}
		sres.BodyAbstract = abstract
		sres.Body = nil
	}

	doc, err := storage.NewDocument(key, md, Entry{RequestData: sreq, ResponseData: sres})
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, doc); err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	c.indexAdd(key)
	c.log.Trace().Str("key", key).Bool("shredded", shreds != nil).Msg("Stored response")

	if len(previous) > 0 {
		if err := c.releaseResources(ctx, previous); err != nil {
			return err
		}
	}
	return nil
}

// writeShreds stores the resources of the shreds and, for complete
// collections, removes the resources no longer present.
func (c *Cache) writeShreds(ctx context.Context, req *http.Request, key string, shreds []shredder.Shred, now int64) error {
	complete := c.keys.IsCompleteCollection(req, shredder.Descriptors(shreds))
	var refs references
	if complete {
		var err error
		if refs, err = c.references(ctx, key); err != nil {
			return err
		}
	}
	for _, s := range shreds {
		store, err := c.trackShreddedStore(ctx, s.Name)
		if err != nil {
			return err
		}
		for _, r := range s.Resources {
			doc, err := shredder.NewRecordDocument(r, now)
			if err != nil {
				return err
			}
			if err := store.Put(ctx, doc); err != nil {
				return fmt.Errorf("put resource %s/%s: %w", s.Name, r.Key, err)
			}
		}
		if !complete {
			continue
		}
		existing, err := store.Keys(ctx)
		if err != nil {
			return err
		}
		fetched := make(map[string]bool, len(s.Keys))
		for _, k := range s.Keys {
			fetched[k] = true
		}
		stale := make([]string, 0)
		for _, k := range existing {
			if !fetched[k] && !refs.has(s.Name, k) {
				stale = append(stale, k)
			}
		}
		if len(stale) > 0 {
			n, err := store.Delete(ctx, storage.KeysSelector(stale...))
			if err != nil {
				return err
			}
			c.log.Debug().Str("store", s.Name).Int("removed", n).Msg("Purged resources missing from complete collection")
		}
	}
	return nil
}

func (c *Cache) trackShreddedStore(ctx context.Context, name string) (*storemanager.Store, error) {
	store, err := c.stores.OpenStore(ctx, name, storemanager.Options{})
	if err != nil {
		return nil, err
	}
	doc, err := storage.NewDocument(name, nil, map[string]string{"name": name})
	if err != nil {
		return nil, err
	}
	if err := c.shredded.Put(ctx, doc); err != nil {
		return nil, fmt.Errorf("track shredded store %s: %w", name, err)
	}
	return store, nil
}

// references counts the resources referenced by the entries of the cache.
type references map[string]map[string]bool

func (r references) has(store, key string) bool {
	return r[store][key]
}

// references collects the resources referenced by every entry except the one
// with the excluded key, including the entries of peer caches.
func (c *Cache) references(ctx context.Context, exclude string) (references, error) {
	refs := make(references)
	if err := c.collectReferences(ctx, exclude, refs); err != nil {
		return nil, err
	}
	if err := c.peerReferences(ctx, refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func (c *Cache) peerReferences(ctx context.Context, refs references) error {
	if c.peers == nil {
		return nil
	}
	peers, err := c.peers(ctx)
	if err != nil {
		return fmt.Errorf("list peer caches: %w", err)
	}
	for _, peer := range peers {
		if peer == nil || peer == c || peer.name == c.name {
			continue
		}
		if err := peer.collectReferences(ctx, "", refs); err != nil {
			return fmt.Errorf("references of cache %s: %w", peer.name, err)
		}
	}
	return nil
}

func (c *Cache) collectReferences(ctx context.Context, exclude string, refs references) error {
	docs, err := c.store.Find(ctx, storage.Exists{Field: "value.responseData.bodyAbstract", Exists: true})
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if doc.Key == exclude {
			continue
		}
		var e Entry
		if err := doc.DecodeValue(&e); err != nil {
			continue
		}
		descriptors, err := e.descriptors()
		if err != nil {
			continue
		}
		for _, d := range descriptors {
			if refs[d.Name] == nil {
				refs[d.Name] = make(map[string]bool)
			}
			for _, k := range d.Keys {
				refs[d.Name][k] = true
			}
		}
	}
	return nil
}

// releaseResources removes the resources of the descriptors that no live entry references.
func (c *Cache) releaseResources(ctx context.Context, descriptors []shredder.Descriptor) error {
	refs, err := c.references(ctx, "")
	if err != nil {
		return err
	}
	for _, d := range descriptors {
		orphans := make([]string, 0)
		for _, k := range d.Keys {
			if !refs.has(d.Name, k) {
				orphans = append(orphans, k)
			}
		}
		if len(orphans) == 0 {
			continue
		}
		store, err := c.stores.OpenStore(ctx, d.Name, storemanager.Options{})
		if err != nil {
			return err
		}
		n, err := store.Delete(ctx, storage.KeysSelector(orphans...))
		if err != nil {
			return err
		}
		c.log.Trace().Str("store", d.Name).Int("removed", n).Msg("Removed unreferenced resources")
	}
	return nil
}

// releaseUnshared removes the resources of the store that no peer references.
func (c *Cache) releaseUnshared(ctx context.Context, name string, shared references) error {
	store, err := c.stores.OpenStore(ctx, name, storemanager.Options{})
	if err != nil {
		return err
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		return err
	}
	orphans := make([]string, 0)
	for _, k := range keys {
		if !shared.has(name, k) {
			orphans = append(orphans, k)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	if _, err := store.Delete(ctx, storage.KeysSelector(orphans...)); err != nil {
		return fmt.Errorf("release shredded store %s: %w", name, err)
	}
	return nil
}

// Delete removes the entries matching the request along with the resources
// only they referenced. A nil request clears the whole cache.
func (c *Cache) Delete(ctx context.Context, req *http.Request, options cachekey.MatchOptions) (bool, error) {
	if req == nil {
		keys, err := c.store.Keys(ctx)
		if err != nil {
			return false, err
		}
		return len(keys) > 0, c.Clear(ctx)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ensureIndex(ctx); err != nil {
		return false, err
	}
	entries, err := c.query(ctx, req, options)
	if err != nil {
		return false, err
	}
	released := make([]shredder.Descriptor, 0)
	for _, se := range entries {
		if _, err := c.store.RemoveByKey(ctx, se.doc.Key); err != nil {
			return false, err
		}
		c.indexRemove(se.doc.Key)
		if descriptors, err := se.entry.descriptors(); err == nil {
			released = append(released, descriptors...)
		}
	}
	if len(released) > 0 {
		if err := c.releaseResources(ctx, released); err != nil {
			return false, err
		}
	}
	c.log.Trace().Str("url", req.URL.String()).Int("deleted", len(entries)).Msg("Deleted cache entries")
	return len(entries) > 0, nil
}

// Keys returns the requests of the matching entries in the order they were first stored.
// A nil request returns the requests of all entries.
func (c *Cache) Keys(ctx context.Context, req *http.Request, options cachekey.MatchOptions) ([]*http.Request, error) {
	if err := c.ensureIndex(ctx); err != nil {
		return nil, err
	}
	entries, err := c.query(ctx, req, options)
	if err != nil {
		return nil, err
	}
	created := make(map[string]int64, len(entries))
	for _, se := range entries {
		var md cachekey.Metadata
		_ = se.doc.DecodeMetadata(&md)
		created[se.doc.Key] = md.Created
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return created[entries[i].doc.Key] < created[entries[j].doc.Key]
	})
	requests := make([]*http.Request, 0, len(entries))
	for _, se := range entries {
		r, err := se.entry.RequestData.HTTPRequest(ctx)
		if err != nil {
			return requests, err
		}
		requests = append(requests, r)
	}
	return requests, nil
}

// Clear removes every entry and every shredded store of the cache. Shredded
// stores still referenced by a peer cache keep the resources it references.
func (c *Cache) Clear(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tracked, err := c.shredded.Keys(ctx)
	if err != nil {
		return err
	}
	shared := make(references)
	if err := c.peerReferences(ctx, shared); err != nil {
		return err
	}
	for _, name := range tracked {
		if len(shared[name]) == 0 {
			if _, err := c.stores.DeleteStore(ctx, name, storemanager.Options{}); err != nil {
				return fmt.Errorf("delete shredded store %s: %w", name, err)
			}
			continue
		}
		if err := c.releaseUnshared(ctx, name, shared); err != nil {
			return err
		}
	}
	if err := c.shredded.Destroy(ctx); err != nil {
		return err
	}
	if err := c.store.Destroy(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.index = make(map[string]struct{})
	c.loaded = true
	c.mu.Unlock()
	c.log.Debug().Strs("shreddedStores", tracked).Msg("Cleared cache")
	return nil
}
