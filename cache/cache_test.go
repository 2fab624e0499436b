package cache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	storemanager "github.com/always-cache/offline-cache/pkg/store-manager"
	"github.com/always-cache/offline-cache/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) (*storemanager.Manager, *cachekey.Handler) {
	t.Helper()
	stores := storemanager.New(storemanager.Config{})
	require.NoError(t, stores.RegisterDefaultStoreFactory(storemanager.NewEngineFactory(storage.NewMemoryEngine())))
	keys := cachekey.New(stores, cachekey.NewRegistry(cachekey.Endpoint{Prefix: "/orders", Store: "orders"}), nil)
	return stores, keys
}

func openCache(t *testing.T) (*Cache, *storemanager.Manager) {
	t.Helper()
	stores, keys := newStores(t)
	c, err := Open(context.Background(), Config{Name: "test", Stores: stores, Keys: keys})
	require.NoError(t, err)
	return c, stores
}

func request(method, target string, headers ...string) *http.Request {
	r := httptest.NewRequest(method, "http://example.com"+target, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}
	return r
}

func response(body string, headers ...string) *http.Response {
	res := &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
	for i := 0; i+1 < len(headers); i += 2 {
		res.Header.Set(headers[i], headers[i+1])
	}
	return res
}

func bodyOf(t *testing.T, res *http.Response) string {
	t.Helper()
	require.NotNil(t, res)
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

func storeKeys(t *testing.T, stores *storemanager.Manager, name string) []string {
	t.Helper()
	store, err := stores.OpenStore(context.Background(), name, storemanager.Options{})
	require.NoError(t, err)
	keys, err := store.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

func TestPutAndMatch(t *testing.T) {
	ctx := context.Background()
	c, _ := openCache(t)

	require.NoError(t, c.Put(ctx, request("GET", "/page"), response("hello", "Content-Type", "text/plain")))

	res, err := c.Match(ctx, request("GET", "/page"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello", bodyOf(t, res))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/plain", res.Header.Get("Content-Type"))

	miss, err := c.Match(ctx, request("GET", "/other"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.Nil(t, miss)

	post, err := c.Match(ctx, request("POST", "/page"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.Nil(t, post)

	ignored, err := c.Match(ctx, request("POST", "/page"), cachekey.MatchOptions{IgnoreMethod: true})
	require.NoError(t, err)
	assert.Equal(t, "hello", bodyOf(t, ignored))
}

func TestSeparatorInURL(t *testing.T) {
	ctx := context.Background()
	c, _ := openCache(t)

	require.NoError(t, c.Put(ctx, request("GET", "/a$B$c"), response("x")))
	res, err := c.Match(ctx, request("GET", "/a$B$c"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "x", bodyOf(t, res))

	res, err = c.Match(ctx, request("GET", "/a"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.Nil(t, res)

	deleted, err := c.Delete(ctx, request("GET", "/a$B$c"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestMatchIgnoreSearch(t *testing.T) {
	ctx := context.Background()
	c, _ := openCache(t)
	require.NoError(t, c.Put(ctx, request("GET", "/page?x=1"), response("one")))

	res, err := c.Match(ctx, request("GET", "/page?x=2"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = c.Match(ctx, request("GET", "/page?x=2"), cachekey.MatchOptions{IgnoreSearch: true})
	require.NoError(t, err)
	assert.Equal(t, "one", bodyOf(t, res))
}

func TestNonVaryHeadersShareEntry(t *testing.T) {
	ctx := context.Background()
	c, _ := openCache(t)

	require.NoError(t, c.Put(ctx, request("GET", "/page", "X-Other", "a"), response("first")))
	require.NoError(t, c.Put(ctx, request("GET", "/page", "X-Other", "b"), response("second")))

	res, err := c.Match(ctx, request("GET", "/page", "X-Other", "a"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "second", bodyOf(t, res))

	keys, err := c.Keys(ctx, nil, cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestVaryHeadersKeepSeparateEntries(t *testing.T) {
	ctx := context.Background()
	c, _ := openCache(t)

	require.NoError(t, c.Put(ctx, request("GET", "/page", "Accept-Language", "fi"), response("moi", "Vary", "Accept-Language")))
	require.NoError(t, c.Put(ctx, request("GET", "/page", "Accept-Language", "en"), response("hi", "Vary", "Accept-Language")))

	fi, err := c.Match(ctx, request("GET", "/page", "Accept-Language", "fi"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "moi", bodyOf(t, fi))

	en, err := c.Match(ctx, request("GET", "/page", "Accept-Language", "en"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hi", bodyOf(t, en))

	none, err := c.Match(ctx, request("GET", "/page"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.Nil(t, none)

	all, err := c.MatchAll(ctx, request("GET", "/page"), cachekey.MatchOptions{IgnoreVary: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestVaryStarNeverMatches(t *testing.T) {
	ctx := context.Background()
	c, _ := openCache(t)
	require.NoError(t, c.Put(ctx, request("GET", "/page"), response("x", "Vary", "*")))

	ok, err := c.HasMatch(ctx, request("GET", "/page"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.HasMatch(ctx, request("GET", "/page"), cachekey.MatchOptions{IgnoreVary: true})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShreddedRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, stores := openCache(t)
	body := `[{"id":1,"name":"a"},{"id":2,"name":"b"}]`

	require.NoError(t, c.Put(ctx, request("GET", "/orders"), response(body, "Content-Type", "application/json")))

	doc, err := c.store.Get(ctx, "http://example.com/orders$GET$")
	require.NoError(t, err)
	var e Entry
	require.NoError(t, doc.DecodeValue(&e))
	assert.Empty(t, e.ResponseData.Body)
	assert.NotEmpty(t, e.ResponseData.BodyAbstract)
	assert.Equal(t, []string{"1", "2"}, storeKeys(t, stores, "orders"))

	res, err := c.Match(ctx, request("GET", "/orders"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, body, bodyOf(t, res))
}

func TestCompleteCollectionPurgesStaleResources(t *testing.T) {
	ctx := context.Background()
	c, stores := openCache(t)

	require.NoError(t, c.Put(ctx, request("GET", "/orders"), response(`[{"id":1},{"id":2},{"id":3}]`)))
	require.NoError(t, c.Put(ctx, request("GET", "/orders/3"), response(`{"id":3}`)))
	require.NoError(t, c.Put(ctx, request("GET", "/orders"), response(`[{"id":2}]`)))

	assert.Equal(t, []string{"2", "3"}, storeKeys(t, stores, "orders"))

	// A filtered list is not complete and purges nothing.
	require.NoError(t, c.Put(ctx, request("GET", "/orders?q=x"), response(`[]`)))
	assert.Equal(t, []string{"2", "3"}, storeKeys(t, stores, "orders"))
}

func TestDeleteReleasesUnsharedResources(t *testing.T) {
	ctx := context.Background()
	c, stores := openCache(t)

	require.NoError(t, c.Put(ctx, request("GET", "/orders/1"), response(`{"id":1}`)))
	require.NoError(t, c.Put(ctx, request("GET", "/orders"), response(`[{"id":1},{"id":2}]`)))

	deleted, err := c.Delete(ctx, request("GET", "/orders"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, []string{"1"}, storeKeys(t, stores, "orders"))

	res, err := c.Match(ctx, request("GET", "/orders/1"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, bodyOf(t, res))

	deleted, err = c.Delete(ctx, request("GET", "/orders/1"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Empty(t, storeKeys(t, stores, "orders"))

	deleted, err = c.Delete(ctx, request("GET", "/orders/1"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestKeysAndClear(t *testing.T) {
	ctx := context.Background()
	c, stores := openCache(t)

	require.NoError(t, c.Put(ctx, request("GET", "/a"), response("a")))
	require.NoError(t, c.Put(ctx, request("GET", "/orders"), response(`[{"id":1}]`)))

	keys, err := c.Keys(ctx, nil, cachekey.MatchOptions{})
	require.NoError(t, err)
	require.Len(t, keys, 2)

	only, err := c.Keys(ctx, request("GET", "/a"), cachekey.MatchOptions{})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "http://example.com/a", only[0].URL.String())

	require.NoError(t, c.Clear(ctx))
	keys, err = c.Keys(ctx, nil, cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.Empty(t, keys)

	has, err := stores.HasStore(ctx, "orders", storemanager.Options{})
	require.NoError(t, err)
	assert.False(t, has)
}

func TestIndexLoadsFromStore(t *testing.T) {
	ctx := context.Background()
	stores, keys := newStores(t)
	first, err := Open(ctx, Config{Name: "shared", Stores: stores, Keys: keys})
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, request("GET", "/page"), response("x")))

	second, err := Open(ctx, Config{Name: "shared", Stores: stores, Keys: keys})
	require.NoError(t, err)
	res, err := second.Match(ctx, request("GET", "/page"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "x", bodyOf(t, res))

	require.NoError(t, second.ensureIndex(ctx))
	indexed, ok := second.indexKeys()
	require.True(t, ok)
	assert.Equal(t, []string{"http://example.com/page$GET$"}, indexed)
}

func TestCaches(t *testing.T) {
	ctx := context.Background()
	stores, keys := newStores(t)
	caches := NewCaches(stores, keys, nil)

	a, err := caches.Open(ctx, "a")
	require.NoError(t, err)
	again, err := caches.Open(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, a, again)
	_, err = caches.Default(ctx)
	require.NoError(t, err)

	names, err := caches.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", DefaultName}, names)

	require.NoError(t, a.Put(ctx, request("GET", "/orders"), response(`[{"id":1}]`)))
	deleted, err := caches.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, deleted)

	has, err := caches.Has(ctx, "a")
	require.NoError(t, err)
	assert.False(t, has)
	deleted, err = caches.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestCachesShareShreddedResources(t *testing.T) {
	ctx := context.Background()
	stores, keys := newStores(t)
	caches := NewCaches(stores, keys, nil)
	a, err := caches.Open(ctx, "a")
	require.NoError(t, err)
	b, err := caches.Open(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, a.Put(ctx, request("GET", "/orders"), response(`[{"id":1},{"id":2}]`)))
	require.NoError(t, b.Put(ctx, request("GET", "/orders"), response(`[{"id":1},{"id":2}]`)))

	require.NoError(t, a.Clear(ctx))
	res, err := b.Match(ctx, request("GET", "/orders"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1},{"id":2}]`, bodyOf(t, res))
	assert.Equal(t, []string{"1", "2"}, storeKeys(t, stores, "orders"))

	// b still references 2, so a complete list without it purges nothing.
	require.NoError(t, a.Put(ctx, request("GET", "/orders"), response(`[{"id":1}]`)))
	assert.Equal(t, []string{"1", "2"}, storeKeys(t, stores, "orders"))

	deleted, err := caches.Delete(ctx, "b")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, []string{"1"}, storeKeys(t, stores, "orders"))
	res, err = a.Match(ctx, request("GET", "/orders"), cachekey.MatchOptions{})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1}]`, bodyOf(t, res))
}
