package storemanager

import (
	"context"
	"sync"
	"testing"

	"github.com/always-cache/offline-cache/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m := New(Config{})
	require.NoError(t, m.RegisterDefaultStoreFactory(NewEngineFactory(storage.NewMemoryEngine())))
	return m
}

func TestOpenStoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	var wg sync.WaitGroup
	stores := make([]*Store, 8)
	for i := range stores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.OpenStore(ctx, "orders", Options{Version: "1"})
			assert.NoError(t, err)
			stores[i] = s
		}(i)
	}
	wg.Wait()
	for _, s := range stores[1:] {
		assert.Same(t, stores[0], s)
	}

	doc, err := storage.NewDocument("o1", nil, map[string]string{"item": "x"})
	require.NoError(t, err)
	require.NoError(t, stores[0].Put(ctx, doc))
	again, err := m.OpenStore(ctx, "orders", Options{Version: "1"})
	require.NoError(t, err)
	got, err := again.Get(ctx, "o1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"item":"x"}`, string(got.Value))
	assert.Equal(t, "orders", again.Name())
	assert.Equal(t, "1", again.Version())
}

func TestVersionsAreDistinct(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	v0, err := m.OpenStore(ctx, "orders", Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultVersion, v0.Version())
	v1, err := m.OpenStore(ctx, "orders", Options{Version: "1"})
	require.NoError(t, err)

	doc, err := storage.NewDocument("o1", nil, 1)
	require.NoError(t, err)
	require.NoError(t, v0.Put(ctx, doc))
	_, err = v1.Get(ctx, "o1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	md, err := m.GetStoresMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]StoreMetadata{"orders": {Versions: []string{"0", "1"}}}, md)
}

func TestSkipMetadata(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	_, err := m.OpenStore(ctx, "scratch", Options{SkipMetadata: true})
	require.NoError(t, err)
	has, err := m.HasStore(ctx, "scratch", Options{})
	require.NoError(t, err)
	assert.False(t, has)
}

func TestHasAndDeleteStore(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	deleted, err := m.DeleteStore(ctx, "orders", Options{})
	require.NoError(t, err)
	assert.False(t, deleted)

	for _, v := range []string{"1", "2"} {
		s, err := m.OpenStore(ctx, "orders", Options{Version: v})
		require.NoError(t, err)
		doc, err := storage.NewDocument("o1", nil, v)
		require.NoError(t, err)
		require.NoError(t, s.Put(ctx, doc))
	}

	has, err := m.HasStore(ctx, "orders", Options{Version: "2"})
	require.NoError(t, err)
	assert.True(t, has)

	deleted, err = m.DeleteStore(ctx, "orders", Options{Version: "1"})
	require.NoError(t, err)
	assert.True(t, deleted)
	has, err = m.HasStore(ctx, "orders", Options{Version: "1"})
	require.NoError(t, err)
	assert.False(t, has)
	has, err = m.HasStore(ctx, "orders", Options{})
	require.NoError(t, err)
	assert.True(t, has)

	deleted, err = m.DeleteStore(ctx, "orders", Options{Version: "1"})
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = m.DeleteStore(ctx, "orders", Options{})
	require.NoError(t, err)
	assert.True(t, deleted)
	md, err := m.GetStoresMetadata(ctx)
	require.NoError(t, err)
	assert.Empty(t, md)

	// reopening after deletion yields an empty store
	s, err := m.OpenStore(ctx, "orders", Options{Version: "2"})
	require.NoError(t, err)
	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFactoryRegistration(t *testing.T) {
	ctx := context.Background()
	m := New(Config{})

	_, err := m.OpenStore(ctx, "orders", Options{})
	assert.True(t, IsConfigurationError(err), "got %v", err)

	memory := NewEngineFactory(storage.NewMemoryEngine())
	other := NewEngineFactory(storage.NewMemoryEngine())
	require.NoError(t, m.RegisterStoreFactory("orders", memory))
	require.NoError(t, m.RegisterStoreFactory("orders", memory))
	err = m.RegisterStoreFactory("orders", other)
	assert.True(t, IsConflictError(err), "got %v", err)

	// the metadata store has no factory yet
	_, err = m.OpenStore(ctx, "orders", Options{})
	assert.True(t, IsConfigurationError(err), "got %v", err)

	require.NoError(t, m.RegisterStoreFactory(DefaultMetadataStore, memory))
	_, err = m.OpenStore(ctx, "orders", Options{})
	require.NoError(t, err)

	require.NoError(t, m.RegisterDefaultStoreFactory(other))
	assert.True(t, IsConflictError(m.RegisterDefaultStoreFactory(memory)))
}
