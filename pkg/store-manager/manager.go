// Package storemanager opens named, versioned stores and keeps track of which
// (name, version) pairs exist.
package storemanager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/always-cache/offline-cache/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultVersion is used when a store is opened without a version.
	DefaultVersion = "0"
	// DefaultMetadataStore is the name of the store holding store versions.
	DefaultMetadataStore = "systemCache-metadataStore"
)

// Options qualify the store an operation applies to.
type Options struct {
	// Version of the store. OpenStore defaults it to DefaultVersion;
	// for HasStore and DeleteStore an empty version means every version.
	Version string
	// SkipMetadata keeps OpenStore from recording the version in the metadata store.
	SkipMetadata bool
}

// Factory creates the collection backing a store.
// Factories are compared with == when registered, so use pointer types.
type Factory interface {
	Create(ctx context.Context, name string, options Options) (storage.Collection, error)
}

// EngineFactory opens stores as collections of a storage engine.
// Every version is a distinct collection.
type EngineFactory struct {
	engine storage.Engine
}

func NewEngineFactory(engine storage.Engine) *EngineFactory {
	return &EngineFactory{engine: engine}
}

func (f *EngineFactory) Create(ctx context.Context, name string, options Options) (storage.Collection, error) {
	return f.engine.Open(ctx, CollectionName(name, options.Version))
}

// CollectionName returns the physical collection name of a store version.
func CollectionName(name, version string) string {
	return name + "@" + version
}

// Store is an opened store version.
type Store struct {
	storage.Collection
	name    string
	version string
}

// Name returns the logical store name.
func (s *Store) Name() string {
	return s.name
}

func (s *Store) Version() string {
	return s.version
}

// StoreMetadata lists the known versions of a store.
type StoreMetadata struct {
	Versions []string `json:"versions"`
}

type Config struct {
	// Name of the metadata store, DefaultMetadataStore if empty.
	MetadataStore string
	// Factory used for names without a registered factory. Optional.
	DefaultFactory Factory
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Manager owns the lifecycle of stores.
type Manager struct {
	mu             sync.Mutex
	factories      map[string]Factory
	defaultFactory Factory
	stores         map[string]*Store
	recorded       map[string]bool
	opening        singleflight.Group
	metaMu         sync.Mutex
	metadataName   string
	log            zerolog.Logger
}

func New(config Config) *Manager {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	m := &Manager{
		factories:      make(map[string]Factory),
		defaultFactory: config.DefaultFactory,
		stores:         make(map[string]*Store),
		recorded:       make(map[string]bool),
		metadataName:   config.MetadataStore,
		log:            logger.With().Str("component", "storemanager").Logger(),
	}
	if m.metadataName == "" {
		m.metadataName = DefaultMetadataStore
	}
	return m
}

// RegisterStoreFactory registers the factory for stores with the given name.
// Registering the same factory again is a no-op; a different one is a ConflictError.
func (m *Manager) RegisterStoreFactory(name string, factory Factory) error {
	if factory == nil {
		return &ConfigurationError{Store: name, Message: "nil factory"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.factories[name]; ok {
		if existing == factory {
			return nil
		}
		return &ConflictError{Name: name}
	}
	m.factories[name] = factory
	m.log.Debug().Str("store", name).Msg("Registered store factory")
	return nil
}

// RegisterDefaultStoreFactory registers the factory for names without their own factory.
func (m *Manager) RegisterDefaultStoreFactory(factory Factory) error {
	if factory == nil {
		return &ConfigurationError{Message: "nil default factory"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.defaultFactory != nil {
		if m.defaultFactory == factory {
			return nil
		}
		return &ConflictError{}
	}
	m.defaultFactory = factory
	return nil
}

func (m *Manager) factory(name string) (Factory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.factories[name]; ok {
		return f, nil
	}
	if m.defaultFactory != nil {
		return m.defaultFactory, nil
	}
	return nil, &ConfigurationError{Store: name, Message: "no store factory registered"}
}

// OpenStore returns the store with the given name and version, creating it if needed.
// Concurrent calls for the same store share a single open and return the same *Store.
func (m *Manager) OpenStore(ctx context.Context, name string, options Options) (*Store, error) {
	if options.Version == "" {
		options.Version = DefaultVersion
	}
	id := CollectionName(name, options.Version)

	m.mu.Lock()
	store, ok := m.stores[id]
	m.mu.Unlock()
	if !ok {
		v, err, _ := m.opening.Do(id, func() (any, error) {
			m.mu.Lock()
			if s, ok := m.stores[id]; ok {
				m.mu.Unlock()
				return s, nil
			}
			m.mu.Unlock()

			f, err := m.factory(name)
			if err != nil {
				return nil, err
			}
			c, err := f.Create(ctx, name, options)
			if err != nil {
				return nil, fmt.Errorf("create store %s: %w", id, err)
			}
			s := &Store{Collection: c, name: name, version: options.Version}
			m.mu.Lock()
			m.stores[id] = s
			m.mu.Unlock()
			m.log.Debug().Str("store", name).Str("version", options.Version).Msg("Opened store")
			return s, nil
		})
		if err != nil {
			return nil, err
		}
		store = v.(*Store)
	}

	if !options.SkipMetadata && name != m.metadataName {
		if err := m.recordVersion(ctx, name, options.Version); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (m *Manager) metadataStore(ctx context.Context) (*Store, error) {
	return m.OpenStore(ctx, m.metadataName, Options{SkipMetadata: true})
}

func (m *Manager) readMetadata(ctx context.Context, meta *Store, name string) (StoreMetadata, bool, error) {
	var md StoreMetadata
	doc, err := meta.Get(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return md, false, nil
	}
	if err != nil {
		return md, false, err
	}
	if err := doc.DecodeValue(&md); err != nil {
		return md, false, fmt.Errorf("decode metadata of store %s: %w", name, err)
	}
	return md, true, nil
}

func (m *Manager) writeMetadata(ctx context.Context, meta *Store, name string, md StoreMetadata) error {
	sort.Strings(md.Versions)
	doc, err := storage.NewDocument(name, map[string]string{"name": name}, md)
	if err != nil {
		return err
	}
	return meta.Put(ctx, doc)
}

func (m *Manager) recordVersion(ctx context.Context, name, version string) error {
	id := CollectionName(name, version)
	m.mu.Lock()
	done := m.recorded[id]
	m.mu.Unlock()
	if done {
		return nil
	}

	m.metaMu.Lock()
	defer m.metaMu.Unlock()
	meta, err := m.metadataStore(ctx)
	if err != nil {
		return err
	}
	md, _, err := m.readMetadata(ctx, meta, name)
	if err != nil {
		return err
	}
	if !slices.Contains(md.Versions, version) {
		md.Versions = append(md.Versions, version)
		if err := m.writeMetadata(ctx, meta, name, md); err != nil {
			return fmt.Errorf("record version %s of store %s: %w", version, name, err)
		}
	}
	m.mu.Lock()
	m.recorded[id] = true
	m.mu.Unlock()
	return nil
}

// HasStore reports whether the store, or the given version of it, is known.
func (m *Manager) HasStore(ctx context.Context, name string, options Options) (bool, error) {
	meta, err := m.metadataStore(ctx)
	if err != nil {
		return false, err
	}
	md, _, err := m.readMetadata(ctx, meta, name)
	if err != nil {
		return false, err
	}
	if options.Version == "" {
		return len(md.Versions) > 0, nil
	}
	return slices.Contains(md.Versions, options.Version), nil
}

// DeleteStore destroys the given version of a store, or every version when
// none is given, and updates the metadata store. It returns false if nothing existed.
func (m *Manager) DeleteStore(ctx context.Context, name string, options Options) (bool, error) {
	m.metaMu.Lock()
	defer m.metaMu.Unlock()

	meta, err := m.metadataStore(ctx)
	if err != nil {
		return false, err
	}
	md, found, err := m.readMetadata(ctx, meta, name)
	if err != nil {
		return false, err
	}

	targets := make([]string, 0)
	if options.Version != "" {
		if slices.Contains(md.Versions, options.Version) || m.isOpen(name, options.Version) {
			targets = append(targets, options.Version)
		}
	} else {
		targets = append(targets, md.Versions...)
		for _, v := range m.openVersions(name) {
			if !slices.Contains(targets, v) {
				targets = append(targets, v)
			}
		}
	}
	if len(targets) == 0 {
		return false, nil
	}

	for _, version := range targets {
		store, err := m.OpenStore(ctx, name, Options{Version: version, SkipMetadata: true})
		if err != nil {
			return false, err
		}
		if err := store.Destroy(ctx); err != nil {
			return false, fmt.Errorf("destroy store %s: %w", CollectionName(name, version), err)
		}
		id := CollectionName(name, version)
		m.mu.Lock()
		delete(m.stores, id)
		delete(m.recorded, id)
		m.mu.Unlock()
		md.Versions = slices.DeleteFunc(md.Versions, func(v string) bool { return v == version })
	}

	if found {
		if len(md.Versions) == 0 {
			if _, err := meta.RemoveByKey(ctx, name); err != nil {
				return false, err
			}
		} else if err := m.writeMetadata(ctx, meta, name, md); err != nil {
			return false, err
		}
	}
	m.log.Debug().Str("store", name).Strs("versions", targets).Msg("Deleted store")
	return true, nil
}

// GetStoresMetadata returns the known versions of every recorded store.
func (m *Manager) GetStoresMetadata(ctx context.Context) (map[string]StoreMetadata, error) {
	meta, err := m.metadataStore(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := meta.Find(ctx, storage.All())
	if err != nil {
		return nil, err
	}
	result := make(map[string]StoreMetadata, len(docs))
	for _, doc := range docs {
		var md StoreMetadata
		if err := doc.DecodeValue(&md); err != nil {
			m.log.Warn().Err(err).Str("store", doc.Key).Msg("Skipping unreadable store metadata")
			continue
		}
		result[doc.Key] = md
	}
	return result, nil
}

func (m *Manager) isOpen(name, version string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stores[CollectionName(name, version)]
	return ok
}

func (m *Manager) openVersions(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := make([]string, 0)
	for _, s := range m.stores {
		if s.name == name {
			versions = append(versions, s.version)
		}
	}
	sort.Strings(versions)
	return versions
}
