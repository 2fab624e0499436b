// Package syncmanager keeps the queue of requests waiting to be sent to the
// origin, with the local changes each one made, and replays the queue on sync.
package syncmanager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	storemanager "github.com/always-cache/offline-cache/pkg/store-manager"
	"github.com/always-cache/offline-cache/storage"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	SyncLogStore  = "syncLogDB"
	UndoRedoStore = "redoUndoDB"
	// ReplayHeader marks requests sent by a sync run.
	ReplayHeader = "X-Offline-Sync-Replay"
)

// Stores opens the sync stores and the stores named by undo/redo records.
type Stores interface {
	OpenStore(ctx context.Context, name string, options storemanager.Options) (*storemanager.Store, error)
}

// Doer sends requests to the origin. *http.Client is a Doer.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	Manager Stores
	// Transport replays requests, http.DefaultClient if nil.
	Transport Doer
	// IDs generates request ids, UUIDv7Generator if nil.
	IDs IDGenerator
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Tracer for sync spans, the global otel tracer if nil.
	Tracer trace.Tracer
}

// UndoRedo records how a queued request changed one local document.
// A nil Undo means the document did not exist before; a nil Redo means it was removed.
type UndoRedo struct {
	Store string            `json:"store"`
	Key   string            `json:"key"`
	Undo  *storage.Document `json:"undo"`
	Redo  *storage.Document `json:"redo"`
}

type Manager struct {
	syncLog   *storemanager.Store
	undoRedo  *storemanager.Store
	stores    Stores
	transport Doer
	ids       IDGenerator
	tracer    trace.Tracer
	listeners listeners
	syncing   atomic.Bool
	log       zerolog.Logger
}

// New opens the sync log and undo/redo stores.
func New(ctx context.Context, config Config) (*Manager, error) {
	if config.Manager == nil {
		return nil, errors.New("sync manager needs a store manager")
	}
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	m := &Manager{
		stores:    config.Manager,
		transport: config.Transport,
		ids:       config.IDs,
		tracer:    config.Tracer,
		log:       logger.With().Str("component", "syncmanager").Logger(),
	}
	if m.transport == nil {
		m.transport = http.DefaultClient
	}
	if m.ids == nil {
		m.ids = UUIDv7Generator{}
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("github.com/always-cache/offline-cache/pkg/sync-manager")
	}
	var err error
	if m.syncLog, err = config.Manager.OpenStore(ctx, SyncLogStore, storemanager.Options{}); err != nil {
		return nil, fmt.Errorf("open sync log: %w", err)
	}
	if m.undoRedo, err = config.Manager.OpenStore(ctx, UndoRedoStore, storemanager.Options{}); err != nil {
		return nil, fmt.Errorf("open undo/redo log: %w", err)
	}
	return m, nil
}

// IsSyncing reports whether a sync run is active.
func (m *Manager) IsSyncing() bool {
	return m.syncing.Load()
}

// InsertRequest queues the request and returns its id. The undo/redo records,
// if any, are stored under the same id.
func (m *Manager) InsertRequest(ctx context.Context, req *http.Request, undoRedo []UndoRedo) (string, error) {
	sreq, err := serializer.SerializeRequest(req)
	if err != nil {
		return "", err
	}
	id := m.ids.Generate()
	doc, err := storage.NewDocument(id, cachekey.ConstructMetadata(req), sreq)
	if err != nil {
		return "", err
	}
	if err := m.syncLog.Put(ctx, doc); err != nil {
		return "", fmt.Errorf("insert request %s: %w", id, err)
	}
	if len(undoRedo) > 0 {
		if err := m.insertUndoRedo(ctx, id, undoRedo); err != nil {
			if _, rerr := m.syncLog.RemoveByKey(ctx, id); rerr != nil {
				m.log.Error().Err(rerr).Str("requestId", id).Msg("Could not remove request without undo/redo records")
			}
			return "", err
		}
	}
	m.log.Debug().Str("requestId", id).Str("method", req.Method).Str("url", req.URL.String()).Int("undoRedo", len(undoRedo)).Msg("Queued request")
	return id, nil
}

func (m *Manager) insertUndoRedo(ctx context.Context, id string, undoRedo []UndoRedo) error {
	doc, err := storage.NewDocument(id, nil, undoRedo)
	if err != nil {
		return err
	}
	if err := m.undoRedo.Put(ctx, doc); err != nil {
		return fmt.Errorf("insert undo/redo %s: %w", id, err)
	}
	return nil
}

// RemoveRequest removes a queued request and returns it, or nil if there was none.
// The undo/redo records of mutating requests are removed with it.
func (m *Manager) RemoveRequest(ctx context.Context, id string) (*serializer.Request, error) {
	doc, err := m.syncLog.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var sreq serializer.Request
	if err := doc.DecodeValue(&sreq); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", id, err)
	}
	if _, err := m.syncLog.RemoveByKey(ctx, id); err != nil {
		return nil, err
	}
	if sreq.Method != http.MethodGet && sreq.Method != http.MethodHead {
		if _, err := m.undoRedo.RemoveByKey(ctx, id); err != nil {
			return nil, err
		}
	}
	m.log.Trace().Str("requestId", id).Msg("Removed request")
	return &sreq, nil
}

// UpdateRequest replaces the queued request with the given id, keeping its position.
func (m *Manager) UpdateRequest(ctx context.Context, id string, req *http.Request) error {
	old, err := m.syncLog.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("update request %s: %w", id, err)
	}
	sreq, err := serializer.SerializeRequest(req)
	if err != nil {
		return err
	}
	md := cachekey.ConstructMetadata(req)
	var prev cachekey.Metadata
	if old.DecodeMetadata(&prev) == nil && prev.Created != 0 {
		md.Created = prev.Created
	}
	doc, err := storage.NewDocument(id, md, sreq)
	if err != nil {
		return err
	}
	if err := m.syncLog.Put(ctx, doc); err != nil {
		return fmt.Errorf("update request %s: %w", id, err)
	}
	return nil
}

// LogEntry is a queued request.
type LogEntry struct {
	RequestID string
	Request   *http.Request
	Stored    serializer.Request
	m         *Manager
}

// GetSyncLog returns the queued requests in the order they were inserted.
func (m *Manager) GetSyncLog(ctx context.Context) ([]*LogEntry, error) {
	docs, err := m.syncLog.Find(ctx, storage.All())
	if err != nil {
		return nil, fmt.Errorf("read sync log: %w", err)
	}
	entries := make([]*LogEntry, 0, len(docs))
	for _, doc := range docs {
		var sreq serializer.Request
		if err := doc.DecodeValue(&sreq); err != nil {
			return nil, fmt.Errorf("decode request %s: %w", doc.Key, err)
		}
		req, err := sreq.HTTPRequest(ctx)
		if err != nil {
			return nil, fmt.Errorf("rebuild request %s: %w", doc.Key, err)
		}
		entries = append(entries, &LogEntry{RequestID: doc.Key, Request: req, Stored: sreq, m: m})
	}
	return entries, nil
}

func (m *Manager) undoRedoRecords(ctx context.Context, id string) ([]UndoRedo, error) {
	doc, err := m.undoRedo.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var records []UndoRedo
	if err := doc.DecodeValue(&records); err != nil {
		return nil, fmt.Errorf("decode undo/redo %s: %w", id, err)
	}
	return records, nil
}

func (m *Manager) apply(ctx context.Context, r UndoRedo, doc *storage.Document) error {
	store, err := m.stores.OpenStore(ctx, r.Store, storemanager.Options{})
	if err != nil {
		return err
	}
	if doc == nil {
		_, err := store.RemoveByKey(ctx, r.Key)
		return err
	}
	d := *doc
	d.Key = r.Key
	return store.Put(ctx, d)
}

// Undo restores the local documents changed by the request to their previous values.
func (e *LogEntry) Undo(ctx context.Context) error {
	records, err := e.m.undoRedoRecords(ctx, e.RequestID)
	if err != nil {
		return err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if err := e.m.apply(ctx, records[i], records[i].Undo); err != nil {
			return fmt.Errorf("undo %s %s/%s: %w", e.RequestID, records[i].Store, records[i].Key, err)
		}
	}
	e.m.log.Debug().Str("requestId", e.RequestID).Int("documents", len(records)).Msg("Undid request")
	return nil
}

// Redo applies the local changes of the request again.
func (e *LogEntry) Redo(ctx context.Context) error {
	records, err := e.m.undoRedoRecords(ctx, e.RequestID)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := e.m.apply(ctx, r, r.Redo); err != nil {
			return fmt.Errorf("redo %s %s/%s: %w", e.RequestID, r.Store, r.Key, err)
		}
	}
	e.m.log.Debug().Str("requestId", e.RequestID).Int("documents", len(records)).Msg("Redid request")
	return nil
}

// AddEventListener registers a listener for an event type. A non-empty scope
// is a regular expression the request URL must match.
func (m *Manager) AddEventListener(eventType string, listener Listener, scope string) (ListenerID, error) {
	return m.listeners.add(eventType, listener, scope)
}

// RemoveEventListener removes a listener. It returns false if the id is unknown.
func (m *Manager) RemoveEventListener(id ListenerID) bool {
	return m.listeners.remove(id)
}
