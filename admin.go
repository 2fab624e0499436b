package offline

import (
	"encoding/json"
	"errors"
	"net/http"

	syncmanager "github.com/always-cache/offline-cache/pkg/sync-manager"

	"github.com/go-chi/chi/v5"
)

// AdminPrefix is the path prefix of the admin API.
const AdminPrefix = "/.offline"

// QueuedRequest is a sync log entry in the admin API.
type QueuedRequest struct {
	RequestID string `json:"requestId"`
	Method    string `json:"method"`
	URL       string `json:"url"`
}

// syncFailure is the admin API body of a failed sync run.
type syncFailure struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Status    int    `json:"status,omitempty"`
}

func (p *Proxy) newRouter() http.Handler {
	r := chi.NewRouter()
	r.Route(AdminPrefix, func(r chi.Router) {
		r.Post("/sync", p.handleSync)
		r.Get("/sync-log", p.handleSyncLog)
		r.Delete("/sync-log/{id}", p.handleDiscard)
		r.Get("/stores", p.handleStores)
		r.Post("/offline", func(w http.ResponseWriter, r *http.Request) {
			p.SetOffline(true)
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/online", func(w http.ResponseWriter, r *http.Request) {
			p.SetOffline(false)
			w.WriteHeader(http.StatusNoContent)
		})
	})
	return r
}

func (p *Proxy) handleSync(w http.ResponseWriter, r *http.Request) {
	err := p.Sync(r.Context())
	if err == nil {
		p.handleSyncLog(w, r)
		return
	}
	getLogger(r).Warn().Err(err).Msg("Sync failed")
	if errors.Is(err, syncmanager.ErrAlreadySyncing) {
		writeJSON(w, http.StatusConflict, syncFailure{Error: err.Error()})
		return
	}
	failure := syncFailure{Error: err.Error()}
	status := http.StatusInternalServerError
	if se, ok := syncmanager.AsSyncError(err); ok {
		failure.Kind = string(se.Kind)
		failure.RequestID = se.RequestID
		status = http.StatusBadGateway
		if se.Response != nil {
			failure.Status = se.Response.StatusCode
		}
	}
	writeJSON(w, status, failure)
}

func (p *Proxy) handleSyncLog(w http.ResponseWriter, r *http.Request) {
	entries, err := p.sync.GetSyncLog(r.Context())
	if err != nil {
		getLogger(r).Error().Err(err).Msg("Could not read sync log")
		writeJSON(w, http.StatusInternalServerError, syncFailure{Error: err.Error()})
		return
	}
	queued := make([]QueuedRequest, 0, len(entries))
	for _, e := range entries {
		queued = append(queued, QueuedRequest{RequestID: e.RequestID, Method: e.Request.Method, URL: e.Request.URL.String()})
	}
	writeJSON(w, http.StatusOK, queued)
}

func (p *Proxy) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := p.sync.RemoveRequest(r.Context(), id)
	if err != nil {
		getLogger(r).Error().Err(err).Str("requestId", id).Msg("Could not remove request")
		writeJSON(w, http.StatusInternalServerError, syncFailure{Error: err.Error()})
		return
	}
	if removed == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, QueuedRequest{RequestID: id, Method: removed.Method, URL: removed.URL})
}

func (p *Proxy) handleStores(w http.ResponseWriter, r *http.Request) {
	if p.stores == nil {
		http.NotFound(w, r)
		return
	}
	metadata, err := p.stores.GetStoresMetadata(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, syncFailure{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, metadata)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
