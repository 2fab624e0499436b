// Package cachekey derives cache keys from requests and responses, and
// shreds response bodies into the resource stores of their endpoints.
package cachekey

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	storemanager "github.com/always-cache/offline-cache/pkg/store-manager"
	"github.com/always-cache/offline-cache/rfc9111"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	keySeparator = "$"
	varyStar     = "*"
)

// keyPattern splits a key into url, method and vary parts. The url may
// contain the separator, the vary part never does.
var keyPattern = regexp.MustCompile(`^(.*)\$([A-Z]+)\$([^$]*)$`)

// StoreOpener opens the stores holding shredded resources.
type StoreOpener interface {
	OpenStore(ctx context.Context, name string, options storemanager.Options) (*storemanager.Store, error)
}

// Handler derives cache keys and metadata and handles shredded bodies.
type Handler struct {
	stores    StoreOpener
	endpoints *Registry
	log       zerolog.Logger
}

// New creates a Handler. Endpoints may be nil, in which case nothing is shredded.
func New(stores StoreOpener, endpoints *Registry, logger *zerolog.Logger) *Handler {
	if logger == nil {
		logger = &log.Logger
	}
	if endpoints == nil {
		endpoints = NewRegistry()
	}
	return &Handler{
		stores:    stores,
		endpoints: endpoints,
		log:       logger.With().Str("component", "cachekey").Logger(),
	}
}

// Endpoints returns the endpoint registry.
func (h *Handler) Endpoints() *Registry {
	return h.endpoints
}

// ConstructCacheKey returns the cache key for a request and the response it
// received. The key is the URL and the method, followed by the request values
// of the headers named in the response's Vary header. A response varying on
// "*" gets a unique key that never matches.
func (h *Handler) ConstructCacheKey(req *http.Request, res *http.Response) string {
	key := req.URL.String() + keySeparator + req.Method + keySeparator
	if res == nil {
		return key
	}
	vary := rfc9111.GetListHeader(res.Header, "Vary")
	for _, name := range vary {
		if name == varyStar {
			return key + varyStar + uuid.Must(uuid.NewV7()).String()
		}
	}
	for _, name := range vary {
		value, _ := rfc9111.NormalizedField(req.Header, name)
		key += url.QueryEscape(strings.ToLower(name)) + "=" + url.QueryEscape(value) + ";"
	}
	return key
}

// MatchOptions relax request matching, as in the Cache API.
type MatchOptions struct {
	IgnoreSearch bool
	IgnoreMethod bool
	IgnoreVary   bool
}

// GetMatchedCacheKeys returns the keys, in the given order, that the request matches.
func (h *Handler) GetMatchedCacheKeys(req *http.Request, options MatchOptions, keys []string) []string {
	wantURL := req.URL.String()
	if options.IgnoreSearch {
		wantURL = BaseURL(req.URL)
	}
	matched := make([]string, 0)
	for _, key := range keys {
		parts := keyPattern.FindStringSubmatch(key)
		if parts == nil {
			h.log.Warn().Str("key", key).Msg("Skipping malformed cache key")
			continue
		}
		keyURL, method, vary := parts[1], parts[2], parts[3]
		if options.IgnoreSearch {
			if u, err := url.Parse(keyURL); err == nil {
				keyURL = BaseURL(u)
			}
		}
		if keyURL != wantURL {
			continue
		}
		if !options.IgnoreMethod && method != req.Method {
			continue
		}
		if !options.IgnoreVary && !varyPartMatches(vary, req.Header) {
			continue
		}
		matched = append(matched, key)
	}
	return matched
}

func varyPartMatches(vary string, header http.Header) bool {
	if strings.HasPrefix(vary, varyStar) {
		return false
	}
	for _, pair := range strings.Split(vary, ";") {
		if pair == "" {
			continue
		}
		escaped, want, _ := strings.Cut(pair, "=")
		name, err := url.QueryUnescape(escaped)
		if err != nil {
			return false
		}
		value, _ := rfc9111.NormalizedField(header, name)
		if url.QueryEscape(value) != want {
			return false
		}
	}
	return true
}

// Metadata is stored with every cache entry and sync log entry.
// Times are Unix milliseconds.
type Metadata struct {
	URL         string `json:"url"`
	Method      string `json:"method"`
	BaseURL     string `json:"baseUrl"`
	Created     int64  `json:"created"`
	LastUpdated int64  `json:"lastupdated"`
}

// ConstructMetadata returns the metadata of a request created now.
func ConstructMetadata(req *http.Request) Metadata {
	now := time.Now().UnixMilli()
	return Metadata{
		URL:         req.URL.String(),
		Method:      req.Method,
		BaseURL:     BaseURL(req.URL),
		Created:     now,
		LastUpdated: now,
	}
}

// ConstructMetadata is the Handler form of the package function.
func (h *Handler) ConstructMetadata(req *http.Request) Metadata {
	return ConstructMetadata(req)
}

// BaseURL returns the URL without query string and fragment.
func BaseURL(u *url.URL) string {
	base := *u
	base.RawQuery = ""
	base.ForceQuery = false
	base.Fragment = ""
	base.RawFragment = ""
	return base.String()
}
