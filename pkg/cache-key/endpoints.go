package cachekey

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/always-cache/offline-cache/pkg/shredder"
)

// Fetch strategies of an endpoint.
const (
	StrategyNetworkFirst = "network-first"
	StrategyCacheFirst   = "cache-first"
)

// Endpoint describes how the responses of matching requests are handled.
type Endpoint struct {
	Prefix string            `yaml:"prefix"`
	Path   string            `yaml:"path"`
	Method string            `yaml:"method"`
	Query  map[string]string `yaml:"query"`
	// Store receiving the shredded resources. Responses are kept whole if empty.
	Store string `yaml:"store"`
	// IDField identifies resources within the body.
	IDField  string `yaml:"idField"`
	Strategy string `yaml:"strategy"`
	// Codec overrides the JSON codec built from Store and IDField.
	Codec       shredder.ResourceCodec `yaml:"-"`
	QueryParser QueryParser            `yaml:"-"`
}

// ResourceCodec returns the codec shredding the endpoint's bodies, or nil.
func (e Endpoint) ResourceCodec() shredder.ResourceCodec {
	if e.Codec != nil {
		return e.Codec
	}
	if e.Store != "" {
		return shredder.JSONCodec{Store: e.Store, IDField: e.IDField}
	}
	return nil
}

func (e Endpoint) queryParser() QueryParser {
	if e.QueryParser != nil {
		return e.QueryParser
	}
	return DefaultQueryParser
}

// Matches reports whether the request is handled by the endpoint.
// An endpoint without a method matches GET and HEAD requests.
func (e Endpoint) Matches(r *http.Request) bool {
	if e.Method == "" && r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if e.Method != "" && !strings.EqualFold(e.Method, r.Method) {
		return false
	}
	if e.Path != "" && e.Path != r.URL.Path {
		return false
	}
	if e.Prefix != "" && !strings.HasPrefix(r.URL.Path, e.Prefix) {
		return false
	}
	if len(e.Query) > 0 {
		qry := r.URL.Query()
		for name, value := range e.Query {
			if value == "" && !qry.Has(name) {
				return false
			} else if value != "" && qry.Get(name) != value {
				return false
			}
		}
	}
	return true
}

// Registry holds the endpoint options. The first matching endpoint wins.
type Registry struct {
	mu        sync.RWMutex
	endpoints []Endpoint
}

func NewRegistry(endpoints ...Endpoint) *Registry {
	return &Registry{endpoints: endpoints}
}

func (r *Registry) Register(e Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = append(r.endpoints, e)
}

// Find returns the endpoint handling the request, or nil.
func (r *Registry) Find(req *http.Request) *Endpoint {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.endpoints {
		if e.Matches(req) {
			e := e
			return &e
		}
	}
	return nil
}

// QueryInfo is what a query string says about the completeness of a result.
type QueryInfo struct {
	// HasFilter is set when the query narrows the result set.
	HasFilter bool
	// Limit caps the result set; negative means unbounded.
	Limit int
}

// QueryParser interprets the query string of collection requests.
type QueryParser interface {
	ParseQuery(query url.Values) QueryInfo
}

// QueryParserFunc adapts a function to QueryParser.
type QueryParserFunc func(query url.Values) QueryInfo

func (f QueryParserFunc) ParseQuery(query url.Values) QueryInfo {
	return f(query)
}

// DefaultQueryParser treats q, filter and search as filters and reads limit.
var DefaultQueryParser QueryParser = QueryParserFunc(func(query url.Values) QueryInfo {
	info := QueryInfo{Limit: -1}
	for _, name := range []string{"q", "filter", "search"} {
		if query.Get(name) != "" {
			info.HasFilter = true
		}
	}
	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			// unreadable limits count as bounded
			n = 0
		}
		info.Limit = n
	}
	return info
})
