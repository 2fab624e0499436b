// Package offline is an offline-first HTTP proxy. Reads are served from the
// origin and kept in an offline cache; writes that cannot reach the origin are
// queued and replayed later by the sync manager.
package offline

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
	storemanager "github.com/always-cache/offline-cache/pkg/store-manager"
	syncmanager "github.com/always-cache/offline-cache/pkg/sync-manager"
	"github.com/always-cache/offline-cache/rfc9111"
	"github.com/always-cache/offline-cache/rfc9211"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// RequestIDHeader carries the sync log id of a queued request.
const RequestIDHeader = "X-Offline-Request-Id"

// StoresLister lists the stores for diagnostics.
type StoresLister interface {
	GetStoresMetadata(ctx context.Context) (map[string]storemanager.StoreMetadata, error)
}

type Config struct {
	// URL of the origin server. Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	Cache      *cache.Cache
	// Keys holds the endpoint options, e.g. fetch strategies.
	Keys *cachekey.Handler
	Sync *syncmanager.Manager
	// Stores is listed by the admin API. Optional.
	Stores StoresLister
	// Options for sync runs started by the proxy.
	SyncOptions syncmanager.SyncOptions
	// Transport to the origin, http.DefaultTransport if nil.
	Transport http.RoundTripper
	// Start in offline mode.
	Offline bool
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Proxy is the front door of the offline cache.
type Proxy struct {
	cache        *cache.Cache
	keys         *cachekey.Handler
	sync         *syncmanager.Manager
	stores       StoresLister
	syncOptions  syncmanager.SyncOptions
	reverseproxy httputil.ReverseProxy
	offline      atomic.Bool
	handler      http.Handler
	router       http.Handler
	// pending tracks delayed cache updates.
	pending sync.WaitGroup
	log     zerolog.Logger
}

// New creates the proxy.
func New(config Config) (*Proxy, error) {
	if config.Cache == nil || config.Keys == nil || config.Sync == nil {
		return nil, errors.New("proxy needs a cache, a key handler and a sync manager")
	}
	if config.OriginURL.Host == "" {
		return nil, errors.New("proxy needs an origin URL")
	}
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	p := &Proxy{
		cache:       config.Cache,
		keys:        config.Keys,
		sync:        config.Sync,
		stores:      config.Stores,
		syncOptions: config.SyncOptions,
		log:         logger.With().Str("origin", config.OriginURL.String()).Logger(),
	}
	p.offline.Store(config.Offline)

	host := config.OriginURL.Host
	hostHeader := host
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
	}
	transport := config.Transport
	if transport == nil {
		transport = originTransport(config.OriginHost)
	}
	p.reverseproxy = httputil.ReverseProxy{
		Director:     createDirector(config.OriginURL.Scheme, host, hostHeader),
		Transport:    transport,
		ErrorHandler: handleOriginError,
	}

	p.router = p.newRouter()
	var h http.Handler = http.HandlerFunc(p.serve)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Str("sourceIp", getRequestSourceIp(r)).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Sent response to client")
	})(h)
	p.handler = hlog.NewHandler(p.log)(h)
	return p, nil
}

// ServeHTTP implements the http.Handler interface.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.handler.ServeHTTP(w, r)
}

// SetOffline switches offline mode. In offline mode the origin is not contacted.
func (p *Proxy) SetOffline(offline bool) {
	if p.offline.Swap(offline) != offline {
		p.log.Info().Bool("offline", offline).Msg("Switched mode")
	}
}

func (p *Proxy) IsOnline() bool {
	return !p.offline.Load()
}

// Sync replays the queued requests with the configured options.
func (p *Proxy) Sync(ctx context.Context) error {
	return p.sync.Sync(ctx, p.syncOptions)
}

// Wait blocks until delayed cache updates have finished.
func (p *Proxy) Wait() {
	p.pending.Wait()
}

func (p *Proxy) serve(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, AdminPrefix+"/") {
		p.router.ServeHTTP(w, r)
		return
	}
	req, err := p.originRequest(r)
	if err != nil {
		getLogger(r).Error().Err(err).Msg("Could not read request")
		http.Error(w, "could not read request", http.StatusBadRequest)
		return
	}
	switch {
	case req.Header.Get(syncmanager.ReplayHeader) != "":
		p.passThrough(w, req, rfc9211.FwdReasonBypass)
	case req.Method == http.MethodGet || req.Method == http.MethodHead:
		p.serveRead(w, req)
	case rfc9111.SafeMethod(req.Method):
		p.passThrough(w, req, rfc9211.FwdReasonMethod)
	default:
		p.serveWrite(w, req)
	}
}

// originRequest returns the request addressed to the origin, with its body buffered.
func (p *Proxy) originRequest(r *http.Request) (*http.Request, error) {
	req := rfc9111.GetForwardRequest(r)
	req.RequestURI = ""
	p.reverseproxy.Director(req)
	if r.Body == nil || r.Body == http.NoBody {
		req.Body = http.NoBody
		return req, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	setBody(req, body)
	return req, nil
}

func setBody(req *http.Request, body []byte) {
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}

// forward sends the request to the origin and saves the response.
// The saver's Err is set if the origin could not be reached.
func (p *Proxy) forward(req *http.Request) *tee.ResponseSaver {
	rs := tee.NewResponseSaver(nil)
	if req.GetBody != nil {
		req.Body, _ = req.GetBody()
	}
	p.reverseproxy.ServeHTTP(rs, req)
	return rs
}

func handleOriginError(w http.ResponseWriter, r *http.Request, err error) {
	if rs, ok := w.(*tee.ResponseSaver); ok {
		rs.Fail(err)
		return
	}
	w.WriteHeader(http.StatusBadGateway)
}

func (p *Proxy) passThrough(w http.ResponseWriter, req *http.Request, reason rfc9211.FwdReason) {
	cs := rfc9211.CacheStatus{}
	cs.Forward(reason)
	rs := p.forward(req)
	if rs.Err() != nil {
		p.unavailable(w, req, cs, rs.Err())
		return
	}
	cs.FwdStatus = rs.StatusCode()
	p.writeResponse(w, req, rs.Response(req), cs)
}

// serveRead serves GET and HEAD requests with the strategy of their endpoint.
func (p *Proxy) serveRead(w http.ResponseWriter, req *http.Request) {
	cs := rfc9211.CacheStatus{}
	cacheFirst := false
	if endpoint := p.keys.Endpoints().Find(req); endpoint != nil {
		cacheFirst = endpoint.Strategy == cachekey.StrategyCacheFirst
	}

	if cacheFirst || !p.IsOnline() {
		if res := p.match(req); res != nil {
			cs.Hit()
			if !p.IsOnline() {
				cs.Detail("offline")
			}
			p.writeResponse(w, req, res, cs)
			return
		}
		cs.Forward(rfc9211.FwdReasonUriMiss)
		if !p.IsOnline() {
			cs.Detail("offline")
			p.unavailable(w, req, cs, nil)
			return
		}
	} else {
		cs.Forward(rfc9211.FwdReasonRequest)
	}

	rs := p.forward(req)
	if rs.Err() != nil || rs.StatusCode() >= http.StatusInternalServerError {
		if res := p.match(req); res != nil {
			cs.Hit()
			cs.Detail("origin-error")
			p.writeResponse(w, req, res, cs)
			return
		}
		if rs.Err() != nil {
			p.unavailable(w, req, cs, rs.Err())
			return
		}
	}
	res := rs.Response(req)
	cs.FwdStatus = res.StatusCode
	if res.StatusCode < http.StatusInternalServerError {
		stored, err := p.store(req, res)
		if err != nil {
			getLogger(req).Error().Err(err).Msg("Could not store response")
		}
		cs.Stored = stored
	}
	p.writeResponse(w, req, res, cs)
}

// serveWrite forwards unsafe requests, or queues them when the origin cannot be reached.
func (p *Proxy) serveWrite(w http.ResponseWriter, req *http.Request) {
	cs := rfc9211.CacheStatus{}
	cs.Forward(rfc9211.FwdReasonMethod)
	if p.IsOnline() {
		rs := p.forward(req)
		if rs.Err() == nil {
			res := rs.Response(req)
			cs.FwdStatus = res.StatusCode
			p.updateIfNeeded(req, res)
			p.writeResponse(w, req, res, cs)
			return
		}
		getLogger(req).Warn().Err(rs.Err()).Str("url", req.URL.String()).Msg("Origin unreachable, queueing request")
	}

	if req.GetBody != nil {
		req.Body, _ = req.GetBody()
	}
	id, err := p.sync.InsertRequest(req.Context(), req, nil)
	if err != nil {
		getLogger(req).Error().Err(err).Msg("Could not queue request")
		http.Error(w, "could not queue request", http.StatusInternalServerError)
		return
	}
	cs.Detail("queued")
	w.Header().Set("Cache-Status", cs.String())
	w.Header().Set(RequestIDHeader, id)
	writeJSON(w, http.StatusAccepted, map[string]string{"requestId": id})
}

func (p *Proxy) match(req *http.Request) *http.Response {
	res, err := p.cache.Match(req.Context(), req, cachekey.MatchOptions{})
	if err != nil {
		getLogger(req).Error().Err(err).Msg("Could not retrieve from cache")
		return nil
	}
	return res
}

// store puts the response in the cache if it may be stored.
func (p *Proxy) store(req *http.Request, res *http.Response) (bool, error) {
	if noStore, err := rfc9111.MustNotStore(res); err != nil || noStore {
		return false, err
	}
	if err := p.cache.Put(req.Context(), req, res); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Proxy) unavailable(w http.ResponseWriter, req *http.Request, cs rfc9211.CacheStatus, err error) {
	if err != nil {
		getLogger(req).Warn().Err(err).Str("url", req.URL.String()).Msg("Origin unreachable")
	}
	w.Header().Set("Cache-Status", cs.String())
	http.Error(w, "offline and not cached", http.StatusServiceUnavailable)
}

func (p *Proxy) writeResponse(w http.ResponseWriter, req *http.Request, res *http.Response, cs rfc9211.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Set("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	if req.Method == http.MethodHead || res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		getLogger(req).Error().Err(err).Msg("Could not write response body to client")
	}
	getLogger(req).Trace().Str("cacheStatus", cs.String()).Msgf("Wrote body (%d bytes)", bytesWritten)
}

// originTransport returns the transport to the origin, negotiating TLS for
// host when it is set.
func originTransport(host string) http.RoundTripper {
	if host == "" {
		return http.DefaultTransport
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			ServerName: host,
		},
	}
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the default logger.
func getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}
	return logger
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// upstream proxy headers are not passed back to the client
		if k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func originURL(raw string) (url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return url.URL{}, fmt.Errorf("origin %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return url.URL{}, fmt.Errorf("origin %q: scheme and host required", raw)
	}
	return *u, nil
}
