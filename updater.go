package offline

import (
	"context"
	"net/http"
	"time"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/cache-update"
	"github.com/always-cache/offline-cache/rfc9111"
)

// updateIfNeeded refreshes the cached responses affected by an unsafe request.
func (p *Proxy) updateIfNeeded(downReq *http.Request, upRes *http.Response) {
	p.revalidateUris(downReq.Context(),
		rfc9111.GetInvalidateURIs(downReq, upRes))
	p.saveUpdates(downReq.Context(),
		cacheupdate.GetCacheUpdates(downReq, upRes))
}

// revalidateUris fetches the stored URIs again. URIs that cannot be
// fetched any more are removed from the cache.
func (p *Proxy) revalidateUris(ctx context.Context, uris []string) {
	for _, uri := range uris {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			p.log.Error().Err(err).Str("uri", uri).Msg("Could not create request for revalidation")
			continue
		}
		has, err := p.cache.HasMatch(ctx, req, cachekey.MatchOptions{IgnoreVary: true})
		if err != nil || !has {
			continue
		}
		p.log.Trace().Str("uri", uri).Msg("Revalidating stored response")
		if saved, err := p.saveRequest(req); err != nil || !saved {
			if err != nil {
				p.log.Error().Err(err).Str("uri", uri).Msg("Error revalidating stored response")
			}
			if _, err := p.cache.Delete(ctx, req, cachekey.MatchOptions{IgnoreVary: true}); err != nil {
				p.log.Error().Err(err).Str("uri", uri).Msg("Could not invalidate stored response")
			}
		}
	}
}

// saveUpdates fetches the resources listed in the Cache-Update header.
// Delayed updates run in the background; see Wait.
func (p *Proxy) saveUpdates(ctx context.Context, updates []cacheupdate.CacheUpdate) {
	ctx = context.WithoutCancel(ctx)
	for _, update := range updates {
		p.log.Trace().Str("update", update.URL).Dur("delay", update.Delay).Msg("Updating cache based on header")
		updateCache := func() {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, update.URL, nil)
			if err != nil {
				p.log.Error().Err(err).Str("url", update.URL).Msg("Could not create request for updates")
				return
			}
			if _, err := p.saveRequest(req); err != nil {
				p.log.Error().Err(err).Str("url", update.URL).Msg("Could not save updates")
			}
		}
		if update.Delay > 0 {
			p.pending.Add(1)
			time.AfterFunc(update.Delay, func() {
				defer p.pending.Done()
				updateCache()
			})
		} else {
			updateCache()
		}
	}
}

// saveRequest fetches the request from the origin and stores the response.
// It returns false if the response was not stored.
func (p *Proxy) saveRequest(req *http.Request) (bool, error) {
	p.log.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Msg("Requesting content from origin")

	rs := p.forward(req)
	if rs.Err() != nil {
		return false, rs.Err()
	}
	if rs.StatusCode() >= http.StatusBadRequest {
		return false, nil
	}
	return p.store(req, rs.Response(req))
}
