// Package cacheupdate reads the `Cache-Update` response header, with which an
// origin names the resources a mutating request changed.
package cacheupdate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/always-cache/offline-cache/rfc9111"
)

var delayPattern = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// CacheUpdate represents a single `Cache-Update` entry.
type CacheUpdate struct {
	// Absolute URL of the resource, resolved against the request URL.
	URL string
	// Refresh the resource only after this delay.
	Delay time.Duration
}

// GetCacheUpdates returns the updates listed by the response to an unsafe request.
// Relative paths are resolved against the URL of req.
func GetCacheUpdates(req *http.Request, res *http.Response) []CacheUpdate {
	if !rfc9111.UnsafeRequest(req) || res == nil {
		return nil
	}
	updates := make([]CacheUpdate, 0)
	for _, header := range res.Header.Values("Cache-Update") {
		for _, update := range strings.Split(header, ",") {
			update = strings.TrimSpace(update)
			if update == "" {
				continue
			}
			u, err := resolve(req.URL, update)
			if err != nil || u.Host != req.URL.Host {
				continue
			}
			updates = append(updates, CacheUpdate{URL: u.String(), Delay: getDelay(update)})
		}
	}
	return updates
}

// resolve returns the URL named by the first parameter of the update.
func resolve(base *url.URL, update string) (*url.URL, error) {
	ref, _, _ := strings.Cut(update, ";")
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(u), nil
}

// getDelay returns the value of the `delay=N` directive, N in seconds, or 0.
func getDelay(update string) time.Duration {
	if matches := delayPattern.FindStringSubmatch(update); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}
