// Package rfc9211 builds Cache-Status response header values (RFC 9211).
//
// Comments starting with "§" quote the RFC.
package rfc9211

import (
	"fmt"
	"strings"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates caches' handling
// §     of the request corresponding to the response it occurs within.

// CacheName identifies this cache in the header value.
const CacheName = "Offline-Cache"

type FwdReason string

const (
	// §  bypass:  The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"
	// §  method:  The request method's semantics require the request to be
	// §     forwarded.
	FwdReasonMethod FwdReason = "method"
	// §  uri-miss:  The cache did not contain any responses that matched the
	// §     request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
	// §  vary-miss:  The cache contained a response that matched the request
	// §     URI, but it could not select a response based upon this request's
	// §     header fields and stored Vary header fields.
	FwdReasonVaryMiss FwdReason = "vary-miss"
	// §  miss:  The cache did not contain any responses that could be used to
	// §     satisfy this request.
	FwdReasonMiss FwdReason = "miss"
	// §  request:  The cache was able to select a fresh response for the
	// §     request, but the request's semantics (e.g., Cache-Control request
	// §     directives) did not allow its use.
	FwdReasonRequest FwdReason = "request"
)

// CacheStatus collects the parameters of one Cache-Status list member.
type CacheStatus struct {
	// §  2.1.  The hit Parameter
	hit bool
	// §  2.2.  The fwd Parameter
	FwdReason FwdReason
	// §  2.3.  The fwd-status Parameter
	FwdStatus int
	// §  2.5.  The stored Parameter
	Stored bool
	// §  2.8.  The detail Parameter
	detail string
}

// Hit marks the response as served from the cache.
func (cs *CacheStatus) Hit() {
	cs.hit = true
	cs.FwdReason = ""
}

// Forward marks the request as forwarded to the origin.
func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.hit = false
	cs.FwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	parts := []string{CacheName}
	if cs.hit {
		parts = append(parts, "hit")
	} else if cs.FwdReason != "" {
		parts = append(parts, "fwd="+string(cs.FwdReason))
		if cs.FwdStatus != 0 {
			parts = append(parts, fmt.Sprintf("fwd-status=%d", cs.FwdStatus))
		}
	}
	if cs.Stored {
		parts = append(parts, "stored")
	}
	if cs.detail != "" {
		// §  Its value is a String
		parts = append(parts, fmt.Sprintf("detail=%q", cs.detail))
	}
	return strings.Join(parts, "; ")
}
