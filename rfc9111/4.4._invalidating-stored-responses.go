package rfc9111

import (
	"net/http"
	"net/url"
)

// §  4.4.  Invalidating Stored Responses
// §
// §     Because unsafe request methods (Section 9.2.1 of [HTTP]) such as PUT,
// §     POST, or DELETE have the potential for changing state on the origin
// §     server, intervening caches are required to invalidate stored
// §     responses to keep their contents up to date.
// §
// §     A cache MUST invalidate the target URI (Section 7.1 of [HTTP]) when
// §     it receives a non-error status code in response to an unsafe request
// §     method (including methods whose safety is unknown).
// §
// §     A cache MAY invalidate other URIs when it receives a non-error status
// §     code in response to an unsafe request method (including methods whose
// §     safety is unknown).  In particular, the URI(s) in the Location and
// §     Content-Location response header fields (if present) are candidates
// §     for invalidation; other URIs might be discovered through mechanisms
// §     not specified in this document.  However, a cache MUST NOT trigger an
// §     invalidation under these conditions if the origin (Section 4.3.1 of
// §     [HTTP]) of the URI to be invalidated differs from that of the target
// §     URI (Section 7.1 of [HTTP]).  This helps prevent denial-of-service
// §     attacks.
//
// GetInvalidateURIs returns the absolute URIs whose stored responses are
// invalidated by the response to req. The target URI comes first.
func GetInvalidateURIs(req *http.Request, res *http.Response) []string {
	if !UnsafeRequest(req) || !nonErrorStatus(res.StatusCode) {
		return nil
	}
	target := req.URL
	uris := []string{target.String()}
	for _, name := range []string{"Location", "Content-Location"} {
		value := res.Header.Get(name)
		if value == "" {
			continue
		}
		ref, err := url.Parse(value)
		if err != nil {
			continue
		}
		u := target.ResolveReference(ref)
		if u.Scheme != target.Scheme || u.Host != target.Host {
			continue
		}
		if s := u.String(); !containsString(uris, s) {
			uris = append(uris, s)
		}
	}
	return uris
}

// §     A "non-error response" is one with a 2xx (Successful) or 3xx
// §     (Redirection) status code.
func nonErrorStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 400
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
