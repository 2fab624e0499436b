package rfc9111

import "net/http"

// §  4.  Constructing Responses from Caches
// §
// §     A cache MUST write through requests with methods that are unsafe
// §     (Section 9.2.1 of [HTTP]) to the origin server; i.e., a cache is not
// §     allowed to generate a reply to such a request before having forwarded
// §     the request and having received a corresponding response.
//
// UnsafeRequest reports whether the request method is not known to be safe.
func UnsafeRequest(req *http.Request) bool {
	return !SafeMethod(req.Method)
}

// SafeMethod reports whether the method is safe in the sense of Section 9.2.1 of [HTTP].
func SafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}
