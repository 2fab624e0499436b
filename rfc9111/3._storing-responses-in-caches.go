package rfc9111

import (
	"fmt"
	"net/http"
)

// § 3.  Storing Responses in Caches
//
// MustNotStore reports whether a private cache is forbidden from storing the
// response. The response must carry the request it answers.
func MustNotStore(res *http.Response) (bool, error) {
	if res.StatusCode == 0 {
		return true, fmt.Errorf("Response status code empty")
	}
	if res.Request == nil {
		return true, fmt.Errorf("Response request object empty")
	}
	if res.Request.Method == "" {
		return true, fmt.Errorf("Response request method empty")
	}
	cc := ParseCacheControl(res.Header.Values("Cache-Control"))
	// §    A cache MUST NOT store a response to a request unless:
	// §      *  the request method is understood by the cache;
	if !requestMethodIsUnderstood(res.Request.Method) {
		return true, nil
	}
	// §  *  the response status code is final (see Section 15 of [HTTP]);
	if !responseStatusCodeIsFinal(res.StatusCode) {
		return true, nil
	}
	// §  *  if the response status code is 206 or 304, or the must-understand
	// §     cache directive (see Section 5.2.2.3) is present: the cache
	// §     understands the response status code;
	if (res.StatusCode == http.StatusPartialContent || res.StatusCode == http.StatusNotModified ||
		cc.HasDirective("must-understand")) && !responseStatusCodeIsUnderstood(res.StatusCode) {
		return true, nil
	}
	// §  *  the no-store cache directive is not present in the response (see
	// §     Section 5.2.2.5);
	if cc.HasDirective("no-store") {
		return true, nil
	}
	// the remaining conditions apply to shared caches or to freshness,
	// and an offline cache keeps whatever it may store until replaced
	return false, nil
}

func requestMethodIsUnderstood(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead:
		return true
	}
	return false
}

func responseStatusCodeIsUnderstood(statusCode int) bool {
	return statusCode == http.StatusOK
}

func responseStatusCodeIsFinal(statusCode int) bool {
	return statusCode >= 200 && statusCode <= 599
}
