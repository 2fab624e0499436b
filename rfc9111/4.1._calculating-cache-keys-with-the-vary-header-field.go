package rfc9111

import (
	"net/http"
	"strings"
)

// §  4.1.  Calculating Cache Keys with the Vary Header Field
// §
// §     When a cache receives a request that can be satisfied by a stored
// §     response and that stored response contains a Vary header field
// §     (Section 12.5.5 of [HTTP]), the cache MUST NOT use that stored
// §     response without revalidation unless all the presented request header
// §     fields nominated by that Vary field value match those fields in the
// §     original request (i.e., the request that caused the cached response
// §     to be stored).
//
// VaryMatches reports whether the presented request headers match the
// original request headers for every field nominated by vary.
func VaryMatches(vary []string, original, presented http.Header) bool {
	for _, name := range vary {
		// §  A stored response with a Vary header field value containing a member
		// §  "*" always fails to match.
		if name == "*" {
			return false
		}
		want, wantOk := NormalizedField(original, name)
		got, gotOk := NormalizedField(presented, name)
		// §  If (after any normalization that might take place) a header field is
		// §  absent from a request, it can only match another request if it is
		// §  also absent there.
		if wantOk != gotOk || want != got {
			return false
		}
	}
	return true
}

// VaryStar reports whether the Vary header field value contains "*".
func VaryStar(header http.Header) bool {
	for _, name := range GetListHeader(header, "Vary") {
		if name == "*" {
			return true
		}
	}
	return false
}

// §     The header fields from two requests are defined to match if and only
// §     if those in the first request can be transformed to those in the
// §     second request by applying any of the following:
// §
// §     *  adding or removing whitespace, where allowed in the header field's
// §        syntax
// §
// §     *  combining multiple header field lines with the same field name
// §        (see Section 5.2 of [HTTP])
//
// NormalizedField returns the combined, whitespace-normalized value of a
// header field and whether the field is present.
func NormalizedField(header http.Header, name string) (string, bool) {
	values := header.Values(name)
	if len(values) == 0 {
		return "", false
	}
	members := make([]string, 0, len(values))
	for _, v := range values {
		for _, member := range strings.Split(v, ",") {
			members = append(members, strings.Join(strings.Fields(member), " "))
		}
	}
	return strings.Join(members, ","), true
}
