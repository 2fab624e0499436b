package rfc9111

import (
	"net/http"
	"strings"
)

// §  3.1.  Storing Header and Trailer Fields
// §
// §     Caches MUST include all received response header fields -- including
// §     unrecognized ones -- when storing a response; this assures that new
// §     HTTP header fields can be successfully deployed.  However, the
// §     following exceptions are made:
// §
// §     *  The Connection header field and fields whose names are listed in it
// §        are required by Section 7.6.1 of [HTTP] to be removed before
// §        forwarding the message.  This MAY be implemented by doing so
// §        before storage.
// §
// §     *  Likewise, some fields' semantics require them to be removed before
// §        forwarding the message, and this MAY be implemented by doing so
// §        before storage; see Section 7.6.1 of [HTTP] for some examples.
func StorableHeader(header http.Header) http.Header {
	if header == nil {
		return http.Header{}
	}
	h := header.Clone()
	removeHopByHop(h)
	return h
}

// GetListHeader returns the members of a comma-separated list header,
// combining all field lines.
func GetListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}

// GetForwardRequest returns a copy of the request suitable for sending to the
// origin, i.e. without connection-specific header fields.
func GetForwardRequest(req *http.Request) *http.Request {
	r := req.Clone(req.Context())
	removeHopByHop(r.Header)
	return r
}

func removeHopByHop(h http.Header) {
	for _, name := range GetListHeader(h, "Connection") {
		h.Del(name)
	}
	h.Del("Connection")
	h.Del("Proxy-Connection")
	h.Del("Keep-Alive")
	h.Del("TE")
	h.Del("Transfer-Encoding")
	h.Del("Upgrade")
}
