// Package serializer converts HTTP requests and responses to and from the
// JSON form in which they are stored.
package serializer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/always-cache/offline-cache/rfc9111"
)

// Request is a stored HTTP request.
type Request struct {
	URL    string `json:"url"`
	Method string `json:"method"`
	// Host header, when it differs from the URL host.
	Host    string      `json:"host,omitempty"`
	Headers http.Header `json:"headers"`
	Body    []byte      `json:"body,omitempty"`
}

// Response is a stored HTTP response.
// When the body has been shredded, Body is empty and BodyAbstract describes
// where the body data lives.
type Response struct {
	Status       int         `json:"status"`
	StatusText   string      `json:"statusText"`
	Headers      http.Header `json:"headers"`
	Body         []byte      `json:"body,omitempty"`
	BodyAbstract string      `json:"bodyAbstract,omitempty"`
}

// SerializeRequest reads the request into its stored form.
// The request body is restored so the request can still be sent.
func SerializeRequest(r *http.Request) (Request, error) {
	body, err := readAndRestore(&r.Body)
	if err != nil {
		return Request{}, fmt.Errorf("read request body: %w", err)
	}
	stored := Request{
		URL:     r.URL.String(),
		Method:  r.Method,
		Headers: rfc9111.StorableHeader(r.Header),
		Body:    body,
	}
	if r.Host != r.URL.Host {
		stored.Host = r.Host
	}
	return stored, nil
}

// HTTPRequest creates a live request from the stored request.
func (s Request) HTTPRequest(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if len(s.Body) > 0 {
		body = bytes.NewReader(s.Body)
	}
	r, err := http.NewRequestWithContext(ctx, s.Method, s.URL, body)
	if err != nil {
		return nil, err
	}
	if s.Headers != nil {
		r.Header = s.Headers.Clone()
	}
	if s.Host != "" {
		r.Host = s.Host
	}
	return r, nil
}

// SerializeResponse reads the response into its stored form.
// The response body is restored so the response can still be used.
func SerializeResponse(res *http.Response) (Response, error) {
	body, err := readAndRestore(&res.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response body: %w", err)
	}
	return Response{
		Status:     res.StatusCode,
		StatusText: statusText(res),
		Headers:    rfc9111.StorableHeader(res.Header),
		Body:       body,
	}, nil
}

// HTTPResponse creates a live response from the stored response.
func (s Response) HTTPResponse(req *http.Request) *http.Response {
	header := http.Header{}
	if s.Headers != nil {
		header = s.Headers.Clone()
	}
	text := s.StatusText
	if text == "" {
		text = http.StatusText(s.Status)
	}
	return &http.Response{
		Status:        strconv.Itoa(s.Status) + " " + text,
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

func statusText(res *http.Response) string {
	if text := strings.TrimPrefix(res.Status, strconv.Itoa(res.StatusCode)+" "); text != "" && text != res.Status {
		return text
	}
	return http.StatusText(res.StatusCode)
}

// readAndRestore reads the whole body and sets it back to an unread copy.
func readAndRestore(body *io.ReadCloser) ([]byte, error) {
	if *body == nil || *body == http.NoBody {
		return nil, nil
	}
	b, err := io.ReadAll(*body)
	(*body).Close()
	*body = io.NopCloser(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return b, nil
}
