// Package tee records the response written by a handler, optionally writing
// it through to a client at the same time.
package tee

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ResponseSaver is an http.ResponseWriter that saves the response.
// It writes the response to the underlying http.ResponseWriter too, if there is one.
type ResponseSaver struct {
	rw           http.ResponseWriter
	b            bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
	err          error
	CreatedAt    time.Time
}

// NewResponseSaver returns a new ResponseSaver. w may be nil to only save the response.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
		header:    http.Header{},
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
	if t.rw != nil {
		copyHeader(t.rw.Header(), t.header)
		t.rw.WriteHeader(statusCode)
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if t.rw != nil {
		if _, err := t.rw.Write(b); err != nil {
			t.rw = nil
		}
	}
	return t.b.Write(b)
}

// Fail records that no response could be obtained. Nothing is written to the client.
// It is meant for httputil.ReverseProxy.ErrorHandler.
func (t *ResponseSaver) Fail(err error) {
	t.err = err
}

// Err returns the error recorded with Fail.
func (t *ResponseSaver) Err() error {
	return t.err
}

// Written reports whether a response was written.
func (t *ResponseSaver) Written() bool {
	return t.wroteHeaders
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// Updates returns the `Cache-Update` header values of the response.
func (t *ResponseSaver) Updates() []string {
	return t.header.Values("Cache-Update")
}

// Response returns the saved response as a response to req.
func (t *ResponseSaver) Response(req *http.Request) *http.Response {
	body := append([]byte(nil), t.b.Bytes()...)
	return &http.Response{
		Status:        strconv.Itoa(t.status) + " " + http.StatusText(t.status),
		StatusCode:    t.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        t.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
