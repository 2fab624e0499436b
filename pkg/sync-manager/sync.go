package syncmanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPreflightTimeout bounds preflight OPTIONS requests.
const DefaultPreflightTimeout = 60 * time.Second

type SyncOptions struct {
	// PreflightOptionsRequest is a regular expression. Requests to matching
	// URLs are preceded by an OPTIONS request, once per URL and run.
	PreflightOptionsRequest        string
	PreflightOptionsRequestTimeout time.Duration
}

// Sync sends the queued requests to the origin, mutating requests first.
// Each sent request is removed from the log. The first failure ends the run
// with a *SyncError and leaves that request and the rest queued.
// A listener returning Stop ends the run without an error.
func (m *Manager) Sync(ctx context.Context, options SyncOptions) (err error) {
	if !m.syncing.CompareAndSwap(false, true) {
		return ErrAlreadySyncing
	}
	defer m.syncing.Store(false)

	ctx, span := m.tracer.Start(ctx, "syncmanager.sync")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var preflight *regexp.Regexp
	if options.PreflightOptionsRequest != "" {
		if preflight, err = regexp.Compile(options.PreflightOptionsRequest); err != nil {
			return fmt.Errorf("preflight pattern: %w", err)
		}
	}
	if options.PreflightOptionsRequestTimeout <= 0 {
		options.PreflightOptionsRequestTimeout = DefaultPreflightTimeout
	}

	entries, err := m.GetSyncLog(ctx)
	if err != nil {
		return err
	}
	entries = replayOrder(entries)
	span.SetAttributes(attribute.Int("sync.queued", len(entries)))
	if len(entries) == 0 {
		m.log.Debug().Msg("Sync log is empty")
		return nil
	}

	r := &run{m: m, preflight: preflight, timeout: options.PreflightOptionsRequestTimeout, cleared: make(map[string]bool)}
	sent := 0
	for _, entry := range entries {
		stopped, err := r.replay(ctx, entry)
		if err != nil {
			m.log.Warn().Err(err).Str("requestId", entry.RequestID).Int("sent", sent).Msg("Sync failed")
			return err
		}
		if stopped {
			m.log.Debug().Str("requestId", entry.RequestID).Int("sent", sent).Msg("Sync stopped by listener")
			return nil
		}
		sent++
	}
	m.log.Debug().Int("sent", sent).Msg("Sync completed")
	return nil
}

// replayOrder moves GET and HEAD requests after the others, keeping the order within each group.
func replayOrder(entries []*LogEntry) []*LogEntry {
	ordered := make([]*LogEntry, 0, len(entries))
	reads := make([]*LogEntry, 0)
	for _, e := range entries {
		if e.Request.Method == http.MethodGet || e.Request.Method == http.MethodHead {
			reads = append(reads, e)
			continue
		}
		ordered = append(ordered, e)
	}
	return append(ordered, reads...)
}

// run is the state of one sync run.
type run struct {
	m         *Manager
	preflight *regexp.Regexp
	timeout   time.Duration
	// cleared holds the URLs preflighted in this run.
	cleared map[string]bool
}

// replay handles one queued request. It returns true if a listener stopped the run.
func (r *run) replay(ctx context.Context, entry *LogEntry) (bool, error) {
	m := r.m
	ctx, span := m.tracer.Start(ctx, "syncmanager.replay", trace.WithAttributes(
		attribute.String("sync.request_id", entry.RequestID),
		attribute.String("http.request.method", entry.Request.Method),
		attribute.String("url.full", entry.Request.URL.String()),
	))
	defer span.End()

	req := entry.Request
	action, err := m.listeners.dispatch(ctx, Event{Type: EventBeforeSyncRequest, RequestID: entry.RequestID, Request: req})
	if err != nil {
		return false, &SyncError{Kind: KindListener, RequestID: entry.RequestID, Request: req, Err: err}
	}
	switch action.Kind {
	case ActionStop:
		return true, nil
	case ActionSkip:
		m.log.Trace().Str("requestId", entry.RequestID).Msg("Skipping request")
		_, err := m.RemoveRequest(ctx, entry.RequestID)
		return false, err
	case ActionReplay:
		req = action.Request
	}

	if err := r.preflightCheck(ctx, entry.RequestID, req); err != nil {
		return false, err
	}

	out := req.Clone(ctx)
	out.RequestURI = ""
	out.Header.Set(ReplayHeader, "true")
	res, err := m.transport.Do(out)
	if err != nil {
		return false, &SyncError{Kind: KindTransport, RequestID: entry.RequestID, Request: req, Err: err}
	}
	if err := bufferBody(res); err != nil {
		return false, &SyncError{Kind: KindTransport, RequestID: entry.RequestID, Request: req, Response: res, Err: err}
	}
	span.SetAttributes(attribute.Int("http.response.status_code", res.StatusCode))
	if res.StatusCode >= 400 {
		span.SetStatus(codes.Error, res.Status)
		return false, &SyncError{Kind: KindTransport, RequestID: entry.RequestID, Request: req, Response: res, Err: errors.New(statusText(res))}
	}

	action, err = m.listeners.dispatch(ctx, Event{Type: EventSyncRequest, RequestID: entry.RequestID, Request: req, Response: res})
	if err != nil {
		return false, &SyncError{Kind: KindListener, RequestID: entry.RequestID, Request: req, Response: res, Err: err}
	}
	if action.Kind == ActionStop {
		return true, nil
	}
	if _, err := m.RemoveRequest(ctx, entry.RequestID); err != nil {
		return false, err
	}
	m.log.Trace().Str("requestId", entry.RequestID).Int("status", res.StatusCode).Msg("Synced request")
	return false, nil
}

// preflightCheck sends an OPTIONS request to matching URLs not yet cleared in this run.
func (r *run) preflightCheck(ctx context.Context, id string, req *http.Request) error {
	url := req.URL.String()
	if r.preflight == nil || r.cleared[url] || !r.preflight.MatchString(url) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	options, err := http.NewRequestWithContext(ctx, http.MethodOptions, url, nil)
	if err != nil {
		return &SyncError{Kind: KindTransport, RequestID: id, Request: req, Err: err}
	}
	options.Host = req.Host
	res, err := r.doWithin(ctx, options)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &SyncError{
				Kind:      KindTimeout,
				RequestID: id,
				Request:   req,
				Response:  gatewayTimeout(req),
				Err:       fmt.Errorf("preflight OPTIONS %s: %w", url, context.DeadlineExceeded),
			}
		}
		return &SyncError{Kind: KindTransport, RequestID: id, Request: req, Err: fmt.Errorf("preflight OPTIONS %s: %w", url, err)}
	}
	if res.Body != nil {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
	r.cleared[url] = true
	r.m.log.Trace().Str("url", url).Int("status", res.StatusCode).Msg("Preflight cleared")
	return nil
}

type doResult struct {
	res *http.Response
	err error
}

// doWithin sends the request and gives up when ctx is done, even if the
// transport does not watch the request context.
func (r *run) doWithin(ctx context.Context, req *http.Request) (*http.Response, error) {
	done := make(chan doResult, 1)
	go func() {
		res, err := r.m.transport.Do(req)
		done <- doResult{res, err}
	}()
	select {
	case result := <-done:
		return result.res, result.err
	case <-ctx.Done():
		go func() {
			if late := <-done; late.res != nil && late.res.Body != nil {
				late.res.Body.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func gatewayTimeout(req *http.Request) *http.Response {
	return &http.Response{
		Status:     "504 Gateway Timeout",
		StatusCode: http.StatusGatewayTimeout,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{},
		Body:       http.NoBody,
		Request:    req,
	}
}

// bufferBody reads the response body so the connection is released and the
// body stays readable for listeners and callers.
func bufferBody(res *http.Response) error {
	if res.Body == nil {
		res.Body = http.NoBody
		return nil
	}
	b, err := io.ReadAll(res.Body)
	res.Body.Close()
	res.Body = io.NopCloser(bytes.NewReader(b))
	return err
}

func statusText(res *http.Response) string {
	if res.Status != "" {
		return strings.TrimSpace(strings.TrimPrefix(res.Status, fmt.Sprint(res.StatusCode)))
	}
	return http.StatusText(res.StatusCode)
}
