// Package httptransport drives an llm.Adapter (openaicompat, geminiinternal)
// over a real net/http connection: JSON marshal/POST, SSE frame splitting
// into adapter-ready chunks, cancellation-token polling, and the
// idle/first-event stream watchdog. Anthropic bypasses this package
// entirely since its own SDK already owns request construction and framing.
package httptransport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"novelaire/internal/errs"
	"novelaire/internal/llm"
)

const defaultTimeoutSeconds = 120.0

// cancelPollInterval matches the teacher's background cancel-closer cadence.
const cancelPollInterval = 50 * time.Millisecond

// CredentialResolver resolves a CredentialRef to a bearer token.
type CredentialResolver func(llm.CredentialRef) (string, error)

// Client implements llm.Client for any provider whose adapter speaks plain
// JSON-over-HTTP with SSE streaming.
type Client struct {
	Adapter    llm.Adapter
	Resolve    CredentialResolver
	HTTPClient *http.Client
}

func New(adapter llm.Adapter, resolve CredentialResolver) *Client {
	return &Client{Adapter: adapter, Resolve: resolve, HTTPClient: &http.Client{}}
}

func effectiveTimeout(profile llm.ModelProfile, opts llm.CallOptions) time.Duration {
	t := opts.TimeoutS
	if t <= 0 {
		t = profile.TimeoutS
	}
	if t <= 0 {
		t = defaultTimeoutSeconds
	}
	return time.Duration(t * float64(time.Second))
}

func mergeBody(prepared llm.PreparedRequest, stream bool) map[string]any {
	body := make(map[string]any, len(prepared.JSON)+1)
	for k, v := range prepared.JSON {
		body[k] = v
	}
	if stream {
		body["stream"] = true
	}
	return body
}

func (c *Client) buildHTTPRequest(ctx context.Context, prepared llm.PreparedRequest, profile llm.ModelProfile, stream bool) (*http.Request, error) {
	payload, err := json.Marshal(mergeBody(prepared, stream))
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, prepared.Method, prepared.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	for k, v := range prepared.Headers {
		req.Header.Set(k, v)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	if profile.CredentialRef != nil && c.Resolve != nil {
		token, err := c.Resolve(*profile.CredentialRef)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// Complete issues a single non-streaming call. Retry-on-retryable-error is
// the orchestrator's responsibility (spec's `_run_llm_complete`), not this
// transport's.
func (c *Client) Complete(ctx context.Context, profile llm.ModelProfile, req llm.CanonicalRequest, opts llm.CallOptions) (llm.LLMResponse, error) {
	if opts.Cancel != nil && opts.Cancel.Cancelled() {
		return llm.LLMResponse{}, newTransportErr(errs.Cancelled, profile, "call cancelled before send", nil)
	}
	prepared, err := c.Adapter.PrepareRequest(profile, req)
	if err != nil {
		return llm.LLMResponse{}, newTransportErr(errs.BadRequest, profile, "prepare request", err)
	}
	if opts.Trace != nil {
		opts.Trace.WriteCanonicalRequest(req)
		opts.Trace.WritePreparedRequest(prepared)
	}

	callCtx, cancel := context.WithTimeout(ctx, effectiveTimeout(profile, opts))
	defer cancel()

	httpReq, err := c.buildHTTPRequest(callCtx, prepared, profile, false)
	if err != nil {
		return llm.LLMResponse{}, newTransportErr(errs.Auth, profile, "build http request", err)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		reqErr := classifyNetworkErr(profile, err)
		if opts.Trace != nil {
			opts.Trace.WriteError(reqErr)
		}
		return llm.LLMResponse{}, reqErr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.LLMResponse{}, newTransportErr(errs.NetworkError, profile, "read response body", err)
	}
	if resp.StatusCode >= 400 {
		reqErr := classifyStatusErr(profile, resp.StatusCode, data)
		if opts.Trace != nil {
			opts.Trace.WriteError(reqErr)
		}
		return llm.LLMResponse{}, reqErr
	}

	parsed, err := c.Adapter.ParseResponse(profile, data)
	if err != nil {
		return llm.LLMResponse{}, newTransportErr(errs.ResponseValidation, profile, "parse response", err)
	}
	if opts.Trace != nil {
		opts.Trace.WriteResponse(parsed)
	}
	return parsed, nil
}

// Stream issues a single streaming call. It runs three concurrent pieces,
// mirroring the teacher's thread-per-concern shape: a frame reader, a
// cancel-closer that polls opts.Cancel every 50ms, and an idle/first-event
// watchdog that enforces timeout_s between chunks.
func (c *Client) Stream(ctx context.Context, profile llm.ModelProfile, req llm.CanonicalRequest, opts llm.CallOptions) (<-chan llm.LLMStreamEvent, error) {
	if opts.Cancel != nil && opts.Cancel.Cancelled() {
		return nil, newTransportErr(errs.Cancelled, profile, "call cancelled before send", nil)
	}
	prepared, err := c.Adapter.PrepareRequest(profile, req)
	if err != nil {
		return nil, newTransportErr(errs.BadRequest, profile, "prepare request", err)
	}
	if opts.Trace != nil {
		opts.Trace.WriteCanonicalRequest(req)
		opts.Trace.WritePreparedRequest(prepared)
	}

	reqCtx, cancelReq := context.WithCancel(ctx)
	httpReq, err := c.buildHTTPRequest(reqCtx, prepared, profile, true)
	if err != nil {
		cancelReq()
		return nil, newTransportErr(errs.Auth, profile, "build http request", err)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		cancelReq()
		reqErr := classifyNetworkErr(profile, err)
		if opts.Trace != nil {
			opts.Trace.WriteError(reqErr)
		}
		return nil, reqErr
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancelReq()
		reqErr := classifyStatusErr(profile, resp.StatusCode, data)
		if opts.Trace != nil {
			opts.Trace.WriteError(reqErr)
		}
		return nil, reqErr
	}

	done := make(chan struct{})
	if opts.Cancel != nil {
		go runCancelCloser(opts.Cancel, cancelReq, done)
	}

	frames := make(chan frame)
	go splitSSEFrames(resp.Body, frames)

	watchdogOut := make(chan []byte)
	watchdogErr := make(chan error, 1)
	go runStreamWatchdog(frames, watchdogOut, watchdogErr, effectiveTimeout(profile, opts), profile, cancelReq)

	out := make(chan llm.LLMStreamEvent, 16)
	go func() {
		defer close(out)
		defer close(done)
		defer resp.Body.Close()
		defer cancelReq()

		canonical := c.Adapter.ParseStream(reqCtx, profile, watchdogOut)
		sawChunk := false
		for ev := range canonical {
			if ev.Kind == llm.StreamTextDelta || ev.Kind == llm.StreamThinkingDelta || ev.Kind == llm.StreamToolCallDelta {
				sawChunk = true
			}
			if opts.Trace != nil {
				opts.Trace.AppendCanonicalStreamEvent(ev)
			}
			out <- ev
		}
		select {
		case werr := <-watchdogErr:
			out <- llm.LLMStreamEvent{Kind: llm.StreamError, Err: werr}
			_ = sawChunk // "before any chunk arrived" is determined by the caller from event order
		default:
		}
	}()

	return out, nil
}

func runCancelCloser(token *llm.CancellationToken, cancelReq context.CancelFunc, done <-chan struct{}) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if token.Cancelled() {
				cancelReq()
				return
			}
		case <-done:
			return
		}
	}
}

// frame is one SSE frame (header+data lines, no trailing blank line) or a
// terminal read error.
type frame struct {
	data []byte
	err  error
}

// splitSSEFrames reads body line by line and emits one frame per blank-line
// (or EOF) boundary, matching the teacher's parseSSEStream -> sse.ParseStream
// hand-off except this package performs the splitting so each adapter-facing
// chunk is self-contained (internal/sse.ParseStream starts a fresh scanner
// per call and has no state to carry across chunks).
func splitSSEFrames(body io.ReadCloser, out chan<- frame) {
	defer close(out)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var buf bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if buf.Len() > 0 {
				out <- frame{data: append([]byte(nil), buf.Bytes()...)}
				buf.Reset()
			}
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		out <- frame{err: err}
		return
	}
	if buf.Len() > 0 {
		out <- frame{data: append([]byte(nil), buf.Bytes()...)}
	}
}

// runStreamWatchdog forwards frames to watchdogOut, resetting a timer on
// every frame; if the timer expires before the first frame or between
// frames it reports a typed timeout error tagged with the offending phase
// and closes watchdogOut so the adapter finalizes whatever it has.
func runStreamWatchdog(frames <-chan frame, watchdogOut chan<- []byte, watchdogErr chan<- error, timeout time.Duration, profile llm.ModelProfile, cancelReq context.CancelFunc) {
	defer close(watchdogOut)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	phase := "first_event"
	for {
		select {
		case f, ok := <-frames:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			if !ok {
				return
			}
			if f.err != nil {
				watchdogErr <- newTransportErr(errs.NetworkError, profile, "stream read failed", f.err)
				cancelReq()
				return
			}
			phase = "idle"
			watchdogOut <- f.data
			timer.Reset(timeout)
		case <-timer.C:
			watchdogErr <- newTransportErr(errs.Timeout, profile, fmt.Sprintf("stream %s timeout", phase), nil)
			cancelReq()
			return
		}
	}
}

func newTransportErr(code errs.Code, profile llm.ModelProfile, details string, cause error) *llm.RequestError {
	return &llm.RequestError{
		Code:         code,
		ProviderKind: profile.ProviderKind,
		ProfileID:    profile.ProfileID,
		Model:        profile.ModelName,
		Retryable:    code.Retryable(),
		Details:      details,
		Cause:        cause,
	}
}

func classifyNetworkErr(profile llm.ModelProfile, err error) *llm.RequestError {
	return newTransportErr(errs.NetworkError, profile, "http request failed", err)
}

func classifyStatusErr(profile llm.ModelProfile, statusCode int, body []byte) *llm.RequestError {
	code := errs.ServerError
	switch {
	case statusCode == 401 || statusCode == 403:
		code = errs.Auth
	case statusCode == 429:
		code = errs.RateLimit
	case statusCode == 408:
		code = errs.Timeout
	case statusCode == 404:
		code = errs.NotFound
	case statusCode == 409:
		code = errs.Conflict
	case statusCode == 422:
		code = errs.Unprocessable
	case statusCode >= 500:
		code = errs.ServerError
	case statusCode >= 400:
		code = errs.BadRequest
	}
	reqErr := newTransportErr(code, profile, "http request returned error status", fmt.Errorf("status %d: %s", statusCode, string(body)))
	reqErr.StatusCode = statusCode
	return reqErr
}
