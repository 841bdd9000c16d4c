package router

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gpuctl/core/internal/types"
)

// hopHeaders are stripped before forwarding, mirroring the set
// net/http/httputil.ReverseProxy excludes (RFC 7230 §6.1 connection-specific
// headers that must not be forwarded by an intermediary).
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// Forward dispatches req to one active target for modelID, streaming the
// response back to w, and transparently retries once on a different
// target if the first attempt never reaches the engine (spec.md §4.7 steps
// 3-5). The request body is buffered once up front: requests to an
// inference engine are a bounded prompt payload, so buffering it costs
// little and is what makes a clean retry possible; the response — which
// can be an unbounded token stream — is never buffered, only piped.
func (r *Router) Forward(ctx context.Context, modelID types.ModelID, w http.ResponseWriter, req *http.Request) error {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadGateway)
			return err
		}
	}

	tried := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		target, err := r.selectExcluding(modelID, tried)
		if err != nil {
			if lastErr != nil {
				err = lastErr
			}
			http.Error(w, err.Error(), http.StatusBadGateway)
			return err
		}
		tried[target.EndpointURL] = true

		ok, err := r.forwardOnce(ctx, modelID, target, bodyBytes, w, req)
		if ok {
			return nil
		}
		lastErr = err
		r.log.Warn().Str("model_id", string(modelID)).Str("endpoint", target.EndpointURL).Err(err).Msg("forward attempt failed, considering failover")
	}

	if lastErr == nil {
		lastErr = errors.New("router: forwarding failed")
	}
	http.Error(w, "upstream unreachable", http.StatusBadGateway)
	return lastErr
}

// selectExcluding is Select, skipping endpoints already attempted this
// request (the "once" in failover-once).
func (r *Router) selectExcluding(modelID types.ModelID, tried map[string]bool) (*Target, error) {
	table := r.tableFor(modelID, false)
	if table == nil {
		return nil, ErrNoActiveTargets
	}
	all := table.all()
	candidates := make([]*Target, 0, len(all))
	for _, t := range all {
		if t.active.Load() && !tried[t.EndpointURL] {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoActiveTargets
	}

	switch r.currentPolicy() {
	case PolicyWeighted:
		return r.selectWeighted(candidates), nil
	case PolicyLeastConnections:
		return r.selectLeastConnections(candidates), nil
	case PolicyResponseTime:
		return r.selectResponseTime(candidates), nil
	default:
		return r.selectRoundRobin(table, candidates), nil
	}
}

// forwardOnce issues one attempt against target. The bool return is true
// once any response (even a 5xx) has been written to w — only a failure to
// reach the engine at all is eligible for failover.
func (r *Router) forwardOnce(ctx context.Context, modelID types.ModelID, target *Target, body []byte, w http.ResponseWriter, req *http.Request) (bool, error) {
	target.beginRequest()
	start := time.Now()

	fwdCtx, cancel := r.ctxWithForwardTimeout(ctx)
	defer cancel()

	outReq, err := http.NewRequestWithContext(fwdCtx, req.Method, target.EndpointURL+req.URL.Path+requestQuery(req), bytes.NewReader(body))
	if err != nil {
		target.finishRequest(r.maxConsecutiveFailures, 0, time.Since(start), err)
		r.recordMetric(modelID, time.Since(start), 0)
		return false, err
	}
	copyHeaders(outReq.Header, req.Header)

	resp, err := http.DefaultClient.Do(outReq)
	if err != nil {
		target.finishRequest(r.maxConsecutiveFailures, 0, time.Since(start), err)
		r.recordMetric(modelID, time.Since(start), 0)
		return false, err
	}
	defer resp.Body.Close()

	dst := w.Header()
	copyHeaders(dst, resp.Header)
	w.WriteHeader(resp.StatusCode)

	if flusher, ok := w.(http.Flusher); ok {
		_, _ = io.Copy(flushWriter{w: w, flush: flusher.Flush}, resp.Body)
	} else {
		_, _ = io.Copy(w, resp.Body)
	}

	target.finishRequest(r.maxConsecutiveFailures, resp.StatusCode, time.Since(start), nil)
	r.recordMetric(modelID, time.Since(start), resp.StatusCode)
	return true, nil
}

// recordMetric forwards one completed attempt to the MetricsSink hook, if
// one has been wired (spec.md §6: fire-and-forget, never blocks the core).
func (r *Router) recordMetric(modelID types.ModelID, latency time.Duration, statusCode int) {
	if r.metricsHook != nil {
		r.metricsHook(modelID, latency.Milliseconds(), statusCode)
	}
}

func requestQuery(req *http.Request) string {
	if req.URL.RawQuery == "" {
		return ""
	}
	return "?" + req.URL.RawQuery
}

func copyHeaders(dst, src http.Header) {
	for k, values := range src {
		if isHopHeader(k) {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if http.CanonicalHeaderKey(h) == http.CanonicalHeaderKey(name) {
			return true
		}
	}
	return false
}

// flushWriter wraps an http.ResponseWriter so io.Copy flushes after every
// write, giving the client bytes as they arrive instead of waiting for the
// whole response (spec.md §9, "request forwarding — streaming").
type flushWriter struct {
	w     io.Writer
	flush func()
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	f.flush()
	return n, err
}
