// Package metrics collects service metrics and exposes them in the
// Prometheus text exposition format without pulling in a client library.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type latencyKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	errors   map[latencyKey]uint64
	latency  map[latencyKey]*histogram

	taskRuns     map[string]uint64
	taskDuration *histogram
	promptTokens uint64
	outputTokens uint64
}

var defaultCollector = &collector{
	requests: make(map[requestKey]uint64),
	errors:   make(map[latencyKey]uint64),
	latency:  make(map[latencyKey]*histogram),
	taskRuns: make(map[string]uint64),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observeHTTP(handler, method, status, duration)
}

// ObserveTaskRun records the outcome and duration of a processed task.
func ObserveTaskRun(outcome string, duration time.Duration) {
	defaultCollector.observeTask(outcome, duration)
}

// AddTokenUsage accumulates model token usage across completed tasks.
func AddTokenUsage(promptTokens, completionTokens int64) {
	defaultCollector.addTokens(promptTokens, completionTokens)
}

func (c *collector) observeHTTP(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	if status >= 500 {
		c.errors[latencyKey{handler: handler, method: method}]++
	}

	key := latencyKey{handler: handler, method: method}
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram(httpBuckets)
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observeTask(outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.taskRuns[outcome]++
	if c.taskDuration == nil {
		c.taskDuration = newHistogram(taskBuckets)
	}
	c.taskDuration.observe(duration.Seconds())
}

func (c *collector) addTokens(promptTokens, completionTokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if promptTokens > 0 {
		c.promptTokens += uint64(promptTokens)
	}
	if completionTokens > 0 {
		c.outputTokens += uint64(completionTokens)
	}
}

var (
	httpBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	// Orchestrator runs take anywhere from seconds to many minutes.
	taskBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1200}
)

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// Values above the last bound only show up in the +Inf bucket via h.count.
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(2048)

	builder.WriteString("# HELP magentic_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE magentic_http_requests_total counter\n")
	reqKeys := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqKeys = append(reqKeys, key)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].handler != reqKeys[j].handler {
			return reqKeys[i].handler < reqKeys[j].handler
		}
		if reqKeys[i].method != reqKeys[j].method {
			return reqKeys[i].method < reqKeys[j].method
		}
		return reqKeys[i].code < reqKeys[j].code
	})
	for _, key := range reqKeys {
		builder.WriteString(fmt.Sprintf("magentic_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			escape(key.handler), escape(key.method), escape(key.code), c.requests[key]))
	}

	builder.WriteString("# HELP magentic_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE magentic_http_request_errors_total counter\n")
	errKeys := make([]latencyKey, 0, len(c.errors))
	for key := range c.errors {
		errKeys = append(errKeys, key)
	}
	sortLatencyKeys(errKeys)
	for _, key := range errKeys {
		builder.WriteString(fmt.Sprintf("magentic_http_request_errors_total{handler=%q,method=%q} %d\n",
			escape(key.handler), escape(key.method), c.errors[key]))
	}

	builder.WriteString("# HELP magentic_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE magentic_http_request_duration_seconds histogram\n")
	latKeys := make([]latencyKey, 0, len(c.latency))
	for key := range c.latency {
		latKeys = append(latKeys, key)
	}
	sortLatencyKeys(latKeys)
	for _, key := range latKeys {
		labels := fmt.Sprintf("handler=%q,method=%q", escape(key.handler), escape(key.method))
		writeHistogram(&builder, "magentic_http_request_duration_seconds", labels, c.latency[key])
	}

	builder.WriteString("# HELP magentic_task_runs_total Total number of task executions by outcome.\n")
	builder.WriteString("# TYPE magentic_task_runs_total counter\n")
	outcomes := make([]string, 0, len(c.taskRuns))
	for outcome := range c.taskRuns {
		outcomes = append(outcomes, outcome)
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		builder.WriteString(fmt.Sprintf("magentic_task_runs_total{outcome=%q} %d\n", escape(outcome), c.taskRuns[outcome]))
	}

	if c.taskDuration != nil {
		builder.WriteString("# HELP magentic_task_duration_seconds Orchestrator run duration in seconds.\n")
		builder.WriteString("# TYPE magentic_task_duration_seconds histogram\n")
		writeHistogram(&builder, "magentic_task_duration_seconds", "", c.taskDuration)
	}

	builder.WriteString("# HELP magentic_model_prompt_tokens_total Prompt tokens consumed by completed tasks.\n")
	builder.WriteString("# TYPE magentic_model_prompt_tokens_total counter\n")
	builder.WriteString(fmt.Sprintf("magentic_model_prompt_tokens_total %d\n", c.promptTokens))
	builder.WriteString("# HELP magentic_model_completion_tokens_total Completion tokens produced by completed tasks.\n")
	builder.WriteString("# TYPE magentic_model_completion_tokens_total counter\n")
	builder.WriteString(fmt.Sprintf("magentic_model_completion_tokens_total %d\n", c.outputTokens))

	return builder.String()
}

func writeHistogram(builder *strings.Builder, name, labels string, hist *histogram) {
	sep := ""
	if labels != "" {
		sep = ","
	}
	for idx, bound := range hist.buckets {
		builder.WriteString(fmt.Sprintf("%s_bucket{%s%sle=%q} %d\n", name, labels, sep, formatFloat(bound), hist.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("%s_bucket{%s%sle=\"+Inf\"} %d\n", name, labels, sep, hist.count))
	if labels != "" {
		builder.WriteString(fmt.Sprintf("%s_sum{%s} %s\n", name, labels, formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("%s_count{%s} %d\n", name, labels, hist.count))
	} else {
		builder.WriteString(fmt.Sprintf("%s_sum %s\n", name, formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("%s_count %d\n", name, hist.count))
	}
}

func sortLatencyKeys(keys []latencyKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler != keys[j].handler {
			return keys[i].handler < keys[j].handler
		}
		return keys[i].method < keys[j].method
	})
}

// escape strips newlines; quoting is handled by %q at the call sites.
func escape(value string) string {
	return strings.ReplaceAll(value, "\n", "")
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
