package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu                sync.RWMutex
	endpoint          map[string]*EndpointStat
	verdict           map[string]int64
	confirmationState map[string]int64
	gauges            map[string]float64
	ingested          int64
	deduplicated      int64
	fanoutDrops       int64
	verifyLatency     VerifyLatencyStat
	Histograms        *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt        string                  `json:"generated_at"`
	Endpoints          map[string]EndpointStat `json:"endpoints"`
	Verdicts           map[string]int64        `json:"verdicts"`
	ConfirmationTotals map[string]int64        `json:"confirmation_totals"`
	Gauges             map[string]float64      `json:"gauges"`
	IngestedTotal      int64                   `json:"decisions_ingested_total"`
	DeduplicatedTotal  int64                   `json:"decisions_deduplicated_total"`
	FanoutDropsTotal   int64                   `json:"fanout_drops_total"`
	VerifyLatencyMS    VerifyLatencyStat       `json:"assertion_verify_latency_ms"`
	Histograms         []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:          map[string]*EndpointStat{},
		verdict:           map[string]int64{},
		confirmationState: map[string]int64{},
		gauges:            map[string]float64{},
		Histograms:        NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncVerdict(verdict string) {
	if verdict == "" {
		return
	}
	r.mu.Lock()
	r.verdict[verdict]++
	r.mu.Unlock()
}

// IncConfirmationState counts confirmation transitions into a state,
// including the initial insert into pending.
func (r *Registry) IncConfirmationState(state string) {
	state = strings.TrimSpace(strings.ToLower(state))
	if state == "" {
		return
	}
	r.mu.Lock()
	r.confirmationState[state]++
	r.mu.Unlock()
}

func (r *Registry) IncIngested() {
	r.mu.Lock()
	r.ingested++
	r.mu.Unlock()
}

func (r *Registry) IncDeduplicated() {
	r.mu.Lock()
	r.deduplicated++
	r.mu.Unlock()
}

// IncFanoutDrop counts sessions disconnected because their delivery
// queue overflowed.
func (r *Registry) IncFanoutDrop() {
	r.mu.Lock()
	r.fanoutDrops++
	r.mu.Unlock()
}

// ObserveVerifyLatency tracks how long credential assertion checks take.
func (r *Registry) ObserveVerifyLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyLatency.Count++
	r.verifyLatency.TotalMS += ms
	r.verifyLatency.LastMS = ms
	if ms > r.verifyLatency.MaxMS {
		r.verifyLatency.MaxMS = ms
	}
	r.verifyLatency.AvgMS = float64(r.verifyLatency.TotalMS) / float64(r.verifyLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:        time.Now().UTC().Format(time.RFC3339),
		Endpoints:          make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:           make(map[string]int64, len(r.verdict)),
		ConfirmationTotals: make(map[string]int64, len(r.confirmationState)),
		Gauges:             make(map[string]float64, len(r.gauges)),
		IngestedTotal:      r.ingested,
		DeduplicatedTotal:  r.deduplicated,
		FanoutDropsTotal:   r.fanoutDrops,
		VerifyLatencyMS: VerifyLatencyStat{
			Count:   r.verifyLatency.Count,
			TotalMS: r.verifyLatency.TotalMS,
			MaxMS:   r.verifyLatency.MaxMS,
			LastMS:  r.verifyLatency.LastMS,
			AvgMS:   r.verifyLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verdict {
		out.Verdicts[k] = v
	}
	for k, v := range r.confirmationState {
		out.ConfirmationTotals[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP governs_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE governs_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "governs_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP governs_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE governs_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "governs_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP governs_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE governs_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "governs_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP governs_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE governs_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "governs_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP governs_verdict_total ingested decisions by verdict\n")
		b.WriteString("# TYPE governs_verdict_total counter\n")
		for _, verdict := range SortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "governs_verdict_total{verdict=%q} %d\n", verdict, snap.Verdicts[verdict])
		}
		b.WriteString("# HELP governs_gauge operational gauge metrics\n")
		b.WriteString("# TYPE governs_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "governs_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP governs_latency_seconds latency histogram\n")
			b.WriteString("# TYPE governs_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "governs_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "governs_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "governs_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "governs_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "governs_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "governs_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "governs_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP governs_confirmation_total confirmation transitions by state\n")
		b.WriteString("# TYPE governs_confirmation_total counter\n")
		for _, state := range SortedKeys(snap.ConfirmationTotals) {
			fmt.Fprintf(b, "governs_confirmation_total{state=%q} %d\n", state, snap.ConfirmationTotals[state])
		}

		b.WriteString("# HELP governs_decisions_ingested_total decisions persisted\n")
		b.WriteString("# TYPE governs_decisions_ingested_total counter\n")
		fmt.Fprintf(b, "governs_decisions_ingested_total %d\n", snap.IngestedTotal)
		b.WriteString("# HELP governs_decisions_deduplicated_total duplicate deliveries absorbed\n")
		b.WriteString("# TYPE governs_decisions_deduplicated_total counter\n")
		fmt.Fprintf(b, "governs_decisions_deduplicated_total %d\n", snap.DeduplicatedTotal)
		b.WriteString("# HELP governs_fanout_drops_total sessions dropped on queue overflow\n")
		b.WriteString("# TYPE governs_fanout_drops_total counter\n")
		fmt.Fprintf(b, "governs_fanout_drops_total %d\n", snap.FanoutDropsTotal)

		b.WriteString("# HELP governs_assertion_verify_latency_ms credential assertion check latency in ms\n")
		b.WriteString("# TYPE governs_assertion_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "governs_assertion_verify_latency_ms{stat=%q} %d\n", "last", snap.VerifyLatencyMS.LastMS)
		fmt.Fprintf(b, "governs_assertion_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.VerifyLatencyMS.AvgMS)
		fmt.Fprintf(b, "governs_assertion_verify_latency_ms{stat=%q} %d\n", "max", snap.VerifyLatencyMS.MaxMS)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
