package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry holds pool metrics.
type Registry struct {
	mu sync.RWMutex
	// Key is "name|labels"
	counters   map[string]uint64
	gauges     map[string]int64
	histograms map[string]*Histogram
}

type Histogram struct {
	Count   uint64
	Sum     float64
	Buckets []float64
	Counts  []uint64
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]uint64),
		gauges:     make(map[string]int64),
		histograms: make(map[string]*Histogram),
	}
}

func (r *Registry) IncAcquire(proxy, destination string) {
	key := fmt.Sprintf("pool_acquires_total|proxy=\"%s\",destination=\"%s\"", proxy, destination)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key]++
}

// IncRejection counts failed acquires; reason is "rate_capped" or
// "deactivated".
func (r *Registry) IncRejection(reason string) {
	key := fmt.Sprintf("pool_rejections_total|reason=\"%s\"", reason)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key]++
}

func (r *Registry) IncDeactivation(proxy string) {
	key := fmt.Sprintf("pool_deactivations_total|proxy=\"%s\"", proxy)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key]++
}

func (r *Registry) IncActiveConns(proxy string) {
	key := fmt.Sprintf("pool_active_connections|proxy=\"%s\"", proxy)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key]++
}

func (r *Registry) DecActiveConns(proxy string) {
	key := fmt.Sprintf("pool_active_connections|proxy=\"%s\"", proxy)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key]--
}

func (r *Registry) ObserveStoreLatency(op string, duration time.Duration) {
	key := fmt.Sprintf("store_op_duration_seconds|op=\"%s\"", op)
	val := duration.Seconds()

	// Default buckets: .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
	buckets := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.histograms[key]
	if !ok {
		h = &Histogram{
			Buckets: buckets,
			Counts:  make([]uint64, len(buckets)),
		}
		r.histograms[key] = h
	}

	h.Count++
	h.Sum += val
	for i, b := range h.Buckets {
		if val <= b {
			h.Counts[i]++
		}
	}
}

func (r *Registry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Counters, grouped by family for HELP/TYPE headers
	families := map[string]string{
		"pool_acquires_total":      "Total number of successful proxy acquisitions",
		"pool_rejections_total":    "Total number of acquire attempts that found no proxy",
		"pool_deactivations_total": "Total number of proxy deactivations after 429 responses",
	}
	famNames := make([]string, 0, len(families))
	for f := range families {
		famNames = append(famNames, f)
	}
	sort.Strings(famNames)

	keys := make([]string, 0, len(r.counters))
	for k := range r.counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, fam := range famNames {
		wrote := false
		for _, k := range keys {
			parts := strings.Split(k, "|")
			if len(parts) != 2 || parts[0] != fam {
				continue
			}
			if !wrote {
				_, _ = fmt.Fprintf(w, "# HELP %s %s\n", fam, families[fam])
				_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", fam)
				wrote = true
			}
			_, _ = fmt.Fprintf(w, "%s{%s} %d\n", parts[0], parts[1], r.counters[k])
		}
	}

	// Gauges
	keys = make([]string, 0, len(r.gauges))
	for k := range r.gauges {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if len(keys) > 0 {
		_, _ = fmt.Fprintln(w, "# HELP pool_active_connections Number of in-flight requests per proxy")
		_, _ = fmt.Fprintln(w, "# TYPE pool_active_connections gauge")
		for _, k := range keys {
			parts := strings.Split(k, "|")
			if len(parts) == 2 {
				_, _ = fmt.Fprintf(w, "%s{%s} %d\n", parts[0], parts[1], r.gauges[k])
			}
		}
	}

	// Histograms
	keys = make([]string, 0, len(r.histograms))
	for k := range r.histograms {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if len(keys) > 0 {
		_, _ = fmt.Fprintln(w, "# HELP store_op_duration_seconds Shared store operation latency in seconds")
		_, _ = fmt.Fprintln(w, "# TYPE store_op_duration_seconds histogram")
		for _, k := range keys {
			parts := strings.Split(k, "|")
			if len(parts) == 2 {
				name, labels := parts[0], parts[1]
				h := r.histograms[k]

				for i, b := range h.Buckets {
					_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, b, h.Counts[i])
				}
				_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count)
				_, _ = fmt.Fprintf(w, "%s_sum{%s} %g\n", name, labels, h.Sum)
				_, _ = fmt.Fprintf(w, "%s_count{%s} %d\n", name, labels, h.Count)
			}
		}
	}
}
