package observability

import (
	"sort"
	"sync"
	"time"
)

// CallOutcome is what a finished relay session reports to the perf window.
type CallOutcome struct {
	EndReason         string
	Streamed          bool
	Duration          time.Duration
	FramesToUpstream  int
	FramesToTelephony int
	FramesDropped     int
	Interruptions     int
}

// StageLatency is the recent latency picture for one negotiation stage.
type StageLatency struct {
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	LastMS     int64   `json:"last_ms"`
	P50MS      int64   `json:"p50_ms"`
	P95MS      int64   `json:"p95_ms"`
	BudgetMS   int64   `json:"budget_ms,omitempty"`
	OverBudget float64 `json:"over_budget_ratio"`
}

// CallStats aggregates the most recent finished calls.
type CallStats struct {
	Calls                int            `json:"calls"`
	Streamed             int            `json:"streamed"`
	AvgDurationMS        int64          `json:"avg_duration_ms"`
	FramesToUpstream     int            `json:"frames_to_upstream"`
	FramesToTelephony    int            `json:"frames_to_telephony"`
	FramesDropped        int            `json:"frames_dropped"`
	DropRatio            float64        `json:"drop_ratio"`
	InterruptionsPerCall float64        `json:"interruptions_per_call"`
	EndReasons           map[string]int `json:"end_reasons"`
}

// PerfSnapshot is served at /v1/perf/latency.
type PerfSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageLatency `json:"stages"`
	Calls       CallStats      `json:"calls"`
}

// stageBudgets are the p95 targets for call setup; zero means unbudgeted.
var stageBudgets = map[string]time.Duration{
	"signed_url":           400 * time.Millisecond,
	"upstream_dial":        500 * time.Millisecond,
	"start_to_streaming":   1200 * time.Millisecond,
	"first_upstream_audio": 2500 * time.Millisecond,
}

// callWindow keeps the last size stage samples per stage and the last size
// call outcomes.
type callWindow struct {
	mu     sync.Mutex
	size   int
	stages map[string]*durationRing
	calls  []CallOutcome
	next   int
}

type durationRing struct {
	values []time.Duration
	last   time.Duration
}

func newCallWindow(size int) *callWindow {
	if size <= 0 {
		size = 256
	}
	return &callWindow{size: size, stages: make(map[string]*durationRing)}
}

func (w *callWindow) observeStage(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.stages[stage]
	if !ok {
		r = &durationRing{}
		w.stages[stage] = r
	}
	if len(r.values) == w.size {
		copy(r.values, r.values[1:])
		r.values = r.values[:w.size-1]
	}
	r.values = append(r.values, d)
	r.last = d
}

func (w *callWindow) observeCall(o CallOutcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.calls) < w.size {
		w.calls = append(w.calls, o)
		return
	}
	w.calls[w.next] = o
	w.next = (w.next + 1) % w.size
}

func (w *callWindow) snapshot() PerfSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	names := make([]string, 0, len(w.stages))
	for name := range w.stages {
		names = append(names, name)
	}
	sort.Strings(names)

	stages := make([]StageLatency, 0, len(names))
	for _, name := range names {
		r := w.stages[name]
		sorted := append([]time.Duration(nil), r.values...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		st := StageLatency{
			Stage:   name,
			Samples: len(sorted),
			LastMS:  r.last.Milliseconds(),
			P50MS:   nearestRank(sorted, 50).Milliseconds(),
			P95MS:   nearestRank(sorted, 95).Milliseconds(),
		}
		if budget := stageBudgets[name]; budget > 0 {
			st.BudgetMS = budget.Milliseconds()
			over := len(sorted) - sort.Search(len(sorted), func(i int) bool { return sorted[i] > budget })
			st.OverBudget = float64(over) / float64(len(sorted))
		}
		stages = append(stages, st)
	}

	return PerfSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      stages,
		Calls:       summarizeCalls(w.calls),
	}
}

func summarizeCalls(calls []CallOutcome) CallStats {
	stats := CallStats{Calls: len(calls), EndReasons: make(map[string]int)}
	if len(calls) == 0 {
		return stats
	}
	var total time.Duration
	interruptions := 0
	for _, c := range calls {
		if c.Streamed {
			stats.Streamed++
		}
		total += c.Duration
		stats.FramesToUpstream += c.FramesToUpstream
		stats.FramesToTelephony += c.FramesToTelephony
		stats.FramesDropped += c.FramesDropped
		interruptions += c.Interruptions
		if c.EndReason != "" {
			stats.EndReasons[c.EndReason]++
		}
	}
	stats.AvgDurationMS = (total / time.Duration(len(calls))).Milliseconds()
	if seen := stats.FramesToUpstream + stats.FramesDropped; seen > 0 {
		stats.DropRatio = float64(stats.FramesDropped) / float64(seen)
	}
	if stats.Streamed > 0 {
		stats.InterruptionsPerCall = float64(interruptions) / float64(stats.Streamed)
	}
	return stats
}

// nearestRank returns the p-th percentile of sorted using the nearest-rank
// method.
func nearestRank(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
