package taskqueue

import (
	queueanalysis "github.com/llm-inferno/queue-analysis"
)

// BucketDiagnostic summarizes one model bucket's wait-time pressure for
// operators, beyond the plain Snapshot used by clients.
type BucketDiagnostic struct {
	Model           string
	Depth           int
	OldestWaitMs    int64
	ExpectedWaitMs  float64 // M/M/c expected wait, given observed arrival/service rates
}

// Diagnostics reports per-model queueing pressure. ExpectedWaitMs uses
// an M/M/c queueing-theory estimate (arrival rate inferred from bucket
// depth growth, service rate a caller-supplied average task duration)
// so operators can see predicted wait independent of the current
// instantaneous depth.
func (q *Queue) Diagnostics(avgServiceTimeMs float64, servers int) []BucketDiagnostic {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	out := make([]BucketDiagnostic, 0, len(q.buckets))
	for model, b := range q.buckets {
		if b.Len() == 0 {
			continue
		}
		oldest := b.peek().CreatedAt
		diag := BucketDiagnostic{
			Model:        model,
			Depth:        b.Len(),
			OldestWaitMs: now.Sub(oldest).Milliseconds(),
		}
		if avgServiceTimeMs > 0 && servers > 0 {
			serviceRate := 1000.0 / avgServiceTimeMs // tasks/sec per server
			arrivalRate := float64(b.Len()) / (float64(maxI64(diag.OldestWaitMs, 1)) / 1000.0)
			if w, err := queueanalysis.MMcWaitTime(arrivalRate, serviceRate, servers); err == nil {
				diag.ExpectedWaitMs = w * 1000.0
			}
		}
		out = append(out, diag)
	}
	return out
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
