// Package diagnostics runs the operator health checks behind the
// run_diagnostics tool and the engram diagnose command.
package diagnostics

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/engramdev/engram/internal/storage"
)

// Check is one named probe result. Detail carries counts or the failure
// reason; informational probes leave OK true and explain in Detail.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Prober is the minimal model surface needed for the reachability check.
type Prober interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// Options configure a diagnostics run. Gateway may be nil, in which case the
// LLM check is skipped with a reason instead of failing.
type Options struct {
	Store    storage.Storage
	Gateway  Prober
	EmbedDim int
}

const probeTimeout = 10 * time.Second

// Run executes every check and never returns an error: failures are reported
// inside the checks themselves so a broken store still yields a readable
// report.
func Run(ctx context.Context, opts Options) []Check {
	checks := make([]Check, 0, 8)

	pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := opts.Store.Ping(pingCtx)
	cancel()
	if err != nil {
		checks = append(checks, Check{Name: "store", Detail: err.Error()})
		// Everything else depends on the store; report the one failure
		// rather than seven copies of the same connection error.
		return append(checks, Check{Name: "schema", Detail: "skipped: store unreachable"})
	}
	checks = append(checks, Check{Name: "store", OK: true, Detail: "reachable"})

	stats, err := opts.Store.IntegrityStats(ctx)
	if err != nil {
		checks = append(checks, Check{Name: "schema", Detail: err.Error()})
	} else {
		checks = append(checks,
			Check{Name: "schema", OK: true,
				Detail: fmt.Sprintf("%d active, %d archived memories", stats.ActiveMemories, stats.ArchivedMemories)},
			dimCheck(stats.EmbeddingDim, opts.EmbedDim),
			primerCheck(stats.ActivePrimers),
			Check{Name: "edges", OK: stats.OrphanedEdges == 0,
				Detail: fmt.Sprintf("%d orphaned", stats.OrphanedEdges)},
			Check{Name: "taxonomy roots", OK: stats.L1RootViolations == 0,
				Detail: fmt.Sprintf("%d memories outside the canonical roots", stats.L1RootViolations)},
			Check{Name: "verification", OK: stats.OverdueVerifications == 0,
				Detail: fmt.Sprintf("%d overdue", stats.OverdueVerifications)},
		)
	}

	if jobs, err := opts.Store.JobStats(ctx); err != nil {
		checks = append(checks, Check{Name: "ingestion queue", Detail: err.Error()})
	} else {
		checks = append(checks, Check{
			Name: "ingestion queue",
			OK:   jobs.Failed == 0,
			Detail: fmt.Sprintf("pending=%d processing=%d failed=%d",
				jobs.Pending, jobs.Processing, jobs.Failed),
		})
	}

	checks = append(checks, llmCheck(ctx, opts.Gateway))
	return checks
}

func dimCheck(stored, configured int) Check {
	// atttypmod reads -1 when the column carries no typmod; nothing to
	// compare against in that case.
	if stored <= 0 {
		return Check{Name: "embedding dimension", OK: true, Detail: "column carries no declared dimension"}
	}
	if configured > 0 && stored != configured {
		return Check{Name: "embedding dimension",
			Detail: fmt.Sprintf("column is vector(%d) but EMBED_DIM is %d", stored, configured)}
	}
	return Check{Name: "embedding dimension", OK: true, Detail: fmt.Sprintf("vector(%d)", stored)}
}

func primerCheck(active int64) Check {
	switch active {
	case 1:
		return Check{Name: "primer", OK: true, Detail: "one active primer"}
	case 0:
		return Check{Name: "primer", Detail: "no active primer; run rebuild_primer"}
	default:
		return Check{Name: "primer", Detail: fmt.Sprintf("%d active primers; supersession is broken", active)}
	}
}

func llmCheck(ctx context.Context, gw Prober) Check {
	if gw == nil {
		return Check{Name: "llm", OK: true, Detail: "skipped: no gateway configured"}
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if _, err := gw.Embed(probeCtx, "diagnostics probe"); err != nil {
		return Check{Name: "llm", Detail: err.Error()}
	}
	return Check{Name: "llm", OK: true, Detail: "embeddings reachable"}
}

// Healthy reports whether every check passed.
func Healthy(checks []Check) bool {
	for _, c := range checks {
		if !c.OK {
			return false
		}
	}
	return true
}
