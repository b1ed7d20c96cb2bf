package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the catalog service.
type Metrics struct {
	MutationsApplied  *prometheus.CounterVec
	MutationConflicts prometheus.Counter
	MutationRejected  *prometheus.CounterVec
	EntriesArchived   prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		MutationsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ratebook_mutations_applied_total",
			Help: "Catalog mutations committed, by action kind",
		}, []string{"action"}),
		MutationConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ratebook_mutation_conflicts_total",
			Help: "Mutations lost to the optimistic concurrency race",
		}),
		MutationRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ratebook_mutations_rejected_total",
			Help: "Mutations rejected before commit, by error code",
		}, []string{"code"}),
		EntriesArchived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ratebook_ledger_entries_archived_total",
			Help: "Ledger entries moved to cold storage by the retention policy",
		}),
	}
}

// NewForTest creates metrics on a private registry so parallel tests do
// not collide on the default one.
func NewForTest() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		MutationsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ratebook_mutations_applied_total",
			Help: "Catalog mutations committed, by action kind",
		}, []string{"action"}),
		MutationConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ratebook_mutation_conflicts_total",
			Help: "Mutations lost to the optimistic concurrency race",
		}),
		MutationRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ratebook_mutations_rejected_total",
			Help: "Mutations rejected before commit, by error code",
		}, []string{"code"}),
		EntriesArchived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ratebook_ledger_entries_archived_total",
			Help: "Ledger entries moved to cold storage by the retention policy",
		}),
	}
}
