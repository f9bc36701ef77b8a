package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdesk_dispatcher_poll_cycles_total",
		Help: "Dispatcher poll cycles by result.",
	}, []string{"result"})

	claimedTickets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentdesk_dispatcher_claimed_tickets_total",
		Help: "Tickets moved from pending to running.",
	})

	requeuedOrphans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentdesk_dispatcher_requeued_orphans_total",
		Help: "Running tickets without an executor that were requeued.",
	})

	activeExecutors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentdesk_dispatcher_active_executors",
		Help: "Executors currently holding a lease.",
	})
)
