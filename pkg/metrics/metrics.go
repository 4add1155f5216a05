package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "citynet"

var (
	DefaultRegisterer = prometheus.DefaultRegisterer
	DefaultGatherer   = prometheus.DefaultGatherer
)

var (
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Number of registered city connections, monitor included.",
	})

	RelaysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relays_total",
		Help:      "Encrypted relays by outcome (delivered, partial, failed).",
	}, []string{"outcome"})

	HopFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_hop_failures_total",
		Help:      "Route members that could not be reached during a relay.",
	})

	BroadcastFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_failures_total",
		Help:      "Broadcast recipients whose send failed.",
	})

	KeyDerivationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "key_derivations_total",
		Help:      "Completed shared key derivations.",
	})

	KeyDerivationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "key_derivation_duration_seconds",
		Help:      "Time spent deriving one shared key.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	})

	DroppedEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "observer_dropped_events_total",
		Help:      "Registry events dropped because an observer was not keeping up.",
	})

	TopologyLoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "topology_loads_total",
		Help:      "Topology load attempts by result (ok, invalid).",
	}, []string{"result"})
)

var registerOnce sync.Once

// Register adds every collector to reg, or to DefaultRegisterer when reg is
// nil. Only the first call has an effect.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = DefaultRegisterer
		}
		reg.MustRegister(ActiveConnections)
		reg.MustRegister(RelaysTotal)
		reg.MustRegister(HopFailuresTotal)
		reg.MustRegister(BroadcastFailuresTotal)
		reg.MustRegister(KeyDerivationsTotal)
		reg.MustRegister(KeyDerivationDuration)
		reg.MustRegister(DroppedEventsTotal)
		reg.MustRegister(TopologyLoadsTotal)
	})
}
