package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespaceRelay = "relay"

// RelayCollector records hub activity.
type RelayCollector struct {
	accepted       *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	sessionsOpened prometheus.Counter
	sessionsDone   prometheus.Counter
	sessionsFailed prometheus.Counter
	liveSessions   prometheus.Gauge
	queued         prometheus.Counter
}

func NewRelayCollector(registerer prometheus.Registerer) *RelayCollector {
	accepted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespaceRelay,
		Name:      "messages_accepted_total",
		Help:      "messages appended to a session log, by endpoint phase before acceptance",
	}, []string{"phase"})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespaceRelay,
		Name:      "messages_rejected_total",
		Help:      "messages refused by a session endpoint, by reason",
	}, []string{"reason"})
	sessionsOpened := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespaceRelay,
		Name:      "sessions_opened_total",
		Help:      "sessions created by pairing two accounts",
	})
	sessionsDone := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespaceRelay,
		Name:      "sessions_finished_total",
		Help:      "sessions whose game reported a conclusion",
	})
	sessionsFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespaceRelay,
		Name:      "sessions_failed_total",
		Help:      "sessions stopped because their log could not be archived",
	})
	liveSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespaceRelay,
		Name:      "sessions_live",
		Help:      "sessions currently held in memory",
	})
	queued := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespaceRelay,
		Name:      "frames_queued_total",
		Help:      "frames stored for an account that was not connected",
	})
	registerer.MustRegister(accepted, rejected, sessionsOpened, sessionsDone, sessionsFailed, liveSessions, queued)

	return &RelayCollector{
		accepted:       accepted,
		rejected:       rejected,
		sessionsOpened: sessionsOpened,
		sessionsDone:   sessionsDone,
		sessionsFailed: sessionsFailed,
		liveSessions:   liveSessions,
		queued:         queued,
	}
}

func (c *RelayCollector) MessageAccepted(phase string) {
	c.accepted.WithLabelValues(phase).Inc()
}

func (c *RelayCollector) MessageRejected(reason string) {
	c.rejected.WithLabelValues(reason).Inc()
}

func (c *RelayCollector) SessionOpened() {
	c.sessionsOpened.Inc()
	c.liveSessions.Inc()
}

// SessionRestored counts a session reloaded from the archive.
func (c *RelayCollector) SessionRestored() {
	c.liveSessions.Inc()
}

func (c *RelayCollector) SessionFinished() {
	c.sessionsDone.Inc()
}

func (c *RelayCollector) SessionFailed() {
	c.sessionsFailed.Inc()
}

func (c *RelayCollector) SessionEvicted() {
	c.liveSessions.Dec()
}

func (c *RelayCollector) FrameQueued() {
	c.queued.Inc()
}
