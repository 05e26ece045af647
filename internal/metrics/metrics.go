package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kumaqueue"

var (
	resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Media resolutions by operation and outcome kind",
		},
		[]string{"op", "kind"},
	)

	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_fetches_total",
			Help:      "Asset fetch attempts (download + transcode) by result",
		},
		[]string{"result"},
	)

	cacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_cache_hits_total",
			Help:      "Resolutions served from an already materialized asset",
		},
	)

	advancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advances_total",
			Help:      "Playlist advances by reason",
		},
		[]string{"reason"},
	)

	reconnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Voice reconnect attempts by result",
		},
		[]string{"result"},
	)

	reconnectGiveUpsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_give_ups_total",
			Help:      "Reconnect loops that exhausted their attempt budget",
		},
	)

	refreshSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_refresh_skipped_total",
			Help:      "Status refreshes skipped because the session was busy",
		},
	)

	playbackState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_state",
			Help:      "0 idle, 1 playing, 2 paused",
		},
	)

	queueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Tracks in the active session playlist",
		},
	)
)

func ObserveResolution(op, kind string) {
	resolutionsTotal.WithLabelValues(op, kind).Inc()
}

func ObserveFetch(ok bool) {
	if ok {
		fetchesTotal.WithLabelValues("ok").Inc()
		return
	}
	fetchesTotal.WithLabelValues("error").Inc()
}

func ObserveCacheHit() { cacheHitsTotal.Inc() }

func ObserveAdvance(reason string) { advancesTotal.WithLabelValues(reason).Inc() }

func ObserveReconnect(ok bool) {
	if ok {
		reconnectAttemptsTotal.WithLabelValues("ok").Inc()
		return
	}
	reconnectAttemptsTotal.WithLabelValues("error").Inc()
}

func ObserveGiveUp() { reconnectGiveUpsTotal.Inc() }

func ObserveRefreshSkipped() { refreshSkippedTotal.Inc() }

// Playback states as exported by the playback_state gauge.
const (
	StateIdle    = 0
	StatePlaying = 1
	StatePaused  = 2
)

func SetPlaybackState(state int) { playbackState.Set(float64(state)) }

func SetQueueLength(n int) { queueLength.Set(float64(n)) }
