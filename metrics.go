package chatsync

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	liveEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_live_events_total",
			Help: "Total number of live channel events applied, by event type.",
		},
		[]string{"event"},
	)
	liveFramesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_live_frames_dropped_total",
			Help: "Total number of live channel frames discarded, by reason.",
		},
		[]string{"reason"},
	)
	liveChannelOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_live_channel_open",
			Help: "1 while a room socket is open, 0 otherwise.",
		},
	)
	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_actions_total",
			Help: "Total number of outbound chat actions, by action and result.",
		},
		[]string{"action", "result"},
	)
	roomsUnread = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_rooms_unread",
			Help: "Sum of unread counts across all rooms.",
		},
	)
)

const (
	dropStale     = "stale"
	dropMalformed = "malformed"
	dropUnknown   = "unknown_type"
	dropDuplicate = "duplicate"
)

// RegisterMetrics registers the engine collectors with reg. Registering the
// same registry twice is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		liveEventsTotal,
		liveFramesDroppedTotal,
		liveChannelOpen,
		actionsTotal,
		roomsUnread,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func observeAction(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	actionsTotal.WithLabelValues(action, result).Inc()
}
