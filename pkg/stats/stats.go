// Package stats exposes prometheus counters for the quality filter
// decision path.
package stats

import "github.com/prometheus/client_golang/prometheus"

var (
	framesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "quality_filter",
		Name:      "frames_accepted",
	})

	framesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "quality_filter",
		Name:      "frames_dropped",
	}, []string{"reason"})

	keyframesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "quality_filter",
		Name:      "keyframes_accepted",
	})

	keyframesRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "quality_filter",
		Name:      "keyframes_rejected",
	})

	keyframeRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "quality_filter",
		Name:      "keyframe_requests",
	})

	layerSwitches = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "quality_filter",
		Name:      "layer_switches",
	})

	resumptions = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: "quality_filter",
		Name:      "resumptions",
	})
)

func init() {
	prometheus.MustRegister(framesAccepted)
	prometheus.MustRegister(framesDropped)
	prometheus.MustRegister(keyframesAccepted)
	prometheus.MustRegister(keyframesRejected)
	prometheus.MustRegister(keyframeRequests)
	prometheus.MustRegister(layerSwitches)
	prometheus.MustRegister(resumptions)
}

// AcceptedFrame counts a frame forwarded downstream.
func AcceptedFrame() {
	framesAccepted.Inc()
}

// DroppedFrame counts a frame dropped by the filter for the given reason.
func DroppedFrame(reason string) {
	framesDropped.WithLabelValues(reason).Inc()
}

// Keyframe counts the outcome of the keyframe acceptance procedure.
func Keyframe(accepted bool) {
	if accepted {
		keyframesAccepted.Inc()
	} else {
		keyframesRejected.Inc()
	}
}

// KeyframeRequest counts a raise of the needs-keyframe flag.
func KeyframeRequest() {
	keyframeRequests.Inc()
}

// LayerSwitch counts a committed change of the forwarded layer index.
func LayerSwitch() {
	layerSwitches.Inc()
}

// Resumption counts a suspended to active transition.
func Resumption() {
	resumptions.Inc()
}
