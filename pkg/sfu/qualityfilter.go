package sfu

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/rtcpipe/svc-sfu/pkg/stats"
)

// defaultSwitchWaitWindow is how long the filter waits, after accepting
// the first keyframe of a group, for keyframes of other encodings that
// may refine the selection.
const defaultSwitchWaitWindow = 300 * time.Millisecond

// Drop reasons reported to stats.
const (
	dropSuspended        = "suspended"
	dropAwaitingKeyframe = "awaiting_keyframe"
	dropWrongEncoding    = "wrong_encoding"
	dropKeyframeRejected = "keyframe_rejected"
	dropLayerGate        = "layer_gate"
	dropTemporalGate     = "temporal_gate"
)

// AcceptResult is the outcome of one filter decision.
type AcceptResult struct {
	// Accept is whether the frame should be forwarded.
	Accept bool
	// IsResumption is set when this decision moved the filter out of
	// the suspended state; the forwarding layer may need to reset its
	// sequencing state.
	IsResumption bool
	// Mark is the RTP marker bit for the last packet of this frame on
	// the forwarded stream. The encoder's own marker bit refers to the
	// layer it encodes, not the layer being forwarded, so it has to be
	// recomputed here.
	Mark bool
}

// FilterSnapshot is an advisory view of the filter state for telemetry.
type FilterSnapshot struct {
	CurrentIndex       LayerIndex
	TargetEncoding     int
	TargetSpatialLayer int
	NeedsKeyframe      bool
	KeyframeGroupStart time.Time
	Layers             [MaxSpatialLayers]bool
}

// QualityFilter decides, frame by frame, whether a simulcast/SVC frame
// is forwarded to one receiver given an externally supplied target
// layer index. It tracks which spatial layers are currently safe to
// reference and raises a sticky needs-keyframe flag whenever a switch
// is structurally impossible without a fresh keyframe.
//
// Calls are internally serialized, so the filter may be driven from
// any goroutine. The layer continuity check assumes in-order frame
// delivery per spatial layer; it is fragile if the depacketizer
// reorders frames, which upstream components are expected to prevent.
type QualityFilter struct {
	mu sync.Mutex

	// currentIndex is the layer being forwarded, or SuspendedIndex.
	currentIndex LayerIndex
	// internalTargetEncoding memoizes the last externally requested
	// encoding to detect target changes.
	internalTargetEncoding int
	// internalTargetSpatial memoizes the last spatial target a blocked
	// switch was logged for, so each distinct target is logged once.
	internalTargetSpatial int
	// needsKeyframe is sticky: raised by the decision path, cleared
	// only when a keyframe reaches the acceptance procedure.
	needsKeyframe bool
	// layers records whether the most recent base temporal layer frame
	// of each spatial layer was forwarded; it is the reachability
	// record consulted by the switch safety checks.
	layers             [MaxSpatialLayers]bool
	keyframeGroupStart time.Time

	waitWindow       time.Duration
	history          *History
	onKeyframeNeeded func()

	logger logr.Logger
}

// NewQualityFilter creates a filter in the suspended state.
func NewQualityFilter(c FilterConfig) *QualityFilter {
	f := &QualityFilter{
		currentIndex:           SuspendedIndex,
		internalTargetEncoding: SuspendedEncoding,
		internalTargetSpatial:  -1,
		waitWindow:             c.waitWindow(),
		logger:                 Logger.WithName("quality-filter"),
	}
	if c.HistorySize > 0 {
		f.history = newHistory(c.HistorySize)
	}
	return f
}

// AcceptFrame runs one forwarding decision. externalTargetIndex is the
// desired layer, supplied fresh on every call; incomingEncoding is the
// resolved encoding id of the frame's source stream, or
// SuspendedEncoding when unresolved. A zero receivedTime disables the
// switching-phase logic for this call.
func (f *QualityFilter) AcceptFrame(frame *Frame, incomingEncoding int, externalTargetIndex LayerIndex, receivedTime time.Time) AcceptResult {
	f.mu.Lock()

	prevIndex := f.currentIndex
	hadNeedsKeyframe := f.needsKeyframe

	accept, reason := f.acceptFrameLocked(frame, incomingEncoding, externalTargetIndex, receivedTime)

	result := AcceptResult{
		Accept:       accept,
		IsResumption: prevIndex.IsSuspended() && !f.currentIndex.IsSuspended(),
		Mark:         f.markLocked(frame, externalTargetIndex),
	}

	switched := !prevIndex.IsSuspended() && !f.currentIndex.IsSuspended() &&
		prevIndex != f.currentIndex
	raised := !hadNeedsKeyframe && f.needsKeyframe
	cb := f.onKeyframeNeeded

	if f.history != nil {
		f.history.push(DecisionRecord{
			Time:          receivedTime,
			Encoding:      incomingEncoding,
			SpatialLayer:  frame.EffectiveSpatialLayer(),
			TemporalLayer: frame.EffectiveTemporalLayer(),
			Keyframe:      frame.IsKeyframe,
			Target:        externalTargetIndex,
			Current:       f.currentIndex,
			Accept:        accept,
			Mark:          result.Mark,
			Resumption:    result.IsResumption,
		})
	}
	f.mu.Unlock()

	if accept {
		stats.AcceptedFrame()
	} else {
		stats.DroppedFrame(reason)
	}
	if frame.IsKeyframe && reason != dropSuspended {
		stats.Keyframe(accept)
	}
	if switched {
		stats.LayerSwitch()
	}
	if result.IsResumption {
		stats.Resumption()
	}
	if raised {
		stats.KeyframeRequest()
		if cb != nil {
			cb()
		}
	}
	return result
}

// markLocked recomputes the marker bit for the forwarded stream. For
// inter-predicted frames the layer actually being forwarded is the
// only valid reference; before the filter has committed to a layer the
// encoder's final spatial layer, i.e. the external target, is the only
// reliable signal.
func (f *QualityFilter) markLocked(frame *Frame, target LayerIndex) bool {
	if frame.IsInterPicturePredicted {
		return frame.EffectiveSpatialLayer() >= f.currentIndex.Spatial()
	}
	return frame.EffectiveSpatialLayer() >= target.Spatial()
}

func (f *QualityFilter) acceptFrameLocked(frame *Frame, incomingEncoding int, target LayerIndex, receivedTime time.Time) (bool, string) {
	targetEncoding := target.Encoding()

	// Switching simulcast encodings requires a keyframe on the new
	// stream, so raise the flag as soon as the target moves there.
	if targetEncoding != f.internalTargetEncoding {
		f.internalTargetEncoding = targetEncoding
		if targetEncoding != SuspendedEncoding && targetEncoding != f.currentIndex.Encoding() {
			f.needsKeyframe = true
		}
	}

	if targetEncoding == SuspendedEncoding {
		// Forwarding is explicitly turned off; resuming will need a
		// fresh keyframe.
		f.currentIndex = SuspendedIndex
		return false, dropSuspended
	}

	if frame.IsKeyframe {
		if !f.acceptKeyframeLocked(frame, incomingEncoding, receivedTime) {
			return false, dropKeyframeRejected
		}
		// A keyframe resets the reachability baseline: spatial layer 0
		// restarts its chain, higher layers must re-qualify.
		f.layers = [MaxSpatialLayers]bool{}
		f.layers[0] = true
		return true, ""
	}

	currentEncoding := f.currentIndex.Encoding()
	if currentEncoding == SuspendedEncoding {
		// Not forwarding, and the keyframe that will change that was
		// already requested when the target changed.
		return false, dropAwaitingKeyframe
	}

	// Streams that keep emitting stray base layer keyframes can have
	// tricked the filter into an encoding the target never asked for;
	// once the switching phase is over, flag that a keyframe would get
	// us back on track.
	if f.isOutOfSwitchingPhaseLocked(receivedTime) && f.isPossibleToSwitchLocked(incomingEncoding) {
		f.needsKeyframe = true
	}

	if incomingEncoding != currentEncoding {
		// Only one simulcast encoding is forwarded at a time.
		return false, dropWrongEncoding
	}

	spatial := frame.EffectiveSpatialLayer()
	temporal := frame.EffectiveTemporalLayer()
	currentSpatial := f.currentIndex.Spatial()
	targetSpatial := target.Spatial()

	// A stale target may reference a layer that no longer exists in a
	// newly observed layer structure.
	if frame.NumSpatialLayers > 0 && targetSpatial >= frame.NumSpatialLayers {
		targetSpatial = frame.NumSpatialLayers - 1
	}

	// A frame is only safe to forward when its prediction chain is
	// intact: the previous base temporal layer frame of its spatial
	// layer was forwarded and, for inter-layer prediction, the next
	// lower spatial layer of this picture was forwarded too.
	forwardable := (!frame.IsInterPicturePredicted || f.layers[spatial]) &&
		(!frame.UsesInterLayerDependency || (spatial > 0 && f.layers[spatial-1]))

	// The filter wants to move toward the target when this frame's
	// layer lies between current and target, in either direction, or
	// when the current layer vanished from the declared structure.
	wantsToSwitch := (currentSpatial < spatial && spatial <= targetSpatial) ||
		(currentSpatial > spatial && spatial >= targetSpatial) ||
		(frame.NumSpatialLayers > 0 && currentSpatial >= frame.NumSpatialLayers)
	if wantsToSwitch {
		if forwardable {
			f.currentIndex = EncodeLayerIndex(currentEncoding, spatial, temporal)
			currentSpatial = spatial
		} else {
			// The switch is structurally blocked; only a fresh
			// keyframe can unblock it. Logged once per distinct target.
			f.needsKeyframe = true
			if f.internalTargetSpatial != targetSpatial {
				f.internalTargetSpatial = targetSpatial
				f.logger.Info("spatial switch blocked by broken layer chain",
					"current", f.currentIndex,
					"targetSpatialLayer", targetSpatial,
					"frameSpatialLayer", spatial)
			}
		}
	}

	wantsToForward := spatial == currentSpatial ||
		(spatial < currentSpatial && frame.IsUpperLevelReference)

	accept := wantsToForward && forwardable
	if temporal == 0 {
		// Only the base temporal layer outcome gates future
		// forwardability of this spatial layer.
		f.layers[spatial] = accept
	}
	if !accept {
		return false, dropLayerGate
	}

	// Temporal gating: reduce the frame rate while a downscale is
	// pending, maximize it while an upscale is pending, and honor the
	// target temporal id once settled.
	currentPair := EncodeLayerIndex(currentEncoding, currentSpatial, 0)
	targetPair := EncodeLayerIndex(targetEncoding, targetSpatial, 0)
	switch {
	case currentPair > targetPair:
		if temporal != 0 {
			return false, dropTemporalGate
		}
	case currentPair < targetPair:
		// All temporal layers flow while an upscale is pending.
	default:
		if temporal > target.Temporal() {
			return false, dropTemporalGate
		}
		if temporal > f.currentIndex.Temporal() {
			f.currentIndex = EncodeLayerIndex(currentEncoding, currentSpatial, temporal)
		}
	}
	return true, ""
}

// acceptKeyframeLocked implements the keyframe acceptance procedure.
// It clears the needs-keyframe flag unconditionally: the request has
// been satisfied regardless of what is decided below.
func (f *QualityFilter) acceptKeyframeLocked(frame *Frame, incomingEncoding int, receivedTime time.Time) bool {
	f.needsKeyframe = false

	if incomingEncoding == SuspendedEncoding {
		// The encoding of a keyframe should always resolve; fail closed.
		f.logger.Error(errUnresolvedEncoding, "dropping keyframe", "ssrc", frame.SSRC)
		return false
	}

	f.logger.V(1).Info("quality filter got keyframe", "encoding", incomingEncoding)

	spatial := frame.EffectiveSpatialLayer()
	temporal := frame.EffectiveTemporalLayer()
	currentEncoding := f.currentIndex.Encoding()

	if f.isOutOfSwitchingPhaseLocked(receivedTime) {
		// First keyframe of a new group. Accept anything at or below
		// target: this may be the only keyframe the sender produces.
		if incomingEncoding <= f.internalTargetEncoding {
			if currentEncoding != incomingEncoding {
				f.currentIndex = EncodeLayerIndex(incomingEncoding, spatial, temporal)
			}
			if !receivedTime.IsZero() {
				f.keyframeGroupStart = receivedTime
			}
			return true
		}
		return false
	}

	// Within the group wait window keyframes of other encodings are
	// opportunities to refine the selection: upscale toward the target,
	// or downscale when the target is below the current encoding.
	if (currentEncoding <= incomingEncoding && incomingEncoding <= f.internalTargetEncoding) ||
		(incomingEncoding <= f.internalTargetEncoding && f.internalTargetEncoding < currentEncoding) {
		if currentEncoding != incomingEncoding {
			f.currentIndex = EncodeLayerIndex(incomingEncoding, spatial, temporal)
		}
		return true
	}
	return false
}

// isPossibleToSwitchLocked reports whether incomingEncoding represents
// real progress from the current encoding toward the internal target.
func (f *QualityFilter) isPossibleToSwitchLocked(incomingEncoding int) bool {
	if incomingEncoding == SuspendedEncoding {
		return false
	}
	currentEncoding := f.currentIndex.Encoding()
	return (incomingEncoding > currentEncoding && incomingEncoding <= f.internalTargetEncoding) ||
		(incomingEncoding < currentEncoding && incomingEncoding >= f.internalTargetEncoding)
}

// isOutOfSwitchingPhaseLocked reports whether the keyframe group wait
// window has elapsed. Without an arrival timestamp the switching-phase
// logic is disabled for the call.
func (f *QualityFilter) isOutOfSwitchingPhaseLocked(receivedTime time.Time) bool {
	if receivedTime.IsZero() {
		return false
	}
	if f.keyframeGroupStart.IsZero() {
		return true
	}
	return receivedTime.Sub(f.keyframeGroupStart) > f.waitWindow
}

// NeedsKeyframe reports the sticky keyframe request flag.
func (f *QualityFilter) NeedsKeyframe() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.needsKeyframe
}

// CurrentIndex returns the layer index currently being forwarded.
func (f *QualityFilter) CurrentIndex() LayerIndex {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentIndex
}

// OnKeyframeNeeded registers fn to run, outside the filter lock, every
// time the needs-keyframe flag transitions from lowered to raised.
func (f *QualityFilter) OnKeyframeNeeded(fn func()) {
	f.mu.Lock()
	f.onKeyframeNeeded = fn
	f.mu.Unlock()
}

// History returns the decision history ring, or nil when disabled.
func (f *QualityFilter) History() *History {
	return f.history
}

// Snapshot returns an advisory view of the filter state. It
// deliberately takes no lock so it never contends with the decision
// path; the values may be mutually inconsistent.
func (f *QualityFilter) Snapshot() FilterSnapshot {
	return FilterSnapshot{
		CurrentIndex:       f.currentIndex,
		TargetEncoding:     f.internalTargetEncoding,
		TargetSpatialLayer: f.internalTargetSpatial,
		NeedsKeyframe:      f.needsKeyframe,
		KeyframeGroupStart: f.keyframeGroupStart,
		Layers:             f.layers,
	}
}
