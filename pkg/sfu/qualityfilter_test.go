package sfu

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBase = time.Unix(1600000000, 0)

func at(ms int64) time.Time {
	return testBase.Add(time.Duration(ms) * time.Millisecond)
}

func keyframe(ssrc uint32, spatial int) *Frame {
	return &Frame{
		SSRC:             ssrc,
		IsKeyframe:       true,
		SpatialLayer:     spatial,
		TemporalLayer:    0,
		NumSpatialLayers: -1,
	}
}

// delta is an inter-picture predicted frame of the given layer.
func delta(ssrc uint32, spatial, temporal int) *Frame {
	return &Frame{
		SSRC:                    ssrc,
		IsInterPicturePredicted: true,
		SpatialLayer:            spatial,
		TemporalLayer:           temporal,
		NumSpatialLayers:        -1,
	}
}

// enhancement is the non-inter-predicted upper spatial layer frame of
// an intra picture: it only references the next lower layer.
func enhancement(ssrc uint32, spatial int) *Frame {
	return &Frame{
		SSRC:                     ssrc,
		UsesInterLayerDependency: true,
		SpatialLayer:             spatial,
		TemporalLayer:            0,
		NumSpatialLayers:         -1,
	}
}

// startForwarding brings a fresh filter into steady state on encoding
// enc at spatial layer 0.
func startForwarding(t *testing.T, f *QualityFilter, enc int, target LayerIndex, now time.Time) {
	t.Helper()
	res := f.AcceptFrame(keyframe(uint32(enc+1), 0), enc, target, now)
	require.True(t, res.Accept)
	require.True(t, res.IsResumption)
}

func TestResumptionOnFirstKeyframe(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	target := EncodeLayerIndex(0, 0, 0)

	res := f.AcceptFrame(keyframe(1, 0), 0, target, at(0))

	assert.True(t, res.Accept)
	assert.True(t, res.IsResumption)
	assert.True(t, res.Mark)
	assert.Equal(t, EncodeLayerIndex(0, 0, 0), f.CurrentIndex())
	assert.False(t, f.NeedsKeyframe())
}

func TestSuspensionInvariant(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	target := EncodeLayerIndex(0, 0, 0)
	startForwarding(t, f, 0, target, at(0))

	// Switching the target to the sentinel stops forwarding at once.
	res := f.AcceptFrame(delta(1, 0, 0), 0, SuspendedIndex, at(33))
	assert.False(t, res.Accept)
	assert.True(t, f.CurrentIndex().IsSuspended())

	// Everything is dropped while suspended, keyframes included.
	res = f.AcceptFrame(delta(1, 0, 0), 0, SuspendedIndex, at(66))
	assert.False(t, res.Accept)
	res = f.AcceptFrame(keyframe(1, 0), 0, SuspendedIndex, at(99))
	assert.False(t, res.Accept)
	assert.True(t, f.CurrentIndex().IsSuspended())

	// Deltas cannot resume forwarding, only a keyframe can.
	res = f.AcceptFrame(delta(1, 0, 0), 0, target, at(500))
	assert.False(t, res.Accept)
	assert.True(t, f.NeedsKeyframe())

	res = f.AcceptFrame(keyframe(1, 0), 0, target, at(533))
	assert.True(t, res.Accept)
	assert.True(t, res.IsResumption)
	assert.Equal(t, EncodeLayerIndex(0, 0, 0), f.CurrentIndex())
}

func TestTargetEncodingChange(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	startForwarding(t, f, 0, EncodeLayerIndex(0, 0, 0), at(0))

	// Raising the target to another encoding requests a keyframe but
	// keeps the old encoding flowing until one arrives.
	target := EncodeLayerIndex(1, 0, 0)
	res := f.AcceptFrame(delta(1, 0, 0), 0, target, at(33))
	assert.True(t, res.Accept)
	assert.True(t, f.NeedsKeyframe())
	assert.Equal(t, 0, f.CurrentIndex().Encoding())

	// The keyframe on the new encoding commits the switch.
	res = f.AcceptFrame(keyframe(2, 0), 1, target, at(400))
	assert.True(t, res.Accept)
	assert.False(t, res.IsResumption)
	assert.Equal(t, 1, f.CurrentIndex().Encoding())
	assert.False(t, f.NeedsKeyframe())

	// Old encoding frames are dropped from now on.
	res = f.AcceptFrame(delta(1, 0, 0), 0, target, at(433))
	assert.False(t, res.Accept)
	res = f.AcceptFrame(delta(2, 0, 0), 1, target, at(433))
	assert.True(t, res.Accept)
}

func TestKeyframeClearsFlagEvenWhenRejected(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	startForwarding(t, f, 0, EncodeLayerIndex(0, 0, 0), at(0))

	target := EncodeLayerIndex(1, 0, 0)
	f.AcceptFrame(delta(1, 0, 0), 0, target, at(33))
	require.True(t, f.NeedsKeyframe())

	// A keyframe above target is rejected but still satisfies the
	// request.
	res := f.AcceptFrame(keyframe(3, 0), 2, target, at(400))
	assert.False(t, res.Accept)
	assert.False(t, f.NeedsKeyframe())
}

func TestKeyframeUnresolvedEncodingFailsClosed(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	target := EncodeLayerIndex(0, 0, 0)

	res := f.AcceptFrame(keyframe(1, 0), SuspendedEncoding, target, at(0))
	assert.False(t, res.Accept)
	assert.True(t, f.CurrentIndex().IsSuspended())
}

func TestKeyframeGroupRefinement(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	target := EncodeLayerIndex(2, 0, 0)

	// The first keyframe of the group is below target but may be the
	// only one the sender produces, so it is accepted.
	res := f.AcceptFrame(keyframe(1, 0), 0, target, at(0))
	require.True(t, res.Accept)
	assert.Equal(t, 0, f.CurrentIndex().Encoding())

	// Within the wait window keyframes of better encodings refine the
	// selection upward.
	res = f.AcceptFrame(keyframe(2, 0), 1, target, at(100))
	assert.True(t, res.Accept)
	assert.Equal(t, 1, f.CurrentIndex().Encoding())

	// Going back down is not a refinement while the target is above.
	res = f.AcceptFrame(keyframe(1, 0), 0, target, at(150))
	assert.False(t, res.Accept)
	assert.Equal(t, 1, f.CurrentIndex().Encoding())

	res = f.AcceptFrame(keyframe(3, 0), 2, target, at(200))
	assert.True(t, res.Accept)
	assert.Equal(t, 2, f.CurrentIndex().Encoding())
}

func TestKeyframeGroupDownscale(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	startForwarding(t, f, 2, EncodeLayerIndex(2, 0, 0), at(0))

	// Target drops below the current encoding: within the window a
	// low keyframe is accepted as a downscale.
	target := EncodeLayerIndex(0, 0, 0)
	res := f.AcceptFrame(keyframe(1, 0), 0, target, at(100))
	assert.True(t, res.Accept)
	assert.Equal(t, 0, f.CurrentIndex().Encoding())
}

func TestStrayKeyframeRequestsRecovery(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	target := EncodeLayerIndex(1, 0, 0)
	startForwarding(t, f, 1, target, at(0))

	// A stray base layer keyframe outside any switching phase drags
	// the filter down: it is at or below target, so it is accepted.
	res := f.AcceptFrame(keyframe(1, 0), 0, target, at(500))
	require.True(t, res.Accept)
	require.Equal(t, 0, f.CurrentIndex().Encoding())

	// Frames of the (still targeted) higher encoding then flag that a
	// keyframe would help, once the new group's window has passed.
	res = f.AcceptFrame(delta(2, 0, 0), 1, target, at(900))
	assert.False(t, res.Accept)
	assert.True(t, f.NeedsKeyframe())
}

func TestSpatialUpscale(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	target := EncodeLayerIndex(0, 1, 0)
	startForwarding(t, f, 0, target, at(0))
	require.Equal(t, 0, f.CurrentIndex().Spatial())

	// The upper layer frame of the intra picture is reachable through
	// the just-accepted base layer, so the filter switches up.
	res := f.AcceptFrame(enhancement(1, 1), 0, target, at(1))
	assert.True(t, res.Accept)
	assert.Equal(t, 1, f.CurrentIndex().Spatial())

	// From here the upper layer chain carries itself.
	res = f.AcceptFrame(delta(1, 1, 0), 0, target, at(34))
	assert.True(t, res.Accept)

	// The base layer keeps flowing while upper layers reference it.
	base := delta(1, 0, 0)
	base.IsUpperLevelReference = true
	res = f.AcceptFrame(base, 0, target, at(34))
	assert.True(t, res.Accept)
	assert.False(t, res.Mark)

	// A base layer frame nothing above references is dropped.
	res = f.AcceptFrame(delta(1, 0, 0), 0, target, at(67))
	assert.False(t, res.Accept)
}

func TestSpatialUpscaleBlockedByBrokenChain(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	startForwarding(t, f, 0, EncodeLayerIndex(0, 0, 0), at(0))

	// Target moves up, but every spatial layer 1 frame depends on a
	// layer 1 frame that was never forwarded.
	target := EncodeLayerIndex(0, 1, 0)
	res := f.AcceptFrame(delta(1, 1, 0), 0, target, at(33))
	assert.False(t, res.Accept)
	assert.True(t, f.NeedsKeyframe())
	assert.Equal(t, 0, f.CurrentIndex().Spatial())
}

func TestMonotonicReachability(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	target := EncodeLayerIndex(0, 1, 2)
	startForwarding(t, f, 0, target, at(0))

	// The layer 1 base temporal frame is rejected (broken chain), so
	// its outcome is recorded and higher temporal layers of layer 1
	// must not pass afterwards.
	res := f.AcceptFrame(delta(1, 1, 0), 0, target, at(33))
	require.False(t, res.Accept)

	res = f.AcceptFrame(delta(1, 1, 1), 0, target, at(50))
	assert.False(t, res.Accept)
	res = f.AcceptFrame(delta(1, 1, 2), 0, target, at(66))
	assert.False(t, res.Accept)
}

func TestSpatialDownscale(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	target := EncodeLayerIndex(0, 1, 0)
	startForwarding(t, f, 0, target, at(0))
	res := f.AcceptFrame(enhancement(1, 1), 0, target, at(1))
	require.True(t, res.Accept)
	require.Equal(t, 1, f.CurrentIndex().Spatial())

	// Target drops to the base layer. The next reachable base layer
	// frame commits the downward switch without any keyframe.
	target = EncodeLayerIndex(0, 0, 0)
	base := delta(1, 0, 0)
	base.IsUpperLevelReference = true
	res = f.AcceptFrame(base, 0, target, at(34))
	assert.True(t, res.Accept)
	assert.Equal(t, 0, f.CurrentIndex().Spatial())
	assert.False(t, f.NeedsKeyframe())

	// Upper layer frames no longer flow.
	res = f.AcceptFrame(delta(1, 1, 0), 0, target, at(67))
	assert.False(t, res.Accept)
}

func TestTargetSpatialClamp(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	target := EncodeLayerIndex(0, 1, 0)
	startForwarding(t, f, 0, target, at(0))
	res := f.AcceptFrame(enhancement(1, 1), 0, target, at(1))
	require.True(t, res.Accept)

	// A stale target referencing spatial layer 2 while the stream now
	// declares only two layers is clamped, not treated as a mismatch.
	target = EncodeLayerIndex(0, 2, 0)
	fr := delta(1, 1, 0)
	fr.NumSpatialLayers = 2
	res = f.AcceptFrame(fr, 0, target, at(34))
	assert.True(t, res.Accept)
	assert.Equal(t, 1, f.CurrentIndex().Spatial())
	assert.False(t, f.NeedsKeyframe())
}

func TestShrunkLayerStructureForcesSwitchDown(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	target := EncodeLayerIndex(0, 1, 0)
	startForwarding(t, f, 0, target, at(0))
	res := f.AcceptFrame(enhancement(1, 1), 0, target, at(1))
	require.True(t, res.Accept)
	require.Equal(t, 1, f.CurrentIndex().Spatial())

	// The structure shrinks to a single layer: the current spatial
	// layer no longer exists, so the filter steps down to what is left.
	fr := delta(1, 0, 0)
	fr.IsUpperLevelReference = true
	fr.NumSpatialLayers = 1
	res = f.AcceptFrame(fr, 0, target, at(34))
	assert.True(t, res.Accept)
	assert.Equal(t, 0, f.CurrentIndex().Spatial())
}

func TestTemporalGating(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	target := EncodeLayerIndex(0, 0, 2)
	startForwarding(t, f, 0, target, at(0))

	// At the target spatial layer, temporal layers up to the target's
	// temporal id pass and raise the tracked temporal layer.
	res := f.AcceptFrame(delta(1, 0, 1), 0, target, at(33))
	assert.True(t, res.Accept)
	assert.Equal(t, 1, f.CurrentIndex().Temporal())

	res = f.AcceptFrame(delta(1, 0, 2), 0, target, at(66))
	assert.True(t, res.Accept)
	assert.Equal(t, 2, f.CurrentIndex().Temporal())

	// Above the target temporal id frames are throttled.
	res = f.AcceptFrame(delta(1, 0, 3), 0, target, at(99))
	assert.False(t, res.Accept)
	assert.Equal(t, 2, f.CurrentIndex().Temporal())
}

func TestTemporalThrottleWhileDownscalePending(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	target := EncodeLayerIndex(0, 1, 2)
	startForwarding(t, f, 0, target, at(0))
	res := f.AcceptFrame(enhancement(1, 1), 0, target, at(1))
	require.True(t, res.Accept)

	// Target drops to the base layer; while the switch is pending the
	// still-forwarded upper layer is reduced to its base frame rate.
	target = EncodeLayerIndex(0, 0, 2)
	res = f.AcceptFrame(delta(1, 1, 1), 0, target, at(34))
	assert.False(t, res.Accept)
	res = f.AcceptFrame(delta(1, 1, 0), 0, target, at(67))
	assert.True(t, res.Accept)
}

func TestIdempotentTargetRepetition(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	target := EncodeLayerIndex(0, 0, 0)
	startForwarding(t, f, 0, target, at(0))
	want := f.CurrentIndex()

	for i := int64(1); i <= 20; i++ {
		res := f.AcceptFrame(delta(1, 0, 0), 0, target, at(i*33))
		assert.True(t, res.Accept)
		assert.Equal(t, want, f.CurrentIndex())
		assert.False(t, f.NeedsKeyframe())
	}
}

func TestMarkUsesExternalTargetForIntraFrames(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	target := EncodeLayerIndex(0, 1, 0)

	// No layer committed yet: the marker comparison for frames without
	// inter-picture references falls back to the requested target.
	fr := enhancement(1, 1)
	res := f.AcceptFrame(fr, 0, target, at(0))
	assert.True(t, res.Mark)

	fr = enhancement(1, 0)
	fr.UsesInterLayerDependency = false
	res = f.AcceptFrame(fr, 0, target, at(1))
	assert.False(t, res.Mark)
}

func TestOnKeyframeNeededFiresOncePerRaise(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	var calls int
	f.OnKeyframeNeeded(func() { calls++ })
	startForwarding(t, f, 0, EncodeLayerIndex(0, 0, 0), at(0))

	target := EncodeLayerIndex(1, 0, 0)
	f.AcceptFrame(delta(1, 0, 0), 0, target, at(33))
	f.AcceptFrame(delta(1, 0, 0), 0, target, at(66))
	assert.Equal(t, 1, calls)

	// Satisfying and re-raising fires again.
	f.AcceptFrame(keyframe(2, 0), 1, target, at(400))
	f.AcceptFrame(delta(1, 0, 0), 0, EncodeLayerIndex(0, 0, 0), at(433))
	assert.Equal(t, 2, calls)
}

func TestSnapshot(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	target := EncodeLayerIndex(0, 0, 0)
	startForwarding(t, f, 0, target, at(0))

	snap := f.Snapshot()
	assert.Equal(t, EncodeLayerIndex(0, 0, 0), snap.CurrentIndex)
	assert.Equal(t, 0, snap.TargetEncoding)
	assert.False(t, snap.NeedsKeyframe)
	assert.Equal(t, at(0), snap.KeyframeGroupStart)
	assert.True(t, snap.Layers[0])
	assert.False(t, snap.Layers[1])
}

func TestHistoryBounded(t *testing.T) {
	f := NewQualityFilter(FilterConfig{HistorySize: 4})
	target := EncodeLayerIndex(0, 0, 0)
	startForwarding(t, f, 0, target, at(0))

	for i := int64(1); i <= 10; i++ {
		f.AcceptFrame(delta(1, 0, 0), 0, target, at(i*33))
	}

	h := f.History()
	require.NotNil(t, h)
	records := h.Records()
	require.Len(t, records, 4)
	// oldest first
	assert.True(t, records[0].Time.Before(records[3].Time))
	assert.True(t, records[3].Accept)
}

func TestConcurrentCallsAreSerialized(t *testing.T) {
	f := NewQualityFilter(FilterConfig{})
	target := EncodeLayerIndex(0, 0, 0)
	startForwarding(t, f, 0, target, at(0))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int64) {
			defer wg.Done()
			for i := int64(0); i < 100; i++ {
				f.AcceptFrame(delta(1, 0, 0), 0, target, at(i*7+g))
			}
		}(int64(g))
	}
	wg.Wait()

	assert.Equal(t, EncodeLayerIndex(0, 0, 0), f.CurrentIndex())
}
