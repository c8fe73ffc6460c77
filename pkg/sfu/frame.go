package sfu

import "github.com/pion/rtp/codecs"

// Frame describes one reassembled video frame as seen by the quality
// filter. Frames are produced by the depacketization layer; the filter
// only reads them.
type Frame struct {
	// SSRC identifies the source stream the frame arrived on.
	SSRC uint32
	// IsKeyframe is set on intra frames.
	IsKeyframe bool
	// IsInterPicturePredicted is set when the frame depends on a
	// previous frame of its own spatial layer.
	IsInterPicturePredicted bool
	// UsesInterLayerDependency is set when the frame depends on the
	// next lower spatial layer of the same picture.
	UsesInterLayerDependency bool
	// IsUpperLevelReference is set on lower spatial layer frames that
	// upper spatial layers may predict from; such frames must keep
	// flowing even while a higher layer is the forwarding target.
	IsUpperLevelReference bool
	// SpatialLayer is the spatial layer id, -1 when unknown.
	SpatialLayer int
	// TemporalLayer is the temporal layer id, -1 when unknown.
	TemporalLayer int
	// NumSpatialLayers is the spatial layer count declared by the
	// frame's scalability structure, -1 when none was signaled.
	NumSpatialLayers int
}

// EffectiveSpatialLayer treats an unknown spatial id as 0 and clamps
// into the tracked range.
func (f *Frame) EffectiveSpatialLayer() int {
	s := f.SpatialLayer
	if s < 0 {
		s = 0
	}
	if s >= MaxSpatialLayers {
		s = MaxSpatialLayers - 1
	}
	return s
}

// EffectiveTemporalLayer treats an unknown temporal id as 0.
func (f *Frame) EffectiveTemporalLayer() int {
	if f.TemporalLayer < 0 {
		return 0
	}
	return f.TemporalLayer
}

// FrameFromVP9 maps a parsed VP9 payload descriptor onto a Frame.
// payload is the raw VP9 payload of the frame's first packet; the Z
// bit (not surfaced by the pion depacketizer) is read from its first
// descriptor octet.
func FrameFromVP9(ssrc uint32, payload []byte, vp9 *codecs.VP9Packet) Frame {
	f := Frame{
		SSRC:                     ssrc,
		IsKeyframe:               !vp9.P && vp9.B,
		IsInterPicturePredicted:  vp9.P,
		UsesInterLayerDependency: vp9.D,
		SpatialLayer:             -1,
		TemporalLayer:            -1,
		NumSpatialLayers:         -1,
	}
	if vp9.L {
		f.SpatialLayer = int(vp9.SID)
		f.TemporalLayer = int(vp9.TID)
	}
	if vp9.V {
		f.NumSpatialLayers = int(vp9.NS) + 1
	}
	// Z set means no upper spatial layer will reference this frame.
	if len(payload) > 0 {
		f.IsUpperLevelReference = payload[0]&0x01 == 0
	}
	return f
}
