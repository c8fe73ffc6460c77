package sfu

import "fmt"

// LayerIndex packs an (encoding, spatial, temporal) triple into a
// single comparable integer. Within a fixed encoding a higher spatial
// or temporal layer always compares higher, so layer decisions reduce
// to integer comparisons.
type LayerIndex int

const (
	// SuspendedIndex is the sentinel layer index meaning no layer is
	// selected and forwarding is stopped.
	SuspendedIndex LayerIndex = -1
	// SuspendedEncoding is the sentinel encoding id meaning no
	// simulcast encoding is selected or the id could not be resolved.
	SuspendedEncoding = -1

	// MaxSpatialLayers bounds the spatial layer id range (0..7).
	MaxSpatialLayers = 8

	temporalBits = 3
	spatialBits  = 3
	temporalMask = 1<<temporalBits - 1
	spatialMask  = 1<<spatialBits - 1
)

// EncodeLayerIndex packs the triple. Spatial and temporal ids are
// masked into their 3-bit fields; an unresolved encoding yields the
// suspended sentinel.
func EncodeLayerIndex(encoding, spatial, temporal int) LayerIndex {
	if encoding == SuspendedEncoding {
		return SuspendedIndex
	}
	return LayerIndex(encoding<<(spatialBits+temporalBits) |
		(spatial&spatialMask)<<temporalBits |
		temporal&temporalMask)
}

// IsSuspended reports whether the index is the suspended sentinel.
func (l LayerIndex) IsSuspended() bool {
	return l < 0
}

// Encoding returns the simulcast encoding id, or SuspendedEncoding.
func (l LayerIndex) Encoding() int {
	if l.IsSuspended() {
		return SuspendedEncoding
	}
	return int(l) >> (spatialBits + temporalBits)
}

// Spatial returns the spatial layer id, or -1 when suspended.
func (l LayerIndex) Spatial() int {
	if l.IsSuspended() {
		return -1
	}
	return int(l) >> temporalBits & spatialMask
}

// Temporal returns the temporal layer id, or -1 when suspended.
func (l LayerIndex) Temporal() int {
	if l.IsSuspended() {
		return -1
	}
	return int(l) & temporalMask
}

func (l LayerIndex) String() string {
	if l.IsSuspended() {
		return "SUSPENDED"
	}
	return fmt.Sprintf("%d/%d/%d", l.Encoding(), l.Spatial(), l.Temporal())
}
