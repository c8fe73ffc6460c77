package sfu

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// PacketWriter writes forwarded RTP packets downstream.
type PacketWriter interface {
	WriteRTP(header *rtp.Header, payload []byte) (int, error)
}

// Forwarder rewrites and writes the packets of frames accepted by a
// QualityFilter. It owns the downstream sequence number and timestamp
// spaces: the filter drops frames and switches between source streams
// whose spaces are unrelated, so the receiver must be shown a single
// contiguous stream.
type Forwarder struct {
	mu sync.Mutex

	filter    *QualityFilter
	keyframer *Keyframer
	writer    PacketWriter

	ssrc        uint32
	payloadType uint8

	snOffset  uint16
	tsOffset  uint32
	lastSSRC  uint32
	lastSN    uint16
	lastTS    uint32
	lastWrite time.Time

	octetCount  uint32
	packetCount uint32
}

// NewForwarder creates a forwarder writing to writer with the given
// outgoing SSRC and payload type.
func NewForwarder(filter *QualityFilter, writer PacketWriter, ssrc uint32, payloadType uint8) *Forwarder {
	return &Forwarder{
		filter:      filter,
		writer:      writer,
		ssrc:        ssrc,
		payloadType: payloadType,
	}
}

// SetKeyframer attaches the keyframe request path. Without one the
// forwarder still filters correctly but never asks the sender for a
// keyframe.
func (fw *Forwarder) SetKeyframer(k *Keyframer) {
	fw.keyframer = k
}

// Filter returns the forwarder's quality filter.
func (fw *Forwarder) Filter() *QualityFilter {
	return fw.filter
}

// WriteFrame runs one frame through the filter and forwards its
// packets on accept. pkts must hold the frame's packets in sequence
// order; the marker bit of the last one is replaced by the filter's
// recomputed value.
func (fw *Forwarder) WriteFrame(frame *Frame, incomingEncoding int, target LayerIndex, pkts []*rtp.Packet, receivedTime time.Time) error {
	if fw.writer == nil {
		return errNoWriter
	}

	res := fw.filter.AcceptFrame(frame, incomingEncoding, target, receivedTime)
	if fw.keyframer != nil && fw.filter.NeedsKeyframe() {
		_ = fw.keyframer.Request(fw.ssrc, frame.SSRC)
	}
	if !res.Accept || len(pkts) == 0 {
		return nil
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	first := pkts[0]
	if res.IsResumption || fw.lastSSRC != first.SSRC {
		// The source stream changed or forwarding resumed: rebase the
		// outgoing sequence and timestamp spaces. The timestamp
		// advances by the wall clock gap at the 90kHz video rate so
		// the receiver sees a contiguous stream.
		if !fw.lastWrite.IsZero() {
			gap := uint32(time.Since(fw.lastWrite).Milliseconds() * 90)
			if gap == 0 {
				gap = 1
			}
			fw.tsOffset = first.Timestamp - (fw.lastTS + gap)
			fw.snOffset = first.SequenceNumber - fw.lastSN - 1
		} else {
			fw.lastTS = first.Timestamp
			fw.lastSN = first.SequenceNumber
		}
		fw.lastSSRC = first.SSRC
	}

	for i, p := range pkts {
		newSN := p.SequenceNumber - fw.snOffset
		newTS := p.Timestamp - fw.tsOffset

		hdr := p.Header
		hdr.SequenceNumber = newSN
		hdr.Timestamp = newTS
		hdr.SSRC = fw.ssrc
		hdr.PayloadType = fw.payloadType
		hdr.Marker = i == len(pkts)-1 && res.Mark

		if _, err := fw.writer.WriteRTP(&hdr, p.Payload); err != nil {
			Logger.Error(err, "write packet err", "ssrc", fw.ssrc)
			return err
		}

		atomic.AddUint32(&fw.octetCount, uint32(len(p.Payload)))
		atomic.AddUint32(&fw.packetCount, 1)

		if (newSN-fw.lastSN)&0x8000 == 0 || fw.lastSN == 0 {
			fw.lastSN = newSN
			fw.lastTS = newTS
		}
	}
	fw.lastWrite = time.Now()
	return nil
}

// Stats returns forwarded octet and packet counts.
func (fw *Forwarder) Stats() (octets, packets uint32) {
	return atomic.LoadUint32(&fw.octetCount), atomic.LoadUint32(&fw.packetCount)
}
