package sfu

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
	"github.com/gammazero/workerpool"
	"github.com/pion/rtcp"
)

// minPLIInterval is the floor between two keyframe requests for the
// same source; keyframes are expensive and visible to the sender.
const minPLIInterval = 500 * time.Millisecond

// defaultRequestDebounce collapses bursts of filter decisions that all
// want a keyframe into a single request.
const defaultRequestDebounce = 100 * time.Millisecond

// Keyframer issues upstream keyframe requests (PLI) for a source
// stream. Requests are debounced and rate limited, and sent from a
// dedicated worker so RTCP writes never run on the frame hot path.
type Keyframer struct {
	send      func([]rtcp.Packet)
	debounced func(func())
	worker    *workerpool.WorkerPool
	lastPLI   int64 // unix nanos
}

// NewKeyframer creates a keyframer delivering PLIs through send. wait
// is the request debounce interval, 0 selects the default.
func NewKeyframer(wait time.Duration, send func([]rtcp.Packet)) *Keyframer {
	if wait <= 0 {
		wait = defaultRequestDebounce
	}
	return &Keyframer{
		send:      send,
		debounced: debounce.New(wait),
		worker:    workerpool.New(1),
	}
}

// Request schedules a PLI for mediaSSRC. Requests within the debounce
// interval coalesce; requests within minPLIInterval of the last sent
// PLI are dropped.
func (k *Keyframer) Request(senderSSRC, mediaSSRC uint32) error {
	if k.worker.Stopped() {
		return io.ErrClosedPipe
	}
	k.debounced(func() {
		k.worker.Submit(func() {
			now := time.Now().UnixNano()
			if now-atomic.LoadInt64(&k.lastPLI) < minPLIInterval.Nanoseconds() {
				return
			}
			atomic.StoreInt64(&k.lastPLI, now)
			k.send([]rtcp.Packet{
				&rtcp.PictureLossIndication{SenderSSRC: senderSSRC, MediaSSRC: mediaSSRC},
			})
		})
	})
	return nil
}

// Close stops the dispatch worker. Pending requests are dropped.
func (k *Keyframer) Close() {
	k.worker.Stop()
}
