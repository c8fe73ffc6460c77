// Package sfu implements the per-receiver quality filtering engine of a
// selective forwarding unit. For every receiver of a simulcast/SVC
// video source a QualityFilter decides, frame by frame, which layers
// are forwarded so that the receiver's decoder never sees a broken
// prediction chain, and tracks when a fresh keyframe has to be
// requested from the sender.
package sfu

import (
	"github.com/go-logr/logr"

	"github.com/rtcpipe/svc-sfu/pkg/logger"
)

// Logger is the package wide logger. Hosts may replace it before
// creating filters.
var Logger logr.Logger = logger.New()
