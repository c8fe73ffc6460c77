package sfu

import "errors"

var (
	// quality filter errors
	errUnresolvedEncoding = errors.New("keyframe with unresolved encoding id")
	// forwarder errors
	errNoWriter = errors.New("no packet writer attached")
)
