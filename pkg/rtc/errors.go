package rtc

import (
	"github.com/pkg/errors"
)

var (
	ErrNotStable              = errors.New("signaling state is not stable")
	ErrICERestartLimitReached = errors.New("ICE restart limit reached")
	ErrSessionClosed          = errors.New("peer session closed")
	ErrSamePeer               = errors.New("local and remote peer ids are equal")
	ErrNoLocalIdentity        = errors.New("local identity not set")
	ErrUnknownTrackKind       = errors.New("unknown track kind")
	ErrUnexpectedSignal       = errors.New("unexpected signal message")
	ErrStageClosed            = errors.New("stage closed")
)
