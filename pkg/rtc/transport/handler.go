package transport

import (
	"errors"

	"github.com/pion/webrtc/v3"

	"github.com/livekit/livekit-stage/pkg/rtc/types"
)

var (
	ErrNoSignalHandler = errors.New("no signal handler")
)

// Handler receives the events of one peer session. Implementations must not block.
type Handler interface {
	// OnSignal is called with every offer, answer and candidate that should reach the remote peer
	OnSignal(msg types.SignalMessage) error
	OnRemoteTrack(track *types.RemoteTrack)
	OnICEConnectionStateChange(peer types.PeerID, state webrtc.ICEConnectionState)
	OnConnectionStateChange(peer types.PeerID, state webrtc.PeerConnectionState)
	OnNegotiationStateChanged(peer types.PeerID, state NegotiationState)
	OnICECandidateError(peer types.PeerID, candidateErr types.ICECandidateError)
	// OnError is the single sink for failures that do not end the session
	OnError(peer types.PeerID, err error)
	OnClosed(peer types.PeerID)
}

type UnimplementedHandler struct{}

func (h UnimplementedHandler) OnSignal(msg types.SignalMessage) error {
	return ErrNoSignalHandler
}
func (h UnimplementedHandler) OnRemoteTrack(track *types.RemoteTrack) {}
func (h UnimplementedHandler) OnICEConnectionStateChange(peer types.PeerID, state webrtc.ICEConnectionState) {
}
func (h UnimplementedHandler) OnConnectionStateChange(peer types.PeerID, state webrtc.PeerConnectionState) {
}
func (h UnimplementedHandler) OnNegotiationStateChanged(peer types.PeerID, state NegotiationState) {}
func (h UnimplementedHandler) OnICECandidateError(peer types.PeerID, candidateErr types.ICECandidateError) {
}
func (h UnimplementedHandler) OnError(peer types.PeerID, err error) {}
func (h UnimplementedHandler) OnClosed(peer types.PeerID)           {}
