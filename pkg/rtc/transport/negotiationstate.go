package transport

import (
	"fmt"

	"github.com/pion/webrtc/v3"
)

type NegotiationState int

const (
	NegotiationStateStable NegotiationState = iota
	// local offer sent, waiting for answer
	NegotiationStateHaveLocalOffer
	// remote offer applied, answer being prepared
	NegotiationStateHaveRemoteOffer
	NegotiationStateClosed
)

func (n NegotiationState) String() string {
	switch n {
	case NegotiationStateStable:
		return "STABLE"
	case NegotiationStateHaveLocalOffer:
		return "HAVE_LOCAL_OFFER"
	case NegotiationStateHaveRemoteOffer:
		return "HAVE_REMOTE_OFFER"
	case NegotiationStateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("%d", int(n))
	}
}

func NegotiationStateFromSignalingState(s webrtc.SignalingState) NegotiationState {
	switch s {
	case webrtc.SignalingStateStable:
		return NegotiationStateStable
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveRemotePranswer:
		return NegotiationStateHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveLocalPranswer:
		return NegotiationStateHaveRemoteOffer
	case webrtc.SignalingStateClosed:
		return NegotiationStateClosed
	default:
		// pion reports unknown before the first description is applied
		return NegotiationStateStable
	}
}
