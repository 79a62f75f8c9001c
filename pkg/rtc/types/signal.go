package types

import (
	"context"

	"github.com/pion/webrtc/v3"
)

type SignalKind string

const (
	SignalKindOffer     SignalKind = "offer"
	SignalKindAnswer    SignalKind = "answer"
	SignalKindCandidate SignalKind = "candidate"
)

// SignalPayload is one of Offer, Answer or ICECandidate.
type SignalPayload interface {
	Kind() SignalKind
	isSignalPayload()
}

type Offer struct {
	SDP string
}

func (Offer) Kind() SignalKind { return SignalKindOffer }
func (Offer) isSignalPayload() {}

func (o Offer) SessionDescription() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: o.SDP}
}

type Answer struct {
	SDP string
}

func (Answer) Kind() SignalKind { return SignalKindAnswer }
func (Answer) isSignalPayload() {}

func (a Answer) SessionDescription() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: a.SDP}
}

type ICECandidate struct {
	Candidate webrtc.ICECandidateInit
}

func (ICECandidate) Kind() SignalKind { return SignalKindCandidate }
func (ICECandidate) isSignalPayload() {}

// PayloadFromDescription converts a local or remote session description into the matching payload.
// Only offers and answers are carried over signalling.
func PayloadFromDescription(sd webrtc.SessionDescription) (SignalPayload, bool) {
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		return Offer{SDP: sd.SDP}, true
	case webrtc.SDPTypeAnswer:
		return Answer{SDP: sd.SDP}, true
	default:
		return nil, false
	}
}

type SignalMessage struct {
	ID      string
	From    PeerID
	To      PeerID
	Payload SignalPayload
}

func (m SignalMessage) Kind() SignalKind {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

// Signaller delivers signal messages between peers. No ordering or delivery guarantees are assumed.
type Signaller interface {
	SendSignal(ctx context.Context, msg SignalMessage) error
	// OnSignal registers a receiver for inbound messages, the returned func unregisters it
	OnSignal(f func(msg SignalMessage)) func()
	Close() error
}

// MembershipSource reports the set of remote peers currently on the stage.
type MembershipSource interface {
	OnMembershipChanged(f func(peers []PeerID)) func()
}
