package types

import (
	"github.com/pion/webrtc/v3"
)

// RemoteTrack is a track received from a remote peer.
type RemoteTrack struct {
	PeerID           PeerID
	TransportTrackID string
	StreamID         string
	Kind             TrackKind
	Track            *webrtc.TrackRemote
	Receiver         *webrtc.RTPReceiver
	// stats of the connection at the time the track arrived, nil when not collected
	InitialStats *StatsSummary
}

// ICECandidateError reports an ICE server that did not yield a candidate.
type ICECandidateError struct {
	URL       string
	ErrorCode int
	ErrorText string
}

func (e ICECandidateError) Error() string {
	return e.URL + ": " + e.ErrorText
}

// StatsSummary is a compact view of a connection's statistics. Nil fields were not present in the report.
type StatsSummary struct {
	// seconds
	RoundTripTime *float64 `json:"roundTripTime,omitempty"`
	// seconds
	Jitter *float64 `json:"jitter,omitempty"`
	// seconds per emitted sample
	JitterBufferDelay *float64 `json:"jitterBufferDelay,omitempty"`
}

func (s StatsSummary) IsEmpty() bool {
	return s.RoundTripTime == nil && s.Jitter == nil && s.JitterBufferDelay == nil
}
