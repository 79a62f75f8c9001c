package signalling

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/livekit/livekit-stage/pkg/rtc/types"
)

type EnvelopeType string

const (
	EnvelopeTypeJoin      EnvelopeType = "join"
	EnvelopeTypeLeave     EnvelopeType = "leave"
	EnvelopeTypePeers     EnvelopeType = "peers"
	EnvelopeTypeOffer     EnvelopeType = "offer"
	EnvelopeTypeAnswer    EnvelopeType = "answer"
	EnvelopeTypeCandidate EnvelopeType = "candidate"
	EnvelopeTypeError     EnvelopeType = "error"
)

// Envelope is the JSON frame exchanged with signalling servers and over pub/sub.
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	ID      string          `json:"id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	RoomID  string          `json:"roomId"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Peers   []string        `json:"peers,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (e *Envelope) IsSignal() bool {
	switch e.Type {
	case EnvelopeTypeOffer, EnvelopeTypeAnswer, EnvelopeTypeCandidate:
		return true
	default:
		return false
	}
}

type descriptionPayload struct {
	SDP string `json:"sdp"`
}

func EncodeSignal(roomID string, msg types.SignalMessage) (*Envelope, error) {
	var (
		envType EnvelopeType
		payload interface{}
	)
	switch p := msg.Payload.(type) {
	case types.Offer:
		envType = EnvelopeTypeOffer
		payload = descriptionPayload{SDP: p.SDP}
	case types.Answer:
		envType = EnvelopeTypeAnswer
		payload = descriptionPayload{SDP: p.SDP}
	case types.ICECandidate:
		envType = EnvelopeTypeCandidate
		payload = p.Candidate
	case nil:
		return nil, ErrMissingPayload
	default:
		return nil, errors.Wrapf(ErrInvalidMessageType, "payload: %T", p)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:    envType,
		ID:      msg.ID,
		From:    string(msg.From),
		To:      string(msg.To),
		RoomID:  roomID,
		Payload: raw,
	}, nil
}

func DecodeSignal(env *Envelope) (types.SignalMessage, error) {
	msg := types.SignalMessage{
		ID:   env.ID,
		From: types.PeerID(env.From),
		To:   types.PeerID(env.To),
	}
	if !env.IsSignal() {
		return msg, errors.Wrapf(ErrInvalidMessageType, "type: %s", env.Type)
	}
	if len(env.Payload) == 0 {
		return msg, ErrMissingPayload
	}

	switch env.Type {
	case EnvelopeTypeOffer, EnvelopeTypeAnswer:
		var d descriptionPayload
		if err := json.Unmarshal(env.Payload, &d); err != nil {
			return msg, errors.Wrap(err, "could not decode description")
		}
		if env.Type == EnvelopeTypeOffer {
			msg.Payload = types.Offer{SDP: d.SDP}
		} else {
			msg.Payload = types.Answer{SDP: d.SDP}
		}

	case EnvelopeTypeCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return msg, errors.Wrap(err, "could not decode candidate")
		}
		msg.Payload = types.ICECandidate{Candidate: c}
	}
	return msg, nil
}

func peerIDs(ids []string) []types.PeerID {
	out := make([]types.PeerID, 0, len(ids))
	for _, id := range ids {
		out = append(out, types.PeerID(id))
	}
	return out
}
