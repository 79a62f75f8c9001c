package rtc

import (
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/pion/ice/v2"
	"github.com/pion/rtcp"
	"github.com/pion/stun"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-stage/pkg/rtc/transport"
	"github.com/livekit/livekit-stage/pkg/rtc/types"
	"github.com/livekit/livekit-stage/pkg/telemetry/prometheus"
	"github.com/livekit/livekit-stage/pkg/utils"
)

const (
	DefaultNegotiationDebounce = 150 * time.Millisecond

	// https://www.w3.org/TR/webrtc/#dom-rtcpeerconnectioniceerrorevent-errorcode
	iceServerUnreachableErrorCode = 701
)

type PeerSessionParams struct {
	LocalID  types.PeerID
	RemoteID types.PeerID
	Config   *WebRTCConfig
	// defaults to NewPeerConnection
	NewPeerConnection     PeerConnectionFactory
	MaxICERestartAttempts int
	// negative disables debouncing
	NegotiationDebounce time.Duration
	CollectTrackStats   bool
	Handler             transport.Handler
	Logger              logger.Logger
}

type localTrackBinding struct {
	track  webrtc.TrackLocal
	sender *webrtc.RTPSender
}

// PeerSession owns the connection to one remote peer and the negotiator running on it.
type PeerSession struct {
	params     PeerSessionParams
	role       types.Role
	pc         types.PeerConnection
	negotiator *Negotiator
	opsQueue   *utils.OpsQueue

	debouncedNegotiate func(f func())
	unsubscribe        func()
	destroyed          atomic.Bool

	lock                  sync.RWMutex
	localTracks           map[types.TrackKind]*localTrackBinding
	remoteTracks          map[string]*types.RemoteTrack
	gatheredCandidateType map[webrtc.ICECandidateType]bool
}

func NewPeerSession(params PeerSessionParams) (*PeerSession, error) {
	if params.LocalID == params.RemoteID {
		return nil, ErrSamePeer
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	params.Logger = params.Logger.WithValues("localPeer", params.LocalID, "remotePeer", params.RemoteID)
	if params.Handler == nil {
		params.Handler = transport.UnimplementedHandler{}
	}
	if params.NewPeerConnection == nil {
		params.NewPeerConnection = NewPeerConnection
	}
	if params.Config == nil {
		params.Config = &WebRTCConfig{}
	}
	if params.NegotiationDebounce == 0 {
		params.NegotiationDebounce = DefaultNegotiationDebounce
	}

	pc, err := params.NewPeerConnection(params.Config)
	if err != nil {
		return nil, errors.Wrap(err, "could not create peer connection")
	}

	s := &PeerSession{
		params:                params,
		role:                  types.RoleFor(params.LocalID, params.RemoteID),
		pc:                    pc,
		opsQueue:              utils.NewOpsQueue(params.Logger, "peer-session"),
		localTracks:           make(map[types.TrackKind]*localTrackBinding),
		remoteTracks:          make(map[string]*types.RemoteTrack),
		gatheredCandidateType: make(map[webrtc.ICECandidateType]bool),
	}
	if params.NegotiationDebounce > 0 {
		s.debouncedNegotiate = debounce.New(params.NegotiationDebounce)
	}
	s.negotiator = NewNegotiator(NegotiatorParams{
		Role:                  s.role,
		PC:                    pc,
		MaxICERestartAttempts: params.MaxICERestartAttempts,
		Emit:                  s.emit,
		OnStateChange: func(state transport.NegotiationState) {
			s.params.Handler.OnNegotiationStateChanged(s.params.RemoteID, state)
		},
		Logger: params.Logger,
	})

	s.unsubscribe = s.subscribe()
	s.opsQueue.Start()

	// both peers lay out audio then video, so either side's first offer numbers the media sections the
	// same way and a dropped offer leaves nothing behind. AddTrack takes these transceivers over.
	for _, kind := range types.TrackKinds {
		if _, err := pc.AddTransceiverFromKind(kind.RTPCodecType(), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			s.unsubscribe()
			s.opsQueue.Stop()
			_ = pc.Close()
			return nil, errors.Wrapf(err, "could not add %s transceiver", kind)
		}
	}

	prometheus.AddPeerSession()
	params.Logger.Infow("peer session created", "role", s.role)
	return s, nil
}

// subscribe registers the transport callbacks. The returned func replaces them with no-ops.
func (s *PeerSession) subscribe() func() {
	s.pc.OnNegotiationNeeded(s.onNegotiationNeeded)
	s.pc.OnICECandidate(s.onICECandidate)
	s.pc.OnICEGatheringStateChange(s.onICEGatheringStateChange)
	s.pc.OnTrack(s.onTrack)
	s.pc.OnICEConnectionStateChange(s.onICEConnectionStateChange)
	s.pc.OnConnectionStateChange(s.onConnectionStateChange)

	return func() {
		s.pc.OnNegotiationNeeded(func() {})
		s.pc.OnICECandidate(func(*webrtc.ICECandidate) {})
		s.pc.OnICEGatheringStateChange(func(webrtc.ICEGathererState) {})
		s.pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})
		s.pc.OnICEConnectionStateChange(func(webrtc.ICEConnectionState) {})
		s.pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
	}
}

func (s *PeerSession) LocalID() types.PeerID {
	return s.params.LocalID
}

func (s *PeerSession) RemoteID() types.PeerID {
	return s.params.RemoteID
}

func (s *PeerSession) Role() types.Role {
	return s.role
}

func (s *PeerSession) State() transport.NegotiationState {
	return s.negotiator.State()
}

func (s *PeerSession) Flags() NegotiationFlags {
	return s.negotiator.Flags()
}

func (s *PeerSession) ICEConnectionState() webrtc.ICEConnectionState {
	return s.pc.ICEConnectionState()
}

func (s *PeerSession) IsDestroyed() bool {
	return s.destroyed.Load()
}

func (s *PeerSession) emit(payload types.SignalPayload) error {
	if s.destroyed.Load() {
		return ErrSessionClosed
	}

	msg := types.SignalMessage{
		ID:      utils.NewGuid(utils.SignalPrefix),
		From:    s.params.LocalID,
		To:      s.params.RemoteID,
		Payload: payload,
	}
	if err := s.params.Handler.OnSignal(msg); err != nil {
		prometheus.RecordSignal("out", string(payload.Kind()), "error")
		return err
	}
	prometheus.RecordSignal("out", string(payload.Kind()), "success")
	return nil
}

func (s *PeerSession) onNegotiationNeeded() {
	if s.destroyed.Load() {
		return
	}

	negotiate := func() {
		s.opsQueue.Enqueue(s.renegotiate)
	}
	if s.debouncedNegotiate != nil {
		s.debouncedNegotiate(negotiate)
	} else {
		negotiate()
	}
}

func (s *PeerSession) renegotiate() {
	if s.destroyed.Load() {
		return
	}
	if err := s.negotiator.RequestRenegotiation(); err != nil {
		s.reportError(errors.Wrap(err, "renegotiation failed"))
	}
}

func (s *PeerSession) onICECandidate(c *webrtc.ICECandidate) {
	if c == nil || s.destroyed.Load() {
		return
	}

	s.opsQueue.Enqueue(func() {
		s.lock.Lock()
		s.gatheredCandidateType[c.Typ] = true
		s.lock.Unlock()

		if err := s.emit(types.ICECandidate{Candidate: c.ToJSON()}); err != nil {
			s.params.Logger.Warnw("could not send ICE candidate", err, "candidate", c.String())
		}
	})
}

func (s *PeerSession) onICEGatheringStateChange(state webrtc.ICEGathererState) {
	if state != webrtc.ICEGathererStateComplete || s.destroyed.Load() {
		return
	}

	s.opsQueue.Enqueue(s.checkICEServerCandidates)
}

// checkICEServerCandidates reports configured ICE servers that did not produce a candidate of their type
// by the end of gathering.
func (s *PeerSession) checkICEServerCandidates() {
	s.lock.Lock()
	gathered := s.gatheredCandidateType
	s.gatheredCandidateType = make(map[webrtc.ICECandidateType]bool)
	s.lock.Unlock()

	for _, url := range s.params.Config.ICEServerURLs {
		uri, err := stun.ParseURI(url)
		if err != nil {
			s.params.Handler.OnICECandidateError(s.params.RemoteID, types.ICECandidateError{
				URL:       url,
				ErrorCode: iceServerUnreachableErrorCode,
				ErrorText: err.Error(),
			})
			continue
		}

		var expected webrtc.ICECandidateType
		switch uri.Scheme {
		case stun.SchemeTypeSTUN, stun.SchemeTypeSTUNS:
			expected = webrtc.ICECandidateTypeSrflx
		case stun.SchemeTypeTURN, stun.SchemeTypeTURNS:
			expected = webrtc.ICECandidateTypeRelay
		default:
			continue
		}
		if gathered[expected] {
			continue
		}

		s.params.Logger.Debugw("ICE server produced no candidate", "url", url, "expected", expected)
		s.params.Handler.OnICECandidateError(s.params.RemoteID, types.ICECandidateError{
			URL:       url,
			ErrorCode: iceServerUnreachableErrorCode,
			ErrorText: "no " + expected.String() + " candidate gathered",
		})
	}
}

func (s *PeerSession) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if s.destroyed.Load() {
		return
	}

	s.opsQueue.Enqueue(func() {
		s.handleRemoteTrack(track, receiver)
	})
}

func (s *PeerSession) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if s.destroyed.Load() {
		return
	}

	rt := &types.RemoteTrack{
		PeerID:           s.params.RemoteID,
		TransportTrackID: track.ID(),
		StreamID:         track.StreamID(),
		Kind:             types.TrackKindFromRTPCodecType(track.Kind()),
		Track:            track,
		Receiver:         receiver,
	}
	if s.params.CollectTrackStats {
		if summary := s.Stats(); !summary.IsEmpty() {
			rt.InitialStats = &summary
		}
	}

	s.lock.Lock()
	s.remoteTracks[rt.TransportTrackID] = rt
	s.lock.Unlock()

	s.params.Logger.Infow("remote track added",
		"trackID", rt.TransportTrackID,
		"kind", rt.Kind,
		"codec", track.Codec().MimeType,
		"ssrc", track.SSRC(),
	)
	prometheus.RecordRemoteTrack(string(rt.Kind))

	// ask for a keyframe so the consumer can start decoding right away
	if rt.Kind == types.TrackKindVideo {
		if err := s.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
			s.params.Logger.Debugw("could not send PLI", "error", err)
		}
	}

	s.params.Handler.OnRemoteTrack(rt)
}

func (s *PeerSession) onICEConnectionStateChange(state webrtc.ICEConnectionState) {
	if s.destroyed.Load() {
		return
	}

	s.params.Logger.Infow("ice connection state change", "state", state.String())
	s.params.Handler.OnICEConnectionStateChange(s.params.RemoteID, state)

	s.opsQueue.Enqueue(func() {
		if s.destroyed.Load() {
			return
		}
		if err := s.negotiator.HandleICEConnectionStateChange(state); err != nil {
			s.reportError(err)
		}
	})
}

func (s *PeerSession) onConnectionStateChange(state webrtc.PeerConnectionState) {
	if s.destroyed.Load() {
		return
	}

	s.params.Logger.Infow("peer connection state change", "state", state.String())
	s.params.Handler.OnConnectionStateChange(s.params.RemoteID, state)
}

func (s *PeerSession) reportError(err error) {
	if errors.Is(err, ErrNotStable) {
		s.params.Logger.Debugw("negotiation error", "error", err)
	} else {
		s.params.Logger.Warnw("negotiation error", err)
	}
	s.params.Handler.OnError(s.params.RemoteID, err)
}

// AttachLocalTrack sends a local track to the remote peer. A track of the same kind already attached is
// replaced on its sender. Renegotiation follows from the transport's negotiation-needed event.
func (s *PeerSession) AttachLocalTrack(kind types.TrackKind, track webrtc.TrackLocal) error {
	if s.destroyed.Load() {
		return ErrSessionClosed
	}
	if !kind.Valid() {
		return errors.Wrapf(ErrUnknownTrackKind, "kind: %s", kind)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if existing := s.localTracks[kind]; existing != nil {
		if existing.track == track {
			return nil
		}
		if existing.sender != nil {
			if err := existing.sender.ReplaceTrack(track); err != nil {
				return errors.Wrap(err, "could not replace track")
			}
			s.params.Logger.Debugw("replaced local track", "kind", kind, "trackID", track.ID())
			existing.track = track
			return nil
		}
	}

	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return errors.Wrap(err, "could not add track")
	}
	s.localTracks[kind] = &localTrackBinding{
		track:  track,
		sender: sender,
	}
	if sender != nil {
		go drainRTCP(sender)
	}

	s.params.Logger.Debugw("attached local track", "kind", kind, "trackID", track.ID())
	return nil
}

// DetachLocalTrack stops sending the local track of the given kind.
func (s *PeerSession) DetachLocalTrack(kind types.TrackKind) error {
	if s.destroyed.Load() {
		return ErrSessionClosed
	}

	s.lock.Lock()
	binding := s.localTracks[kind]
	delete(s.localTracks, kind)
	s.lock.Unlock()

	if binding == nil {
		return nil
	}
	if err := s.pc.RemoveTrack(binding.sender); err != nil {
		return errors.Wrap(err, "could not remove track")
	}

	s.params.Logger.Debugw("detached local track", "kind", kind)
	return nil
}

func (s *PeerSession) LocalTrack(kind types.TrackKind) webrtc.TrackLocal {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if binding := s.localTracks[kind]; binding != nil {
		return binding.track
	}
	return nil
}

func (s *PeerSession) RemoteTracks() []*types.RemoteTrack {
	s.lock.RLock()
	defer s.lock.RUnlock()

	tracks := make([]*types.RemoteTrack, 0, len(s.remoteTracks))
	for _, rt := range s.remoteTracks {
		tracks = append(tracks, rt)
	}
	return tracks
}

func (s *PeerSession) ApplyRemoteDescription(sd webrtc.SessionDescription) error {
	if s.destroyed.Load() {
		return ErrSessionClosed
	}
	return s.negotiator.ReceiveDescription(sd)
}

func (s *PeerSession) ApplyRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	if s.destroyed.Load() {
		return ErrSessionClosed
	}

	if c, err := ice.UnmarshalCandidate(strings.TrimPrefix(candidate.Candidate, "candidate:")); err == nil {
		s.params.Logger.Debugw("remote candidate", "type", c.Type(), "address", c.Address(), "port", c.Port())
	} else if candidate.Candidate != "" {
		s.params.Logger.Debugw("could not parse remote candidate", "candidate", candidate.Candidate, "error", err)
	}
	return s.negotiator.ReceiveICECandidate(candidate)
}

// HandleSignal applies an inbound signal message synchronously.
func (s *PeerSession) HandleSignal(msg types.SignalMessage) error {
	switch p := msg.Payload.(type) {
	case types.Offer:
		return s.ApplyRemoteDescription(p.SessionDescription())
	case types.Answer:
		return s.ApplyRemoteDescription(p.SessionDescription())
	case types.ICECandidate:
		return s.ApplyRemoteCandidate(p.Candidate)
	default:
		return errors.Wrapf(ErrUnexpectedSignal, "kind: %s", msg.Kind())
	}
}

// QueueSignal applies an inbound signal message in order with transport events. Failures go to the handler.
func (s *PeerSession) QueueSignal(msg types.SignalMessage) {
	s.opsQueue.Enqueue(func() {
		if s.destroyed.Load() {
			return
		}
		if err := s.HandleSignal(msg); err != nil {
			s.reportError(errors.Wrapf(err, "could not handle %s", msg.Kind()))
		}
	})
}

// RestartICE forces an ICE restart outside of the failure policy.
func (s *PeerSession) RestartICE() {
	s.opsQueue.Enqueue(func() {
		if s.destroyed.Load() {
			return
		}
		if err := s.negotiator.RestartICE(); err != nil {
			s.reportError(errors.Wrap(err, "ICE restart failed"))
		}
	})
}

func (s *PeerSession) Stats() types.StatsSummary {
	if s.destroyed.Load() {
		return types.StatsSummary{}
	}
	return AggregateStats(RawStatsFromReport(s.pc.GetStats()))
}

// Destroy closes the transport and drops all negotiation state. Calling it again has no effect.
func (s *PeerSession) Destroy() {
	if s.destroyed.Swap(true) {
		return
	}

	s.unsubscribe()
	s.opsQueue.Stop()
	if err := s.pc.Close(); err != nil {
		s.params.Logger.Warnw("could not close peer connection", err)
	}
	s.negotiator.Close()

	s.lock.Lock()
	s.localTracks = make(map[types.TrackKind]*localTrackBinding)
	s.remoteTracks = make(map[string]*types.RemoteTrack)
	s.lock.Unlock()

	prometheus.SubPeerSession()
	s.params.Logger.Infow("peer session destroyed")
	s.params.Handler.OnClosed(s.params.RemoteID)
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
