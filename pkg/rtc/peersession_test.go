package rtc

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-stage/pkg/rtc/transport"
	"github.com/livekit/livekit-stage/pkg/rtc/types"
)

type testHandler struct {
	transport.UnimplementedHandler

	lock          sync.Mutex
	signals       []types.SignalMessage
	errs          []error
	candidateErrs []types.ICECandidateError
	remoteTracks  []*types.RemoteTrack
	closed        int
	forward       func(msg types.SignalMessage)
}

func (h *testHandler) OnSignal(msg types.SignalMessage) error {
	h.lock.Lock()
	h.signals = append(h.signals, msg)
	forward := h.forward
	h.lock.Unlock()

	if forward != nil {
		forward(msg)
	}
	return nil
}

func (h *testHandler) OnRemoteTrack(track *types.RemoteTrack) {
	h.lock.Lock()
	h.remoteTracks = append(h.remoteTracks, track)
	h.lock.Unlock()
}

func (h *testHandler) OnICECandidateError(_ types.PeerID, candidateErr types.ICECandidateError) {
	h.lock.Lock()
	h.candidateErrs = append(h.candidateErrs, candidateErr)
	h.lock.Unlock()
}

func (h *testHandler) OnError(_ types.PeerID, err error) {
	h.lock.Lock()
	h.errs = append(h.errs, err)
	h.lock.Unlock()
}

func (h *testHandler) OnClosed(_ types.PeerID) {
	h.lock.Lock()
	h.closed++
	h.lock.Unlock()
}

func (h *testHandler) signalsOfKind(kind types.SignalKind) []types.SignalMessage {
	h.lock.Lock()
	defer h.lock.Unlock()

	var out []types.SignalMessage
	for _, s := range h.signals {
		if s.Kind() == kind {
			out = append(out, s)
		}
	}
	return out
}

func (h *testHandler) errors() []error {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]error{}, h.errs...)
}

func (h *testHandler) candidateErrors() []types.ICECandidateError {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]types.ICECandidateError{}, h.candidateErrs...)
}

func (h *testHandler) closeCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.closed
}

func newTestPeerSession(t *testing.T, local, remote types.PeerID, handler transport.Handler, conf *WebRTCConfig) (*PeerSession, *fakePeerConnection) {
	pc := newFakePeerConnection(string(local))
	s, err := NewPeerSession(PeerSessionParams{
		LocalID:  local,
		RemoteID: remote,
		Config:   conf,
		NewPeerConnection: func(*WebRTCConfig) (types.PeerConnection, error) {
			return pc, nil
		},
		MaxICERestartAttempts: 1,
		NegotiationDebounce:   -1,
		Handler:               handler,
		Logger:                logger.GetLogger(),
	})
	require.NoError(t, err)
	return s, pc
}

func newLocalTrack(t *testing.T, id string, kind types.TrackKind) webrtc.TrackLocal {
	mime := webrtc.MimeTypeOpus
	if kind == types.TrackKindVideo {
		mime = webrtc.MimeTypeVP8
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "stream")
	require.NoError(t, err)
	return track
}

func TestPeerSession_Create(t *testing.T) {
	t.Run("role from ids", func(t *testing.T) {
		s, pc := newTestPeerSession(t, "a", "b", &testHandler{}, nil)
		defer s.Destroy()
		require.Equal(t, types.RolePolite, s.Role())
		require.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}, pc.transceivers())

		s2, _ := newTestPeerSession(t, "b", "a", &testHandler{}, nil)
		defer s2.Destroy()
		require.Equal(t, types.RoleImpolite, s2.Role())
	})

	t.Run("same peer", func(t *testing.T) {
		_, err := NewPeerSession(PeerSessionParams{LocalID: "a", RemoteID: "a"})
		require.ErrorIs(t, err, ErrSamePeer)
	})

	t.Run("transport failure", func(t *testing.T) {
		failure := errors.New("no transport")
		_, err := NewPeerSession(PeerSessionParams{
			LocalID:  "a",
			RemoteID: "b",
			NewPeerConnection: func(*WebRTCConfig) (types.PeerConnection, error) {
				return nil, failure
			},
		})
		require.ErrorIs(t, err, failure)
	})
}

func TestPeerSession_Destroy(t *testing.T) {
	h := &testHandler{}
	s, pc := newTestPeerSession(t, "a", "b", h, nil)

	s.Destroy()
	s.Destroy()

	_, _, _, _, _, closes := pc.counters()
	require.Equal(t, 1, closes)
	require.Equal(t, 1, h.closeCount())
	require.True(t, s.IsDestroyed())

	// listeners are released
	pc.fireICECandidate(&webrtc.ICECandidate{Typ: webrtc.ICECandidateTypeHost})
	pc.fireNegotiationNeeded()
	pc.fireICEConnectionState(webrtc.ICEConnectionStateFailed)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, h.signalsOfKind(types.SignalKindCandidate))
	require.Empty(t, h.signalsOfKind(types.SignalKindOffer))
	require.Empty(t, h.errors())

	require.ErrorIs(t, s.AttachLocalTrack(types.TrackKindAudio, newLocalTrack(t, "audio", types.TrackKindAudio)), ErrSessionClosed)
	require.ErrorIs(t, s.ApplyRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer}), ErrSessionClosed)
	require.ErrorIs(t, s.ApplyRemoteCandidate(webrtc.ICECandidateInit{}), ErrSessionClosed)
}

func TestPeerSession_AttachTriggersNegotiation(t *testing.T) {
	h := &testHandler{}
	s, _ := newTestPeerSession(t, "a", "b", h, nil)
	defer s.Destroy()

	require.NoError(t, s.AttachLocalTrack(types.TrackKindAudio, newLocalTrack(t, "audio", types.TrackKindAudio)))

	require.Eventually(t, func() bool {
		return len(h.signalsOfKind(types.SignalKindOffer)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	offer := h.signalsOfKind(types.SignalKindOffer)[0]
	require.Equal(t, types.PeerID("a"), offer.From)
	require.Equal(t, types.PeerID("b"), offer.To)
	require.NotEmpty(t, offer.ID)
	require.Equal(t, transport.NegotiationStateHaveLocalOffer, s.State())

	require.ErrorIs(t, s.AttachLocalTrack("screen", newLocalTrack(t, "screen", types.TrackKindVideo)), ErrUnknownTrackKind)
	require.NotNil(t, s.LocalTrack(types.TrackKindAudio))
	require.NoError(t, s.DetachLocalTrack(types.TrackKindAudio))
	require.Nil(t, s.LocalTrack(types.TrackKindAudio))
	require.NoError(t, s.DetachLocalTrack(types.TrackKindVideo))
}

func TestPeerSession_ICECandidates(t *testing.T) {
	t.Run("gathered candidates are signalled", func(t *testing.T) {
		h := &testHandler{}
		s, pc := newTestPeerSession(t, "a", "b", h, nil)
		defer s.Destroy()

		pc.fireICECandidate(nil)
		pc.fireICECandidate(&webrtc.ICECandidate{
			Foundation: "1",
			Priority:   2130706431,
			Address:    "192.168.1.2",
			Protocol:   webrtc.ICEProtocolUDP,
			Port:       5000,
			Typ:        webrtc.ICECandidateTypeHost,
			Component:  1,
		})

		require.Eventually(t, func() bool {
			return len(h.signalsOfKind(types.SignalKindCandidate)) == 1
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("ICE servers without candidates are reported", func(t *testing.T) {
		h := &testHandler{}
		conf := &WebRTCConfig{
			ICEServerURLs: []string{"stun:stun.example.com:3478", "turn:turn.example.com:3478?transport=udp"},
		}
		s, pc := newTestPeerSession(t, "a", "b", h, conf)
		defer s.Destroy()

		pc.fireICECandidate(&webrtc.ICECandidate{Typ: webrtc.ICECandidateTypeSrflx, Protocol: webrtc.ICEProtocolUDP})
		pc.fireGatheringState(webrtc.ICEGathererStateComplete)

		require.Eventually(t, func() bool {
			return len(h.candidateErrors()) == 1
		}, 5*time.Second, 10*time.Millisecond)

		candidateErr := h.candidateErrors()[0]
		require.Equal(t, "turn:turn.example.com:3478?transport=udp", candidateErr.URL)
		require.Equal(t, 701, candidateErr.ErrorCode)
	})
}

func TestPeerSession_ICEFailureReported(t *testing.T) {
	h := &testHandler{}
	s, pc := newTestPeerSession(t, "a", "b", h, nil)
	defer s.Destroy()

	pc.fireICEConnectionState(webrtc.ICEConnectionStateFailed)
	require.Eventually(t, func() bool {
		return len(h.signalsOfKind(types.SignalKindOffer)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, iceRestarts, _, _, _, _ := pc.counters()
	require.Equal(t, 1, iceRestarts)

	// cap of one reached, the failure is reported and the session is kept
	pc.fireICEConnectionState(webrtc.ICEConnectionStateFailed)
	require.Eventually(t, func() bool {
		for _, err := range h.errors() {
			if errors.Is(err, ErrICERestartLimitReached) {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.False(t, s.IsDestroyed())
	_, iceRestarts, _, _, _, closes := pc.counters()
	require.Equal(t, 1, iceRestarts)
	require.Equal(t, 0, closes)
}

func TestPeerSession_HandleSignal(t *testing.T) {
	s, _ := newTestPeerSession(t, "a", "b", &testHandler{}, nil)
	defer s.Destroy()

	err := s.HandleSignal(types.SignalMessage{From: "b", To: "a"})
	require.ErrorIs(t, err, ErrUnexpectedSignal)

	require.NoError(t, s.HandleSignal(types.SignalMessage{
		From:    "b",
		To:      "a",
		Payload: types.ICECandidate{Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"}},
	}))
}

func TestPeerSession_Stats(t *testing.T) {
	s, pc := newTestPeerSession(t, "a", "b", &testHandler{}, nil)

	require.True(t, s.Stats().IsEmpty())

	pc.setStats(webrtc.StatsReport{
		"CP1": webrtc.ICECandidatePairStats{
			Type:                 webrtc.StatsTypeCandidatePair,
			ID:                   "CP1",
			Nominated:            true,
			CurrentRoundTripTime: 0.04,
		},
	})
	stats := s.Stats()
	require.NotNil(t, stats.RoundTripTime)
	require.InDelta(t, 0.04, *stats.RoundTripTime, 1e-9)

	s.Destroy()
	require.True(t, s.Stats().IsEmpty())
}

func TestPeerSession_GlareConverges(t *testing.T) {
	var a, b *PeerSession
	var ready sync.WaitGroup
	ready.Add(1)

	ha := &testHandler{forward: func(msg types.SignalMessage) {
		ready.Wait()
		b.QueueSignal(msg)
	}}
	hb := &testHandler{forward: func(msg types.SignalMessage) {
		ready.Wait()
		a.QueueSignal(msg)
	}}
	a, pcA := newTestPeerSession(t, "a", "b", ha, nil)
	b, pcB := newTestPeerSession(t, "b", "a", hb, nil)
	defer a.Destroy()
	defer b.Destroy()
	ready.Done()

	// both sides start negotiating at the same time
	require.NoError(t, a.AttachLocalTrack(types.TrackKindAudio, newLocalTrack(t, "a-audio", types.TrackKindAudio)))
	require.NoError(t, b.AttachLocalTrack(types.TrackKindVideo, newLocalTrack(t, "b-video", types.TrackKindVideo)))

	require.Eventually(t, func() bool {
		return a.State() == transport.NegotiationStateStable &&
			b.State() == transport.NegotiationStateStable &&
			pcA.hasRemoteTrack("b-video") &&
			pcB.hasRemoteTrack("a-audio")
	}, 5*time.Second, 10*time.Millisecond)
}
