package rtc

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-stage/pkg/rtc/transport"
	"github.com/livekit/livekit-stage/pkg/rtc/types"
)

type testEndpoint struct {
	id types.PeerID
	pc *fakePeerConnection
	n  *Negotiator

	lock    sync.Mutex
	outbox  []types.SignalPayload
	sendErr error
}

func newTestEndpoint(local, remote types.PeerID) *testEndpoint {
	e := &testEndpoint{
		id: local,
		pc: newFakePeerConnection(string(local)),
	}
	e.n = NewNegotiator(NegotiatorParams{
		Role:                  types.RoleFor(local, remote),
		PC:                    e.pc,
		MaxICERestartAttempts: 3,
		Emit:                  e.emit,
		Logger:                logger.GetLogger().WithValues("peer", local),
	})
	return e
}

func (e *testEndpoint) emit(p types.SignalPayload) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.sendErr != nil {
		return e.sendErr
	}
	e.outbox = append(e.outbox, p)
	return nil
}

func (e *testEndpoint) take() []types.SignalPayload {
	e.lock.Lock()
	defer e.lock.Unlock()

	out := e.outbox
	e.outbox = nil
	return out
}

func (e *testEndpoint) addTrack(t *testing.T, id string, kind types.TrackKind) {
	mime := webrtc.MimeTypeOpus
	if kind == types.TrackKindVideo {
		mime = webrtc.MimeTypeVP8
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, string(e.id))
	require.NoError(t, err)
	_, err = e.pc.AddTrack(track)
	require.NoError(t, err)
}

func deliver(t *testing.T, to *testEndpoint, payload types.SignalPayload) {
	switch p := payload.(type) {
	case types.Offer:
		require.NoError(t, to.n.ReceiveDescription(p.SessionDescription()))
	case types.Answer:
		require.NoError(t, to.n.ReceiveDescription(p.SessionDescription()))
	case types.ICECandidate:
		require.NoError(t, to.n.ReceiveICECandidate(p.Candidate))
	default:
		t.Fatalf("unexpected payload %T", payload)
	}
}

func deliverAll(t *testing.T, from, to *testEndpoint) int {
	msgs := from.take()
	for _, m := range msgs {
		deliver(t, to, m)
	}
	return len(msgs)
}

// exchanges messages until neither side has anything left to send
func settle(t *testing.T, a, b *testEndpoint) {
	for i := 0; i < 10; i++ {
		if deliverAll(t, a, b)+deliverAll(t, b, a) == 0 {
			return
		}
	}
	t.Fatal("negotiation did not settle")
}

func requireConverged(t *testing.T, a, b *testEndpoint) {
	require.Equal(t, transport.NegotiationStateStable, a.n.State())
	require.Equal(t, transport.NegotiationStateStable, b.n.State())
	require.NotNil(t, a.pc.LocalDescription())
	require.NotNil(t, b.pc.RemoteDescription())
	require.Equal(t, a.pc.LocalDescription().SDP, b.pc.RemoteDescription().SDP)
	require.Equal(t, b.pc.LocalDescription().SDP, a.pc.RemoteDescription().SDP)
}

func TestNegotiator_OfferAnswer(t *testing.T) {
	a := newTestEndpoint("a", "b")
	b := newTestEndpoint("b", "a")
	a.addTrack(t, "a-audio", types.TrackKindAudio)

	require.NoError(t, a.n.RequestRenegotiation())
	require.Equal(t, transport.NegotiationStateHaveLocalOffer, a.n.State())
	require.False(t, a.n.Flags().MakingOffer)

	msgs := a.take()
	require.Len(t, msgs, 1)
	require.Equal(t, types.SignalKindOffer, msgs[0].Kind())

	deliver(t, b, msgs[0])
	require.Equal(t, transport.NegotiationStateStable, b.n.State())

	msgs = b.take()
	require.Len(t, msgs, 1)
	require.Equal(t, types.SignalKindAnswer, msgs[0].Kind())
	deliver(t, a, msgs[0])

	requireConverged(t, a, b)
	require.True(t, b.pc.hasRemoteTrack("a-audio"))
	require.False(t, a.n.Flags().AnswerPending)
}

func TestNegotiator_RequestWhileNotStable(t *testing.T) {
	a := newTestEndpoint("a", "b")

	require.NoError(t, a.n.RequestRenegotiation())
	err := a.n.RequestRenegotiation()
	require.ErrorIs(t, err, ErrNotStable)
	require.False(t, a.n.Flags().MakingOffer)

	offers, _, _, _, _, _ := a.pc.counters()
	require.Equal(t, 1, offers)
}

func TestNegotiator_SendFailureReleasesFlags(t *testing.T) {
	a := newTestEndpoint("a", "b")
	a.sendErr = errors.New("signalling down")

	err := a.n.RequestRenegotiation()
	require.Error(t, err)
	require.False(t, a.n.Flags().MakingOffer)
}

func TestNegotiator_Glare(t *testing.T) {
	// "a" < "b", so a is polite and b is impolite
	for _, impoliteFirst := range []bool{true, false} {
		name := "polite offer delivered first"
		if impoliteFirst {
			name = "impolite offer delivered first"
		}
		t.Run(name, func(t *testing.T) {
			a := newTestEndpoint("a", "b")
			b := newTestEndpoint("b", "a")
			require.Equal(t, types.RolePolite, a.n.Role())
			require.Equal(t, types.RoleImpolite, b.n.Role())

			a.addTrack(t, "a-audio", types.TrackKindAudio)
			b.addTrack(t, "b-video", types.TrackKindVideo)

			// both sides offer before seeing the other's offer
			require.NoError(t, a.n.RequestRenegotiation())
			require.NoError(t, b.n.RequestRenegotiation())
			offerA := a.take()
			offerB := b.take()
			require.Len(t, offerA, 1)
			require.Len(t, offerB, 1)

			if impoliteFirst {
				deliver(t, a, offerB[0])
				deliver(t, b, offerA[0])
			} else {
				deliver(t, b, offerA[0])
				deliver(t, a, offerB[0])
			}

			require.True(t, b.n.Flags().IgnoreOffer)
			require.False(t, a.n.Flags().IgnoreOffer)

			// only the polite side has something to send: its answer
			require.Empty(t, b.take())
			answer := a.take()
			require.Len(t, answer, 1)
			require.Equal(t, types.SignalKindAnswer, answer[0].Kind())
			deliver(t, b, answer[0])

			requireConverged(t, a, b)

			// the polite offer never reached a's transport, so nothing had to be undone
			_, _, aRemoteOffers, _, aLocalOffers, _ := a.pc.counters()
			_, _, bRemoteOffers, bRemoteAnswers, bLocalOffers, _ := b.pc.counters()
			require.Equal(t, 1, aRemoteOffers)
			require.Equal(t, 0, aLocalOffers)
			require.Equal(t, 0, bRemoteOffers)
			require.Equal(t, 1, bLocalOffers)
			require.Equal(t, 1, bRemoteAnswers)

			// the impolite offer won, and both sides see each other's tracks
			require.Equal(t, offerB[0].(types.Offer).SDP, a.pc.RemoteDescription().SDP)
			require.True(t, a.pc.hasRemoteTrack("b-video"))
			require.True(t, b.pc.hasRemoteTrack("a-audio"))
		})
	}
}

func TestNegotiator_PoliteOfferHeldUntilAnswered(t *testing.T) {
	a := newTestEndpoint("a", "b")
	b := newTestEndpoint("b", "a")
	a.addTrack(t, "a-audio", types.TrackKindAudio)

	require.NoError(t, a.n.RequestRenegotiation())
	require.Equal(t, transport.NegotiationStateHaveLocalOffer, a.n.State())
	require.Equal(t, webrtc.SignalingStateStable, a.pc.SignalingState())
	require.Nil(t, a.pc.LocalDescription())

	deliverAll(t, a, b)
	deliverAll(t, b, a)

	_, _, _, remoteAnswers, localOffers, _ := a.pc.counters()
	require.Equal(t, 1, localOffers)
	require.Equal(t, 1, remoteAnswers)
	requireConverged(t, a, b)

	// the impolite side applies its offer right away
	b.addTrack(t, "b-video", types.TrackKindVideo)
	require.NoError(t, b.n.RequestRenegotiation())
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, b.pc.SignalingState())
}

func TestNegotiator_GlareDropsHeldICERestart(t *testing.T) {
	a := newTestEndpoint("a", "b")
	b := newTestEndpoint("b", "a")
	require.NoError(t, a.n.RequestRenegotiation())
	settle(t, a, b)

	// a's ICE restart offer collides with an offer from b
	require.NoError(t, a.n.RestartICE())
	restartOffer := a.take()
	require.Len(t, restartOffer, 1)
	b.addTrack(t, "b-video", types.TrackKindVideo)
	require.NoError(t, b.n.RequestRenegotiation())

	// a answers b, then offers the restart again
	deliverAll(t, b, a)
	_, iceRestarts, _, _, _, _ := a.pc.counters()
	require.Equal(t, 2, iceRestarts)
	require.Equal(t, transport.NegotiationStateHaveLocalOffer, a.n.State())

	deliver(t, b, restartOffer[0])
	require.True(t, b.n.Flags().IgnoreOffer)

	settle(t, a, b)
	requireConverged(t, a, b)
	require.True(t, a.pc.hasRemoteTrack("b-video"))
}

func TestFakePeerConnection_NoRollback(t *testing.T) {
	pc := newFakePeerConnection("a")
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))

	require.Error(t, pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: offer.SDP}))
	require.Error(t, pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake from=b"}))
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, pc.SignalingState())

	stale := newFakePeerConnection("b")
	first, err := stale.CreateOffer(nil)
	require.NoError(t, err)
	_, err = stale.CreateOffer(nil)
	require.NoError(t, err)
	require.ErrorIs(t, stale.SetLocalDescription(first), errFakeStaleDescription)
}

func TestNegotiator_Candidates(t *testing.T) {
	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.168.1.2 5000 typ host"}

	t.Run("buffered until remote description", func(t *testing.T) {
		a := newTestEndpoint("a", "b")
		b := newTestEndpoint("b", "a")

		require.NoError(t, b.n.ReceiveICECandidate(candidate))
		require.Empty(t, b.pc.addedCandidates())

		require.NoError(t, a.n.RequestRenegotiation())
		deliverAll(t, a, b)
		require.Equal(t, []webrtc.ICECandidateInit{candidate}, b.pc.addedCandidates())
	})

	t.Run("failure surfaced", func(t *testing.T) {
		a := newTestEndpoint("a", "b")
		b := newTestEndpoint("b", "a")
		require.NoError(t, a.n.RequestRenegotiation())
		settle(t, a, b)

		a.pc.setRejectCandidates(true)
		require.Error(t, a.n.ReceiveICECandidate(candidate))
	})

	t.Run("failure swallowed while ignoring offer", func(t *testing.T) {
		a := newTestEndpoint("a", "b")
		b := newTestEndpoint("b", "a")
		require.NoError(t, a.n.RequestRenegotiation())
		settle(t, a, b)

		// glare: b ignores a's offer, then a's candidates fail on b
		require.NoError(t, a.n.RequestRenegotiation())
		require.NoError(t, b.n.RequestRenegotiation())
		deliverAll(t, a, b)
		require.True(t, b.n.Flags().IgnoreOffer)

		b.pc.setRejectCandidates(true)
		require.NoError(t, b.n.ReceiveICECandidate(candidate))
	})
}

func TestNegotiator_ICERestart(t *testing.T) {
	connect := func(t *testing.T) (*testEndpoint, *testEndpoint) {
		a := newTestEndpoint("a", "b")
		b := newTestEndpoint("b", "a")
		require.NoError(t, a.n.RequestRenegotiation())
		settle(t, a, b)
		return a, b
	}

	t.Run("restarts are capped", func(t *testing.T) {
		a, b := connect(t)

		for i := 1; i <= 5; i++ {
			err := a.n.HandleICEConnectionStateChange(webrtc.ICEConnectionStateFailed)
			if i <= 3 {
				require.NoError(t, err)
				require.Equal(t, i, a.n.ICERestartAttempts())
			} else {
				require.ErrorIs(t, err, ErrICERestartLimitReached)
			}
			settle(t, a, b)
		}

		_, iceRestarts, _, _, _, _ := a.pc.counters()
		require.Equal(t, 3, iceRestarts)
	})

	t.Run("connected resets attempts", func(t *testing.T) {
		a, b := connect(t)

		require.NoError(t, a.n.HandleICEConnectionStateChange(webrtc.ICEConnectionStateFailed))
		settle(t, a, b)
		require.Equal(t, 1, a.n.ICERestartAttempts())

		require.NoError(t, a.n.HandleICEConnectionStateChange(webrtc.ICEConnectionStateConnected))
		require.Equal(t, 0, a.n.ICERestartAttempts())

		require.NoError(t, a.n.HandleICEConnectionStateChange(webrtc.ICEConnectionStateFailed))
		settle(t, a, b)
		require.NoError(t, a.n.HandleICEConnectionStateChange(webrtc.ICEConnectionStateCompleted))
		require.Equal(t, 0, a.n.ICERestartAttempts())
	})

	t.Run("deferred while negotiating", func(t *testing.T) {
		a, b := connect(t)

		a.addTrack(t, "a-video", types.TrackKindVideo)
		require.NoError(t, a.n.RequestRenegotiation())
		require.NoError(t, a.n.HandleICEConnectionStateChange(webrtc.ICEConnectionStateFailed))

		_, iceRestarts, _, _, _, _ := a.pc.counters()
		require.Equal(t, 0, iceRestarts)

		// answer arrives, restart offer follows right away
		deliverAll(t, a, b)
		deliverAll(t, b, a)
		_, iceRestarts, _, _, _, _ = a.pc.counters()
		require.Equal(t, 1, iceRestarts)
		require.Equal(t, transport.NegotiationStateHaveLocalOffer, a.n.State())

		settle(t, a, b)
		requireConverged(t, a, b)
	})
}

func TestNegotiator_StateChanges(t *testing.T) {
	var states []transport.NegotiationState
	pc := newFakePeerConnection("a")
	n := NewNegotiator(NegotiatorParams{
		Role:          types.RolePolite,
		PC:            pc,
		Emit:          func(types.SignalPayload) error { return nil },
		OnStateChange: func(state transport.NegotiationState) { states = append(states, state) },
	})

	require.NoError(t, n.RequestRenegotiation())
	require.NoError(t, n.ReceiveDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake from=b ice=0 tracks="}))
	require.Equal(t, []transport.NegotiationState{
		transport.NegotiationStateHaveLocalOffer,
		transport.NegotiationStateStable,
	}, states)
}

func TestNegotiator_Close(t *testing.T) {
	a := newTestEndpoint("a", "b")
	a.n.Close()
	a.n.Close()

	require.ErrorIs(t, a.n.RequestRenegotiation(), ErrSessionClosed)
	require.ErrorIs(t, a.n.ReceiveDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer}), ErrSessionClosed)
	require.ErrorIs(t, a.n.ReceiveICECandidate(webrtc.ICECandidateInit{}), ErrSessionClosed)
	require.ErrorIs(t, a.n.RestartICE(), ErrSessionClosed)
}
