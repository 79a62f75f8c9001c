package rtc

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/livekit/livekit-stage/pkg/rtc/types"
)

var (
	errFakeInvalidState     = errors.New("invalid signaling state")
	errFakeClosed           = errors.New("peer connection closed")
	errFakeNoRemote         = errors.New("remote description not set")
	errFakeCandidate        = errors.New("candidate rejected")
	errFakeStaleDescription = errors.New("description was not the last one created")
)

// fakePeerConnection follows pion's signaling state table without any network: no rollback, remote offers
// only from stable, and a local description must be the one last created. Descriptions carry the
// sender's name, ICE generation, an offer serial and local track ids.
type fakePeerConnection struct {
	lock sync.Mutex
	name string

	signalingState webrtc.SignalingState
	iceState       webrtc.ICEConnectionState
	connState      webrtc.PeerConnectionState
	currentLocal   *webrtc.SessionDescription
	pendingLocal   *webrtc.SessionDescription
	currentRemote  *webrtc.SessionDescription
	pendingRemote  *webrtc.SessionDescription
	iceGeneration  int

	lastOffer        string
	lastAnswer       string
	transceiverKinds []webrtc.RTPCodecType
	localTracks      map[string]webrtc.TrackLocal
	negotiatedTracks map[string]bool
	remoteTracks     map[string]bool

	offersCreated        int
	iceRestartOffers     int
	remoteOffersApplied  int
	remoteAnswersApplied int
	localOffersApplied   int
	candidates           []webrtc.ICECandidateInit
	rejectCandidates     bool
	closeCount           int
	stats                webrtc.StatsReport

	onICECandidate      func(*webrtc.ICECandidate)
	onGatheringState    func(webrtc.ICEGathererState)
	onICEConnState      func(webrtc.ICEConnectionState)
	onConnState         func(webrtc.PeerConnectionState)
	onTrack             func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onNegotiationNeeded func()
}

func newFakePeerConnection(name string) *fakePeerConnection {
	return &fakePeerConnection{
		name:             name,
		signalingState:   webrtc.SignalingStateStable,
		iceState:         webrtc.ICEConnectionStateNew,
		connState:        webrtc.PeerConnectionStateNew,
		localTracks:      make(map[string]webrtc.TrackLocal),
		negotiatedTracks: make(map[string]bool),
		remoteTracks:     make(map[string]bool),
	}
}

func (f *fakePeerConnection) OnICECandidate(h func(*webrtc.ICECandidate)) {
	f.lock.Lock()
	f.onICECandidate = h
	f.lock.Unlock()
}

func (f *fakePeerConnection) OnICEGatheringStateChange(h func(webrtc.ICEGathererState)) {
	f.lock.Lock()
	f.onGatheringState = h
	f.lock.Unlock()
}

func (f *fakePeerConnection) OnICEConnectionStateChange(h func(webrtc.ICEConnectionState)) {
	f.lock.Lock()
	f.onICEConnState = h
	f.lock.Unlock()
}

func (f *fakePeerConnection) OnConnectionStateChange(h func(webrtc.PeerConnectionState)) {
	f.lock.Lock()
	f.onConnState = h
	f.lock.Unlock()
}

func (f *fakePeerConnection) OnTrack(h func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.lock.Lock()
	f.onTrack = h
	f.lock.Unlock()
}

func (f *fakePeerConnection) OnNegotiationNeeded(h func()) {
	f.lock.Lock()
	f.onNegotiationNeeded = h
	f.lock.Unlock()
}

func (f *fakePeerConnection) SignalingState() webrtc.SignalingState {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.signalingState
}

func (f *fakePeerConnection) ICEConnectionState() webrtc.ICEConnectionState {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.iceState
}

func (f *fakePeerConnection) ConnectionState() webrtc.PeerConnectionState {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.connState
}

func (f *fakePeerConnection) LocalDescription() *webrtc.SessionDescription {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.pendingLocal != nil {
		return f.pendingLocal
	}
	return f.currentLocal
}

func (f *fakePeerConnection) RemoteDescription() *webrtc.SessionDescription {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.pendingRemote != nil {
		return f.pendingRemote
	}
	return f.currentRemote
}

func (f *fakePeerConnection) describe(sdpType webrtc.SDPType) webrtc.SessionDescription {
	ids := make([]string, 0, len(f.localTracks))
	for id := range f.localTracks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return webrtc.SessionDescription{
		Type: sdpType,
		SDP:  fmt.Sprintf("fake from=%s ice=%d serial=%d tracks=%s", f.name, f.iceGeneration, f.offersCreated, strings.Join(ids, ",")),
	}
}

func tracksOf(sd webrtc.SessionDescription) []string {
	for _, field := range strings.Fields(sd.SDP) {
		if list, ok := strings.CutPrefix(field, "tracks="); ok && list != "" {
			return strings.Split(list, ",")
		}
	}
	return nil
}

func (f *fakePeerConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.signalingState == webrtc.SignalingStateClosed {
		return webrtc.SessionDescription{}, errFakeClosed
	}
	if f.signalingState != webrtc.SignalingStateStable && f.signalingState != webrtc.SignalingStateHaveLocalOffer {
		return webrtc.SessionDescription{}, errFakeInvalidState
	}
	if options != nil && options.ICERestart {
		f.iceGeneration++
		f.iceRestartOffers++
	}
	f.offersCreated++
	offer := f.describe(webrtc.SDPTypeOffer)
	f.lastOffer = offer.SDP
	return offer, nil
}

func (f *fakePeerConnection) CreateAnswer(_ *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.signalingState != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errFakeInvalidState
	}
	answer := f.describe(webrtc.SDPTypeAnswer)
	f.lastAnswer = answer.SDP
	return answer, nil
}

func (f *fakePeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.lock.Lock()
	if f.signalingState == webrtc.SignalingStateClosed {
		f.lock.Unlock()
		return errFakeClosed
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if f.signalingState != webrtc.SignalingStateStable {
			f.lock.Unlock()
			return errFakeInvalidState
		}
		if desc.SDP != f.lastOffer {
			f.lock.Unlock()
			return errFakeStaleDescription
		}
		f.pendingLocal = &desc
		f.localOffersApplied++
		f.signalingState = webrtc.SignalingStateHaveLocalOffer
		f.lock.Unlock()

	case webrtc.SDPTypeAnswer:
		if f.signalingState != webrtc.SignalingStateHaveRemoteOffer {
			f.lock.Unlock()
			return errFakeInvalidState
		}
		if desc.SDP != f.lastAnswer {
			f.lock.Unlock()
			return errFakeStaleDescription
		}
		f.currentLocal = &desc
		f.currentRemote = f.pendingRemote
		f.pendingRemote = nil
		f.pendingLocal = nil
		f.markNegotiated(tracksOf(desc))
		f.signalingState = webrtc.SignalingStateStable
		f.lock.Unlock()
		f.maybeNegotiationNeeded()

	default:
		// rollback included, pion v3 has no transition for it
		f.lock.Unlock()
		return errFakeInvalidState
	}
	return nil
}

func (f *fakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.lock.Lock()
	if f.signalingState == webrtc.SignalingStateClosed {
		f.lock.Unlock()
		return errFakeClosed
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if f.signalingState != webrtc.SignalingStateStable {
			f.lock.Unlock()
			return errFakeInvalidState
		}
		f.pendingRemote = &desc
		f.remoteOffersApplied++
		f.setRemoteTracks(tracksOf(desc))
		f.signalingState = webrtc.SignalingStateHaveRemoteOffer
		f.lock.Unlock()

	case webrtc.SDPTypeAnswer:
		if f.signalingState != webrtc.SignalingStateHaveLocalOffer {
			f.lock.Unlock()
			return errFakeInvalidState
		}
		f.currentRemote = &desc
		f.currentLocal = f.pendingLocal
		if f.currentLocal != nil {
			f.markNegotiated(tracksOf(*f.currentLocal))
		}
		f.pendingLocal = nil
		f.remoteAnswersApplied++
		f.setRemoteTracks(tracksOf(desc))
		f.signalingState = webrtc.SignalingStateStable
		f.lock.Unlock()
		f.maybeNegotiationNeeded()

	default:
		f.lock.Unlock()
		return errFakeInvalidState
	}
	return nil
}

// assumes lock is held
func (f *fakePeerConnection) markNegotiated(ids []string) {
	f.negotiatedTracks = make(map[string]bool)
	for _, id := range ids {
		f.negotiatedTracks[id] = true
	}
}

// assumes lock is held
func (f *fakePeerConnection) setRemoteTracks(ids []string) {
	f.remoteTracks = make(map[string]bool)
	for _, id := range ids {
		f.remoteTracks[id] = true
	}
}

// assumes lock is held
func (f *fakePeerConnection) needsNegotiation() bool {
	if len(f.negotiatedTracks) != len(f.localTracks) {
		return true
	}
	for id := range f.localTracks {
		if !f.negotiatedTracks[id] {
			return true
		}
	}
	return false
}

func (f *fakePeerConnection) maybeNegotiationNeeded() {
	f.lock.Lock()
	fire := f.signalingState == webrtc.SignalingStateStable && f.needsNegotiation()
	h := f.onNegotiationNeeded
	f.lock.Unlock()

	if fire && h != nil {
		go h()
	}
}

func (f *fakePeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.signalingState == webrtc.SignalingStateClosed {
		return errFakeClosed
	}
	if f.pendingRemote == nil && f.currentRemote == nil {
		return errFakeNoRemote
	}
	if f.rejectCandidates {
		return errFakeCandidate
	}
	f.candidates = append(f.candidates, candidate)
	return nil
}

// AddTransceiverFromKind only records the kind. The session adds its transceivers before any track.
func (f *fakePeerConnection) AddTransceiverFromKind(kind webrtc.RTPCodecType, _ ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.signalingState == webrtc.SignalingStateClosed {
		return nil, errFakeClosed
	}
	f.transceiverKinds = append(f.transceiverKinds, kind)
	return nil, nil
}

func (f *fakePeerConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.lock.Lock()
	if f.signalingState == webrtc.SignalingStateClosed {
		f.lock.Unlock()
		return nil, errFakeClosed
	}
	f.localTracks[track.ID()] = track
	f.lock.Unlock()

	f.maybeNegotiationNeeded()
	return nil, nil
}

func (f *fakePeerConnection) RemoveTrack(_ *webrtc.RTPSender) error {
	return nil
}

func (f *fakePeerConnection) removeTrackByID(id string) {
	f.lock.Lock()
	delete(f.localTracks, id)
	f.lock.Unlock()

	f.maybeNegotiationNeeded()
}

func (f *fakePeerConnection) WriteRTCP(_ []rtcp.Packet) error {
	return nil
}

func (f *fakePeerConnection) GetStats() webrtc.StatsReport {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.stats
}

func (f *fakePeerConnection) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.closeCount++
	f.signalingState = webrtc.SignalingStateClosed
	f.iceState = webrtc.ICEConnectionStateClosed
	f.connState = webrtc.PeerConnectionStateClosed
	return nil
}

// test helpers

func (f *fakePeerConnection) fireICEConnectionState(state webrtc.ICEConnectionState) {
	f.lock.Lock()
	f.iceState = state
	h := f.onICEConnState
	f.lock.Unlock()
	if h != nil {
		h(state)
	}
}

func (f *fakePeerConnection) fireICECandidate(c *webrtc.ICECandidate) {
	f.lock.Lock()
	h := f.onICECandidate
	f.lock.Unlock()
	if h != nil {
		h(c)
	}
}

func (f *fakePeerConnection) fireGatheringState(state webrtc.ICEGathererState) {
	f.lock.Lock()
	h := f.onGatheringState
	f.lock.Unlock()
	if h != nil {
		h(state)
	}
}

func (f *fakePeerConnection) fireNegotiationNeeded() {
	f.lock.Lock()
	h := f.onNegotiationNeeded
	f.lock.Unlock()
	if h != nil {
		h()
	}
}

func (f *fakePeerConnection) hasRemoteTrack(id string) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.remoteTracks[id]
}

func (f *fakePeerConnection) counters() (offers, iceRestarts, remoteOffers, remoteAnswers, localOffers, closes int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.offersCreated, f.iceRestartOffers, f.remoteOffersApplied, f.remoteAnswersApplied, f.localOffersApplied, f.closeCount
}

func (f *fakePeerConnection) transceivers() []webrtc.RTPCodecType {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]webrtc.RTPCodecType{}, f.transceiverKinds...)
}

func (f *fakePeerConnection) addedCandidates() []webrtc.ICECandidateInit {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]webrtc.ICECandidateInit{}, f.candidates...)
}

func (f *fakePeerConnection) setRejectCandidates(reject bool) {
	f.lock.Lock()
	f.rejectCandidates = reject
	f.lock.Unlock()
}

func (f *fakePeerConnection) setStats(report webrtc.StatsReport) {
	f.lock.Lock()
	f.stats = report
	f.lock.Unlock()
}

var _ types.PeerConnection = (*fakePeerConnection)(nil)
