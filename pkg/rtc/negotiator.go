package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-stage/pkg/rtc/transport"
	"github.com/livekit/livekit-stage/pkg/rtc/types"
	"github.com/livekit/livekit-stage/pkg/telemetry/prometheus"
)

const (
	DefaultMaxICERestartAttempts = 3
)

type NegotiatorParams struct {
	Role                  types.Role
	PC                    types.PeerConnection
	MaxICERestartAttempts int
	// Emit hands an offer, answer or candidate to signalling
	Emit          func(payload types.SignalPayload) error
	OnStateChange func(state transport.NegotiationState)
	Logger        logger.Logger
}

type NegotiationFlags struct {
	MakingOffer   bool
	IgnoreOffer   bool
	AnswerPending bool
}

// Negotiator implements perfect negotiation on top of one peer connection.
// The impolite side ignores colliding offers, the polite side drops its own offer and accepts.
//
// pion v3 cannot roll back a local offer, so the polite side holds its offer back from the transport
// until the answer arrives. Until then the transport stays stable and yielding is just discarding the
// held offer.
type Negotiator struct {
	params NegotiatorParams

	makingOffer   atomic.Bool
	ignoreOffer   atomic.Bool
	answerPending atomic.Bool
	offerHeld     atomic.Bool
	closed        atomic.Bool

	lock                  sync.Mutex
	iceRestartAttempts    int
	restartICEAtNextOffer bool
	pendingCandidates     []webrtc.ICECandidateInit
	heldOffer             *webrtc.SessionDescription
	heldOfferICERestart   bool
	remoteICECredential   string
	lastState             transport.NegotiationState
}

func NewNegotiator(params NegotiatorParams) *Negotiator {
	if params.MaxICERestartAttempts <= 0 {
		params.MaxICERestartAttempts = DefaultMaxICERestartAttempts
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Negotiator{
		params:    params,
		lastState: transport.NegotiationStateStable,
	}
}

func (n *Negotiator) Role() types.Role {
	return n.params.Role
}

func (n *Negotiator) Flags() NegotiationFlags {
	return NegotiationFlags{
		MakingOffer:   n.makingOffer.Load(),
		IgnoreOffer:   n.ignoreOffer.Load(),
		AnswerPending: n.answerPending.Load(),
	}
}

// State is the negotiation state as seen by the remote peer: a held offer counts as a local offer.
func (n *Negotiator) State() transport.NegotiationState {
	if n.offerHeld.Load() {
		return transport.NegotiationStateHaveLocalOffer
	}
	return transport.NegotiationStateFromSignalingState(n.params.PC.SignalingState())
}

func (n *Negotiator) ICERestartAttempts() int {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.iceRestartAttempts
}

// RequestRenegotiation sends a fresh offer. It fails with ErrNotStable while another exchange is in flight.
func (n *Negotiator) RequestRenegotiation() error {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.createAndSendOffer(false)
}

// creates and sends offer assuming lock has been acquired
func (n *Negotiator) createAndSendOffer(iceRestart bool) error {
	if n.closed.Load() {
		return ErrSessionClosed
	}

	if state := n.State(); state != transport.NegotiationStateStable {
		prometheus.RecordNegotiation("offer", "not_stable")
		return errors.Wrapf(ErrNotStable, "state: %s", state)
	}

	n.makingOffer.Store(true)
	defer n.makingOffer.Store(false)

	var options *webrtc.OfferOptions
	iceRestart = iceRestart || n.restartICEAtNextOffer
	if iceRestart {
		n.params.Logger.Debugw("restarting ICE")
		n.restartICEAtNextOffer = false
		options = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := n.params.PC.CreateOffer(options)
	if err != nil {
		prometheus.RecordNegotiation("offer", "error_create")
		return errors.Wrap(err, "could not create offer")
	}

	if n.params.Role == types.RolePolite {
		n.holdOffer(offer, iceRestart)
	} else if err := n.params.PC.SetLocalDescription(offer); err != nil {
		prometheus.RecordNegotiation("offer", "error_local_description")
		return errors.Wrap(err, "could not set local offer")
	}
	n.notifyStateChange()

	if err := n.params.Emit(types.Offer{SDP: offer.SDP}); err != nil {
		prometheus.RecordNegotiation("offer", "error_send")
		// nobody will answer an offer that was never sent
		n.discardHeldOffer()
		n.notifyStateChange()
		return errors.Wrap(err, "could not send offer")
	}

	prometheus.RecordNegotiation("offer", "sent")
	return nil
}

// ReceiveDescription applies a remote offer or answer, resolving offer collisions by role.
func (n *Negotiator) ReceiveDescription(sd webrtc.SessionDescription) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.closed.Load() {
		return ErrSessionClosed
	}

	isOffer := sd.Type == webrtc.SDPTypeOffer
	state := n.State()
	n.params.Logger.Debugw("remote description", "type", sd.Type.String(), "media", mediaKinds(sd), "state", state)
	readyForOffer := !n.makingOffer.Load() && (state == transport.NegotiationStateStable || n.answerPending.Load())
	offerCollision := isOffer && !readyForOffer

	n.ignoreOffer.Store(offerCollision && n.params.Role == types.RoleImpolite)
	if n.ignoreOffer.Load() {
		n.params.Logger.Debugw("ignoring colliding offer", "state", state)
		prometheus.RecordNegotiation("offer", "glare_ignored")
		return nil
	}

	if offerCollision {
		n.params.Logger.Debugw("dropping local offer for colliding remote offer", "state", state)
		if err := n.yield(); err != nil {
			prometheus.RecordNegotiation("offer", "error_yield")
			return err
		}
		prometheus.RecordNegotiation("offer", "glare_yield")
	}

	if isOffer {
		n.checkRemoteICERestart(sd)
	} else if sd.Type == webrtc.SDPTypeAnswer {
		n.answerPending.Store(true)
		defer n.answerPending.Store(false)

		if err := n.applyHeldOffer(); err != nil {
			prometheus.RecordNegotiation("offer", "error_local_description")
			return err
		}
	}

	if err := n.params.PC.SetRemoteDescription(sd); err != nil {
		prometheus.RecordNegotiation(sd.Type.String(), "error_remote_description")
		return errors.Wrapf(err, "could not set remote %s", sd.Type)
	}
	n.flushPendingCandidates()

	if isOffer {
		if err := n.createAndSendAnswer(); err != nil {
			return err
		}
	} else {
		prometheus.RecordNegotiation("answer", "applied")
	}
	n.notifyStateChange()

	// an ICE restart requested mid-negotiation goes out with the next offer
	if n.restartICEAtNextOffer && n.State() == transport.NegotiationStateStable {
		if err := n.createAndSendOffer(true); err != nil {
			n.params.Logger.Warnw("could not send deferred ICE restart offer", err)
		}
	}
	return nil
}

func (n *Negotiator) createAndSendAnswer() error {
	answer, err := n.params.PC.CreateAnswer(nil)
	if err != nil {
		prometheus.RecordNegotiation("answer", "error_create")
		return errors.Wrap(err, "could not create answer")
	}

	if err := n.params.PC.SetLocalDescription(answer); err != nil {
		prometheus.RecordNegotiation("answer", "error_local_description")
		return errors.Wrap(err, "could not set local answer")
	}

	if err := n.params.Emit(types.Answer{SDP: answer.SDP}); err != nil {
		prometheus.RecordNegotiation("answer", "error_send")
		return errors.Wrap(err, "could not send answer")
	}

	prometheus.RecordNegotiation("answer", "sent")
	return nil
}

// holdOffer keeps a created offer out of the transport until it is answered.
func (n *Negotiator) holdOffer(offer webrtc.SessionDescription, iceRestart bool) {
	n.heldOffer = &offer
	n.heldOfferICERestart = iceRestart
	n.offerHeld.Store(true)
}

func (n *Negotiator) discardHeldOffer() {
	if n.heldOffer == nil {
		return
	}
	// local ICE credentials already changed when the offer was created, the next offer carries the restart
	if n.heldOfferICERestart {
		n.restartICEAtNextOffer = true
	}
	n.heldOffer = nil
	n.heldOfferICERestart = false
	n.offerHeld.Store(false)
}

// applyHeldOffer sets the held offer locally so the answer to it can be applied.
func (n *Negotiator) applyHeldOffer() error {
	if n.heldOffer == nil {
		return nil
	}
	offer := *n.heldOffer
	n.heldOffer = nil
	n.heldOfferICERestart = false
	n.offerHeld.Store(false)

	if err := n.params.PC.SetLocalDescription(offer); err != nil {
		return errors.Wrap(err, "could not set local offer")
	}
	return nil
}

// yield gives up the local side of a collision. Only a held offer can be given up.
func (n *Negotiator) yield() error {
	if n.heldOffer == nil {
		return errors.Wrapf(ErrNotStable, "no held offer to drop, state: %s", n.params.PC.SignalingState())
	}
	n.discardHeldOffer()
	return nil
}

func (n *Negotiator) checkRemoteICERestart(sd webrtc.SessionDescription) {
	parsed, err := sd.Unmarshal()
	if err != nil {
		n.params.Logger.Debugw("could not parse remote offer", "error", err)
		return
	}
	ufrag, pwd, err := extractICECredential(parsed)
	if err != nil {
		n.params.Logger.Debugw("could not extract ICE credential", "error", err)
		return
	}

	credential := fmt.Sprintf("%s:%s", ufrag, pwd)
	if n.remoteICECredential != "" && n.remoteICECredential != credential {
		n.params.Logger.Infow("remote offer restarts ICE")
	}
	n.remoteICECredential = credential
}

// ReceiveICECandidate adds a remote candidate. Candidates arriving before any remote description are
// held until one is applied. Failures while a colliding offer is being ignored are expected and dropped.
func (n *Negotiator) ReceiveICECandidate(candidate webrtc.ICECandidateInit) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.closed.Load() {
		return ErrSessionClosed
	}

	if n.params.PC.RemoteDescription() == nil {
		n.pendingCandidates = append(n.pendingCandidates, candidate)
		return nil
	}

	if err := n.params.PC.AddICECandidate(candidate); err != nil {
		if n.ignoreOffer.Load() {
			n.params.Logger.Debugw("dropping candidate of ignored offer", "candidate", candidate.Candidate, "error", err)
			return nil
		}
		return errors.Wrap(err, "could not add ICE candidate")
	}
	return nil
}

func (n *Negotiator) flushPendingCandidates() {
	for _, c := range n.pendingCandidates {
		if err := n.params.PC.AddICECandidate(c); err != nil {
			n.params.Logger.Warnw("could not add buffered ICE candidate", err, "candidate", c.Candidate)
		}
	}
	n.pendingCandidates = nil
}

// HandleICEConnectionStateChange applies the ICE restart policy. It returns ErrICERestartLimitReached
// once a failure can no longer be retried.
func (n *Negotiator) HandleICEConnectionStateChange(state webrtc.ICEConnectionState) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		if n.iceRestartAttempts != 0 {
			n.params.Logger.Infow("ICE recovered", "attempts", n.iceRestartAttempts)
		}
		n.iceRestartAttempts = 0

	case webrtc.ICEConnectionStateFailed:
		if n.iceRestartAttempts >= n.params.MaxICERestartAttempts {
			prometheus.RecordICERestart(true)
			return errors.Wrapf(ErrICERestartLimitReached, "attempts: %d", n.iceRestartAttempts)
		}

		n.iceRestartAttempts++
		n.params.Logger.Infow("ICE failed, restarting", "attempt", n.iceRestartAttempts, "max", n.params.MaxICERestartAttempts)
		prometheus.RecordICERestart(false)
		return n.restartICE()
	}
	return nil
}

// RestartICE offers with fresh ICE credentials now, or with the next offer if an exchange is in flight.
func (n *Negotiator) RestartICE() error {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.restartICE()
}

func (n *Negotiator) restartICE() error {
	if n.closed.Load() {
		return ErrSessionClosed
	}

	if n.State() != transport.NegotiationStateStable {
		n.params.Logger.Debugw("deferring ICE restart to next offer")
		n.restartICEAtNextOffer = true
		return nil
	}
	return n.createAndSendOffer(true)
}

func (n *Negotiator) notifyStateChange() {
	state := n.State()
	if state == n.lastState {
		return
	}
	n.lastState = state
	if n.params.OnStateChange != nil {
		n.params.OnStateChange(state)
	}
}

// Close discards all negotiation state. Operations after Close fail with ErrSessionClosed.
func (n *Negotiator) Close() {
	if n.closed.Swap(true) {
		return
	}

	n.lock.Lock()
	n.pendingCandidates = nil
	n.heldOffer = nil
	n.offerHeld.Store(false)
	n.restartICEAtNextOffer = false
	n.iceRestartAttempts = 0
	n.lock.Unlock()

	n.makingOffer.Store(false)
	n.ignoreOffer.Store(false)
	n.answerPending.Store(false)
}
