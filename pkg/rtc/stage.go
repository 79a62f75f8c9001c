// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rtc

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-stage/pkg/capture"
	"github.com/livekit/livekit-stage/pkg/publication"
	"github.com/livekit/livekit-stage/pkg/rtc/signalling"
	"github.com/livekit/livekit-stage/pkg/rtc/transport"
	"github.com/livekit/livekit-stage/pkg/rtc/types"
	"github.com/livekit/livekit-stage/pkg/telemetry/prometheus"
)

const signalSendTimeout = 10 * time.Second

type StageListener interface {
	OnSessionCreated(peer types.PeerID)
	OnSessionClosed(peer types.PeerID)
	OnRemoteTrack(track *types.RemoteTrack)
	OnPeerStateChanged(peer types.PeerID, state webrtc.PeerConnectionState)
	OnPeerError(peer types.PeerID, err error)
}

type UnimplementedStageListener struct{}

func (UnimplementedStageListener) OnSessionCreated(types.PeerID)                               {}
func (UnimplementedStageListener) OnSessionClosed(types.PeerID)                                {}
func (UnimplementedStageListener) OnRemoteTrack(*types.RemoteTrack)                            {}
func (UnimplementedStageListener) OnPeerStateChanged(types.PeerID, webrtc.PeerConnectionState) {}
func (UnimplementedStageListener) OnPeerError(types.PeerID, error)                             {}

type StageParams struct {
	StageID string
	// optional, sessions created by the stage send through it
	Signaller types.Signaller
	// optional, drives OnMembershipChanged
	Membership types.MembershipSource
	Gateway    *publication.Gateway

	WebRTCConfig          *WebRTCConfig
	NewPeerConnection     PeerConnectionFactory
	MaxICERestartAttempts int
	NegotiationDebounce   time.Duration
	CollectTrackStats     bool
	DedupeCacheSize       int

	Listener StageListener
	Logger   logger.Logger
}

// Stage keeps one PeerSession per remote member of the stage, routes inbound signals to them and fans
// local tracks out to all of them.
type Stage struct {
	params  StageParams
	deduper *signalling.Deduper
	closed  core.Fuse

	unsubscribeSignal     func()
	unsubscribeMembership func()

	lock         sync.RWMutex
	localID      types.PeerID
	members      []types.PeerID
	sessions     map[types.PeerID]*PeerSession
	publications map[types.TrackKind]*publication.Publication
}

func NewStage(params StageParams) (*Stage, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	params.Logger = params.Logger.WithValues("stage", params.StageID)
	if params.Listener == nil {
		params.Listener = UnimplementedStageListener{}
	}
	if params.Gateway == nil {
		params.Gateway = publication.NewGateway(publication.GatewayParams{Logger: params.Logger})
	}

	deduper, err := signalling.NewDeduper(params.DedupeCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Stage{
		params:       params,
		deduper:      deduper,
		sessions:     make(map[types.PeerID]*PeerSession),
		publications: make(map[types.TrackKind]*publication.Publication),
	}
	if params.Signaller != nil {
		s.unsubscribeSignal = params.Signaller.OnSignal(s.OnInboundSignaling)
	}
	if params.Membership != nil {
		s.unsubscribeMembership = params.Membership.OnMembershipChanged(s.OnMembershipChanged)
	}
	return s, nil
}

func (s *Stage) LocalID() types.PeerID {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.localID
}

// SetLocalIdentity sets or clears the local peer id. Any change tears down every session; a non-empty id
// then reconciles against the last known membership.
func (s *Stage) SetLocalIdentity(id types.PeerID) {
	if s.closed.IsBroken() {
		return
	}

	s.lock.Lock()
	if id == s.localID {
		s.lock.Unlock()
		return
	}

	destroyed := make([]*PeerSession, 0, len(s.sessions))
	for peer, session := range s.sessions {
		destroyed = append(destroyed, session)
		delete(s.sessions, peer)
	}
	s.localID = id
	created := s.reconcileLocked()
	s.lock.Unlock()

	s.params.Logger.Infow("local identity changed", "localPeer", id)
	s.destroySessions(destroyed)
	s.startSessions(created)
}

// OnMembershipChanged reconciles sessions against the current set of members. Retained members keep
// their sessions, new ones get one and departed ones are torn down.
func (s *Stage) OnMembershipChanged(members []types.PeerID) {
	if s.closed.IsBroken() {
		return
	}

	s.lock.Lock()
	s.members = append([]types.PeerID{}, members...)
	desired := s.desiredLocked()

	var destroyed []*PeerSession
	for peer, session := range s.sessions {
		if _, ok := desired[peer]; !ok {
			destroyed = append(destroyed, session)
			delete(s.sessions, peer)
		}
	}
	created := s.reconcileLocked()
	s.lock.Unlock()

	if len(destroyed) > 0 || len(created) > 0 {
		s.params.Logger.Debugw("membership changed", "members", members, "created", len(created), "destroyed", len(destroyed))
	}
	s.destroySessions(destroyed)
	s.startSessions(created)
}

func (s *Stage) desiredLocked() map[types.PeerID]struct{} {
	desired := make(map[types.PeerID]struct{}, len(s.members))
	if s.localID == "" {
		return desired
	}
	for _, peer := range s.members {
		if peer != "" && peer != s.localID {
			desired[peer] = struct{}{}
		}
	}
	return desired
}

// reconcileLocked creates sessions for members that do not have one yet.
func (s *Stage) reconcileLocked() []*PeerSession {
	desired := s.desiredLocked()
	peers := make([]types.PeerID, 0, len(desired))
	for peer := range desired {
		if _, ok := s.sessions[peer]; !ok {
			peers = append(peers, peer)
		}
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	created := make([]*PeerSession, 0, len(peers))
	for _, peer := range peers {
		session, err := NewPeerSession(PeerSessionParams{
			LocalID:               s.localID,
			RemoteID:              peer,
			Config:                s.params.WebRTCConfig,
			NewPeerConnection:     s.params.NewPeerConnection,
			MaxICERestartAttempts: s.params.MaxICERestartAttempts,
			NegotiationDebounce:   s.params.NegotiationDebounce,
			CollectTrackStats:     s.params.CollectTrackStats,
			Handler:               s,
			Logger:                s.params.Logger,
		})
		if err != nil {
			s.params.Logger.Warnw("could not create peer session", err, "remotePeer", peer)
			prometheus.RecordServiceOperation("create_session", "error", "transport")
			go s.params.Listener.OnPeerError(peer, err)
			continue
		}
		s.sessions[peer] = session
		created = append(created, session)
	}
	return created
}

// startSessions attaches published tracks to new sessions and announces them. Called without the lock.
func (s *Stage) startSessions(sessions []*PeerSession) {
	if len(sessions) == 0 {
		return
	}

	s.lock.RLock()
	pubs := make(map[types.TrackKind]*publication.Publication, len(s.publications))
	for kind, pub := range s.publications {
		pubs[kind] = pub
	}
	s.lock.RUnlock()

	for _, session := range sessions {
		prometheus.RecordServiceOperation("create_session", "success", "")
		for kind, pub := range pubs {
			if err := session.AttachLocalTrack(kind, pub.Track()); err != nil {
				s.params.Logger.Warnw("could not attach local track", err, "remotePeer", session.RemoteID(), "kind", kind)
			}
		}
		s.params.Listener.OnSessionCreated(session.RemoteID())
	}
}

// destroySessions must be called without the lock, Destroy calls back into OnClosed.
func (s *Stage) destroySessions(sessions []*PeerSession) {
	for _, session := range sessions {
		session.Destroy()
	}
}

// OnInboundSignaling routes a signal to the session of its sender. Signals from unknown senders, for
// another peer, or already seen are dropped.
func (s *Stage) OnInboundSignaling(msg types.SignalMessage) {
	kind := string(msg.Kind())
	if s.closed.IsBroken() {
		prometheus.RecordSignal("in", kind, "dropped")
		return
	}
	s.lock.RLock()
	localID := s.localID
	session := s.sessions[msg.From]
	s.lock.RUnlock()

	switch {
	case localID == "":
		s.params.Logger.Debugw("dropping signal, no local identity", "from", msg.From, "kind", kind)
	case msg.To != "" && msg.To != localID:
		s.params.Logger.Debugw("dropping signal for another peer", "from", msg.From, "to", msg.To, "kind", kind)
	case session == nil:
		s.params.Logger.Debugw("dropping signal from unknown peer", "from", msg.From, "kind", kind)
	// ids are only remembered once routable, a redelivery after the sender joins still goes through
	case s.deduper.IsDuplicate(msg.ID):
		prometheus.RecordSignal("in", kind, "duplicate")
		s.params.Logger.Debugw("dropping duplicate signal", "messageID", msg.ID, "from", msg.From)
		return
	default:
		prometheus.RecordSignal("in", kind, "success")
		session.QueueSignal(msg)
		return
	}
	prometheus.RecordSignal("in", kind, "dropped")
}

// OnLocalTrackAvailable publishes a captured track and attaches its clone to every session, replacing a
// previously published track of the same kind.
func (s *Stage) OnLocalTrackAvailable(ctx context.Context, kind types.TrackKind, track *capture.Track) error {
	if !kind.Valid() {
		return errors.Wrapf(ErrUnknownTrackKind, "kind: %s", kind)
	}
	if s.closed.IsBroken() {
		return ErrStageClosed
	}

	pub, err := s.params.Gateway.Publish(ctx, kind, track)
	if err != nil {
		return errors.Wrap(err, "could not publish track")
	}

	s.lock.Lock()
	previous := s.publications[kind]
	s.publications[kind] = pub
	sessions := s.sessionsLocked()
	s.lock.Unlock()

	for _, session := range sessions {
		if err := session.AttachLocalTrack(kind, pub.Track()); err != nil {
			s.params.Logger.Warnw("could not attach local track", err, "remotePeer", session.RemoteID(), "kind", kind)
		}
	}
	if previous != nil {
		s.params.Gateway.Unpublish(ctx, previous)
	}

	s.params.Logger.Infow("local track available", "kind", kind, "trackID", pub.TrackID(), "sessions", len(sessions))
	return nil
}

// OnLocalTrackRemoved detaches the track of the given kind from every session and unpublishes it.
func (s *Stage) OnLocalTrackRemoved(ctx context.Context, kind types.TrackKind) {
	s.lock.Lock()
	pub := s.publications[kind]
	delete(s.publications, kind)
	sessions := s.sessionsLocked()
	s.lock.Unlock()

	if pub == nil {
		return
	}
	for _, session := range sessions {
		if err := session.DetachLocalTrack(kind); err != nil {
			s.params.Logger.Warnw("could not detach local track", err, "remotePeer", session.RemoteID(), "kind", kind)
		}
	}
	s.params.Gateway.Unpublish(ctx, pub)
	s.params.Logger.Infow("local track removed", "kind", kind, "trackID", pub.TrackID())
}

// PublishedTrackID returns the relay track id of the local track of the given kind.
func (s *Stage) PublishedTrackID(kind types.TrackKind) (string, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	pub := s.publications[kind]
	if pub == nil {
		return "", false
	}
	return pub.TrackID(), true
}

// GetAggregatedStats summarizes the transport stats of the session with peer.
func (s *Stage) GetAggregatedStats(_ context.Context, peer types.PeerID) (types.StatsSummary, bool) {
	session := s.Session(peer)
	if session == nil {
		return types.StatsSummary{}, false
	}
	return session.Stats(), true
}

func (s *Stage) Session(peer types.PeerID) *PeerSession {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.sessions[peer]
}

// Sessions returns the live sessions ordered by remote peer id.
func (s *Stage) Sessions() []*PeerSession {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.sessionsLocked()
}

func (s *Stage) sessionsLocked() []*PeerSession {
	sessions := make([]*PeerSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].RemoteID() < sessions[j].RemoteID() })
	return sessions
}

func (s *Stage) Close() {
	if s.closed.IsBroken() {
		return
	}
	s.closed.Break()

	if s.unsubscribeSignal != nil {
		s.unsubscribeSignal()
	}
	if s.unsubscribeMembership != nil {
		s.unsubscribeMembership()
	}

	s.lock.Lock()
	sessions := s.sessionsLocked()
	s.sessions = make(map[types.PeerID]*PeerSession)
	pubs := s.publications
	s.publications = make(map[types.TrackKind]*publication.Publication)
	s.lock.Unlock()

	s.destroySessions(sessions)
	for _, pub := range pubs {
		s.params.Gateway.Unpublish(context.Background(), pub)
	}
	s.params.Logger.Infow("stage closed", "sessions", len(sessions))
}

// transport.Handler

func (s *Stage) OnSignal(msg types.SignalMessage) error {
	if s.params.Signaller == nil {
		return transport.ErrNoSignalHandler
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalSendTimeout)
	defer cancel()
	return s.params.Signaller.SendSignal(ctx, msg)
}

func (s *Stage) OnRemoteTrack(track *types.RemoteTrack) {
	s.params.Listener.OnRemoteTrack(track)
}

func (s *Stage) OnICEConnectionStateChange(peer types.PeerID, state webrtc.ICEConnectionState) {
	s.params.Logger.Debugw("ice connection state", "remotePeer", peer, "state", state.String())
}

func (s *Stage) OnConnectionStateChange(peer types.PeerID, state webrtc.PeerConnectionState) {
	s.params.Listener.OnPeerStateChanged(peer, state)
}

func (s *Stage) OnNegotiationStateChanged(peer types.PeerID, state transport.NegotiationState) {
	s.params.Logger.Debugw("negotiation state", "remotePeer", peer, "state", state)
}

func (s *Stage) OnICECandidateError(peer types.PeerID, candidateErr types.ICECandidateError) {
	s.params.Logger.Warnw("ICE candidate error", candidateErr, "remotePeer", peer, "url", candidateErr.URL)
	s.params.Listener.OnPeerError(peer, candidateErr)
}

func (s *Stage) OnError(peer types.PeerID, err error) {
	s.params.Listener.OnPeerError(peer, err)
}

func (s *Stage) OnClosed(peer types.PeerID) {
	s.params.Listener.OnSessionClosed(peer)
}

var _ transport.Handler = (*Stage)(nil)
