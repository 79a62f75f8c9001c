package signalling

import (
	"context"
	"sort"
	"sync"

	"github.com/frostbyte73/core"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-stage/pkg/rtc/types"
	"github.com/livekit/livekit-stage/pkg/telemetry/prometheus"
	"github.com/livekit/livekit-stage/pkg/utils"
)

// Hub is an in-process signalling room. Every joined peer gets a HubSignaller that is also its membership source.
type Hub struct {
	logger logger.Logger

	lock  sync.RWMutex
	peers map[types.PeerID]*HubSignaller
}

func NewHub(logger logger.Logger) *Hub {
	return &Hub{
		logger: logger,
		peers:  make(map[types.PeerID]*HubSignaller),
	}
}

func (h *Hub) Join(peer types.PeerID) (*HubSignaller, error) {
	h.lock.Lock()
	if _, ok := h.peers[peer]; ok {
		h.lock.Unlock()
		return nil, ErrPeerExists
	}

	s := &HubSignaller{
		hub:    h,
		peerID: peer,
		queue:  utils.NewOpsQueue(h.logger.WithValues("peer", peer), "hub-signaller"),
	}
	s.queue.Start()
	h.peers[peer] = s
	members := h.membersLocked()
	h.lock.Unlock()

	h.logger.Debugw("peer joined hub", "peer", peer, "members", members)
	h.notifyMembership(members)
	return s, nil
}

func (h *Hub) Members() []types.PeerID {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.membersLocked()
}

func (h *Hub) membersLocked() []types.PeerID {
	members := make([]types.PeerID, 0, len(h.peers))
	for id := range h.peers {
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

func (h *Hub) get(peer types.PeerID) *HubSignaller {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return h.peers[peer]
}

func (h *Hub) leave(s *HubSignaller) {
	h.lock.Lock()
	if h.peers[s.peerID] != s {
		h.lock.Unlock()
		return
	}
	delete(h.peers, s.peerID)
	members := h.membersLocked()
	h.lock.Unlock()

	h.logger.Debugw("peer left hub", "peer", s.peerID, "members", members)
	h.notifyMembership(members)
}

func (h *Hub) notifyMembership(members []types.PeerID) {
	h.lock.RLock()
	peers := make([]*HubSignaller, 0, len(h.peers))
	for _, s := range h.peers {
		peers = append(peers, s)
	}
	h.lock.RUnlock()

	for _, s := range peers {
		s.setMembers(members)
	}
}

// ---------------------------------

type HubSignaller struct {
	hub    *Hub
	peerID types.PeerID
	queue  *utils.OpsQueue
	closed core.Fuse

	signalListeners     listeners[types.SignalMessage]
	membershipListeners listeners[[]types.PeerID]

	lock    sync.Mutex
	members []types.PeerID
}

func (s *HubSignaller) PeerID() types.PeerID {
	return s.peerID
}

func (s *HubSignaller) SendSignal(ctx context.Context, msg types.SignalMessage) error {
	if s.closed.IsBroken() {
		return ErrSignallerClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	target := s.hub.get(msg.To)
	if target == nil {
		prometheus.RecordMessage("hub_"+string(msg.Kind()), "unknown_peer")
		return ErrUnknownPeer
	}
	if msg.From == "" {
		msg.From = s.peerID
	}
	target.deliver(msg)
	prometheus.RecordMessage("hub_"+string(msg.Kind()), "success")
	return nil
}

func (s *HubSignaller) deliver(msg types.SignalMessage) {
	s.queue.Enqueue(func() {
		s.signalListeners.emit(msg)
	})
}

func (s *HubSignaller) OnSignal(fn func(types.SignalMessage)) func() {
	return s.signalListeners.add(fn)
}

// OnMembershipChanged registers fn and delivers the current membership to it asynchronously.
func (s *HubSignaller) OnMembershipChanged(fn func([]types.PeerID)) func() {
	unsubscribe := s.membershipListeners.add(fn)

	s.queue.Enqueue(func() {
		s.lock.Lock()
		members := append([]types.PeerID{}, s.members...)
		s.lock.Unlock()
		fn(members)
	})
	return unsubscribe
}

func (s *HubSignaller) setMembers(members []types.PeerID) {
	s.lock.Lock()
	s.members = members
	s.lock.Unlock()

	s.queue.Enqueue(func() {
		s.membershipListeners.emit(append([]types.PeerID{}, members...))
	})
}

func (s *HubSignaller) Close() error {
	if s.closed.IsBroken() {
		return nil
	}
	s.closed.Break()

	s.hub.leave(s)
	s.queue.Stop()
	s.signalListeners.clear()
	s.membershipListeners.clear()
	return nil
}

var (
	_ types.Signaller        = (*HubSignaller)(nil)
	_ types.MembershipSource = (*HubSignaller)(nil)
)
