package main

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-stage/pkg/rtc"
	"github.com/livekit/livekit-stage/pkg/rtc/types"
)

type receiveStats struct {
	packets uint64
	bytes   uint64
	lost    uint64
}

// peerListener logs stage events and drains remote tracks, counting what arrives per remote peer.
type peerListener struct {
	rtc.UnimplementedStageListener

	logger logger.Logger

	lock     sync.Mutex
	received map[types.PeerID]*receiveStats
}

func newPeerListener(l logger.Logger) *peerListener {
	return &peerListener{
		logger:   l,
		received: make(map[types.PeerID]*receiveStats),
	}
}

func (l *peerListener) OnSessionCreated(peer types.PeerID) {
	l.logger.Infow("peer joined", "remotePeer", peer)
}

func (l *peerListener) OnSessionClosed(peer types.PeerID) {
	l.logger.Infow("peer left", "remotePeer", peer)
	l.lock.Lock()
	delete(l.received, peer)
	l.lock.Unlock()
}

func (l *peerListener) OnPeerStateChanged(peer types.PeerID, state webrtc.PeerConnectionState) {
	l.logger.Infow("peer connection state changed", "remotePeer", peer, "state", state.String())
}

func (l *peerListener) OnPeerError(peer types.PeerID, err error) {
	l.logger.Warnw("peer error", err, "remotePeer", peer)
}

func (l *peerListener) OnRemoteTrack(track *types.RemoteTrack) {
	l.logger.Infow("receiving track", "remotePeer", track.PeerID, "kind", track.Kind, "trackID", track.TransportTrackID)

	l.lock.Lock()
	stats, ok := l.received[track.PeerID]
	if !ok {
		stats = &receiveStats{}
		l.received[track.PeerID] = stats
	}
	l.lock.Unlock()

	go l.drain(track, stats)
}

func (l *peerListener) drain(track *types.RemoteTrack, stats *receiveStats) {
	var (
		lastSeq uint16
		started bool
	)
	for {
		pkt, _, err := track.Track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.logger.Debugw("stopped reading track", "trackID", track.TransportTrackID, "error", err)
			}
			return
		}
		l.record(stats, pkt, lastSeq, started)
		lastSeq, started = pkt.SequenceNumber, true
	}
}

func (l *peerListener) record(stats *receiveStats, pkt *rtp.Packet, lastSeq uint16, started bool) {
	l.lock.Lock()
	defer l.lock.Unlock()

	stats.packets++
	stats.bytes += uint64(pkt.MarshalSize())
	if started {
		// uint16 arithmetic handles wrap around, reordered packets count as no loss
		if gap := pkt.SequenceNumber - lastSeq; gap > 1 && gap < 1<<15 {
			stats.lost += uint64(gap - 1)
		}
	}
}

func (l *peerListener) receiveStats(peer types.PeerID) receiveStats {
	l.lock.Lock()
	defer l.lock.Unlock()
	if stats, ok := l.received[peer]; ok {
		return *stats
	}
	return receiveStats{}
}
