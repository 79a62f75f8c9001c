package signalling

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-stage/pkg/rtc/types"
	"github.com/livekit/livekit-stage/pkg/telemetry/prometheus"
	"github.com/livekit/livekit-stage/pkg/utils"
)

const (
	DefaultMembershipPollInterval = 2 * time.Second

	membershipTTL     = 24 * time.Hour
	redisOpTimeout    = 5 * time.Second
	membershipRefresh = "refresh"
)

type RedisParams struct {
	Client                 redis.UniversalClient
	RoomID                 string
	PeerID                 types.PeerID
	MembershipPollInterval time.Duration
	Logger                 logger.Logger
}

// RedisSignaller publishes signals on a per-peer channel and keeps room membership in a redis set.
// Membership is re-read on every join/leave notification and on a poll interval.
type RedisSignaller struct {
	params RedisParams
	sub    *redis.PubSub
	queue  *utils.OpsQueue
	closed core.Fuse

	signalListeners     listeners[types.SignalMessage]
	membershipListeners listeners[[]types.PeerID]

	lock    sync.Mutex
	members []types.PeerID
}

func MembersKey(roomID string) string {
	return "room:" + roomID + ":peers"
}

func peerChannel(roomID string, peer types.PeerID) string {
	return fmt.Sprintf("stage:%s:peer:%s", roomID, peer)
}

func membershipChannel(roomID string) string {
	return fmt.Sprintf("stage:%s:membership", roomID)
}

func NewRedisSignaller(ctx context.Context, params RedisParams) (*RedisSignaller, error) {
	if params.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.MembershipPollInterval <= 0 {
		params.MembershipPollInterval = DefaultMembershipPollInterval
	}
	params.Logger = params.Logger.WithValues("room", params.RoomID, "peer", params.PeerID)

	rc := params.Client
	sub := rc.Subscribe(ctx, peerChannel(params.RoomID, params.PeerID), membershipChannel(params.RoomID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Wrap(err, "could not subscribe")
	}

	key := MembersKey(params.RoomID)
	if err := rc.SAdd(ctx, key, string(params.PeerID)).Err(); err != nil {
		_ = sub.Close()
		return nil, errors.Wrap(err, "could not join room")
	}
	rc.Expire(ctx, key, membershipTTL)

	s := &RedisSignaller{
		params: params,
		sub:    sub,
		queue:  utils.NewOpsQueue(params.Logger, "redis-signaller"),
	}
	s.queue.Start()
	s.refreshMembers(ctx)

	if err := rc.Publish(ctx, membershipChannel(params.RoomID), membershipRefresh).Err(); err != nil {
		params.Logger.Warnw("could not announce join", err)
	}

	go s.subscribeWorker()
	go s.pollWorker()

	params.Logger.Infow("joined redis signalling room")
	return s, nil
}

func (s *RedisSignaller) SendSignal(ctx context.Context, msg types.SignalMessage) error {
	if s.closed.IsBroken() {
		return ErrSignallerClosed
	}
	if msg.From == "" {
		msg.From = s.params.PeerID
	}

	env, err := EncodeSignal(s.params.RoomID, msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	receivers, err := s.params.Client.Publish(ctx, peerChannel(s.params.RoomID, msg.To), data).Result()
	if err != nil {
		prometheus.RecordMessage("redis_"+string(env.Type), "error")
		return errors.Wrap(err, "could not publish signal")
	}
	if receivers == 0 {
		prometheus.RecordMessage("redis_"+string(env.Type), "unknown_peer")
		return ErrUnknownPeer
	}
	prometheus.RecordMessage("redis_"+string(env.Type), "success")
	return nil
}

func (s *RedisSignaller) OnSignal(fn func(types.SignalMessage)) func() {
	return s.signalListeners.add(fn)
}

// OnMembershipChanged registers fn and delivers the current membership to it asynchronously.
func (s *RedisSignaller) OnMembershipChanged(fn func([]types.PeerID)) func() {
	unsubscribe := s.membershipListeners.add(fn)
	s.queue.Enqueue(func() {
		fn(s.Members())
	})
	return unsubscribe
}

func (s *RedisSignaller) Members() []types.PeerID {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]types.PeerID{}, s.members...)
}

func (s *RedisSignaller) subscribeWorker() {
	ch := s.sub.Channel()
	for {
		select {
		case <-s.closed.Watch():
			return

		case m, ok := <-ch:
			if !ok {
				return
			}
			if m.Channel == membershipChannel(s.params.RoomID) {
				ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
				s.refreshMembers(ctx)
				cancel()
				continue
			}

			var env Envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				s.params.Logger.Debugw("could not decode envelope", "error", err)
				continue
			}
			msg, err := DecodeSignal(&env)
			if err != nil {
				prometheus.RecordMessage("redis_"+string(env.Type), "invalid")
				s.params.Logger.Debugw("could not decode signal", "error", err, "type", env.Type)
				continue
			}
			prometheus.RecordMessage("redis_"+string(env.Type), "received")
			s.queue.Enqueue(func() {
				s.signalListeners.emit(msg)
			})
		}
	}
}

func (s *RedisSignaller) pollWorker() {
	ticker := time.NewTicker(s.params.MembershipPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed.Watch():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
			s.refreshMembers(ctx)
			cancel()
		}
	}
}

func (s *RedisSignaller) refreshMembers(ctx context.Context) {
	ids, err := s.params.Client.SMembers(ctx, MembersKey(s.params.RoomID)).Result()
	if err != nil {
		s.params.Logger.Warnw("could not read room members", err)
		return
	}
	sort.Strings(ids)
	members := peerIDs(ids)

	s.lock.Lock()
	changed := !equalPeers(s.members, members)
	if changed {
		s.members = members
	}
	s.lock.Unlock()

	if changed {
		s.queue.Enqueue(func() {
			s.membershipListeners.emit(append([]types.PeerID{}, members...))
		})
	}
}

func (s *RedisSignaller) Close() error {
	if s.closed.IsBroken() {
		return nil
	}
	s.closed.Break()

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	rc := s.params.Client
	if err := rc.SRem(ctx, MembersKey(s.params.RoomID), string(s.params.PeerID)).Err(); err != nil {
		s.params.Logger.Warnw("could not leave room", err)
	}
	if err := rc.Publish(ctx, membershipChannel(s.params.RoomID), membershipRefresh).Err(); err != nil {
		s.params.Logger.Warnw("could not announce leave", err)
	}

	err := s.sub.Close()
	s.queue.Stop()
	s.signalListeners.clear()
	s.membershipListeners.clear()
	return err
}

func equalPeers(a, b []types.PeerID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var (
	_ types.Signaller        = (*RedisSignaller)(nil)
	_ types.MembershipSource = (*RedisSignaller)(nil)
)
