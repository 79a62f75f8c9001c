package signalling

import (
	"context"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-stage/pkg/rtc/types"
	"github.com/livekit/livekit-stage/pkg/telemetry/prometheus"
	"github.com/livekit/livekit-stage/pkg/utils"
)

type WebSocketParams struct {
	URL    string
	RoomID string
	PeerID types.PeerID
	Token  string
	Logger logger.Logger
}

// WebSocketSignaller exchanges signalling envelopes with a WebSocketServer and tracks room membership
// from its join, leave and peers notifications.
type WebSocketSignaller struct {
	params WebSocketParams
	connID string
	conn   *websocket.Conn
	queue  *utils.OpsQueue
	closed core.Fuse

	writeLock sync.Mutex

	signalListeners     listeners[types.SignalMessage]
	membershipListeners listeners[[]types.PeerID]

	lock    sync.Mutex
	members map[types.PeerID]struct{}
}

func NewWebSocketSignaller(ctx context.Context, params WebSocketParams) (*WebSocketSignaller, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	u, err := url.Parse(params.URL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid signalling url")
	}
	q := u.Query()
	q.Set("token", params.Token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to signalling server")
	}

	connID := uuid.NewString()
	params.Logger = params.Logger.WithValues("room", params.RoomID, "connID", connID)
	s := &WebSocketSignaller{
		params:  params,
		connID:  connID,
		conn:    conn,
		queue:   utils.NewOpsQueue(params.Logger, "ws-signaller"),
		members: make(map[types.PeerID]struct{}),
	}
	s.queue.Start()
	go s.readLoop()

	params.Logger.Infow("connected to signalling server", "url", params.URL)
	return s, nil
}

func (s *WebSocketSignaller) SendSignal(ctx context.Context, msg types.SignalMessage) error {
	if s.closed.IsBroken() {
		return ErrSignallerClosed
	}

	env, err := EncodeSignal(s.params.RoomID, msg)
	if err != nil {
		return err
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(env); err != nil {
		prometheus.RecordMessage("ws_"+string(env.Type), "error")
		return errors.Wrap(err, "could not write signal")
	}
	return nil
}

func (s *WebSocketSignaller) OnSignal(fn func(types.SignalMessage)) func() {
	return s.signalListeners.add(fn)
}

// OnMembershipChanged registers fn and delivers the current membership to it asynchronously.
func (s *WebSocketSignaller) OnMembershipChanged(fn func([]types.PeerID)) func() {
	unsubscribe := s.membershipListeners.add(fn)
	s.queue.Enqueue(func() {
		fn(s.Members())
	})
	return unsubscribe
}

func (s *WebSocketSignaller) Members() []types.PeerID {
	s.lock.Lock()
	defer s.lock.Unlock()

	members := make([]types.PeerID, 0, len(s.members))
	for id := range s.members {
		members = append(members, id)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members
}

func (s *WebSocketSignaller) readLoop() {
	defer func() {
		if !s.closed.IsBroken() {
			s.params.Logger.Infow("signalling connection lost")
		}
		_ = s.Close()
	}()

	for {
		var env Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if !s.closed.IsBroken() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.params.Logger.Warnw("signalling read failed", err)
			}
			return
		}

		switch env.Type {
		case EnvelopeTypePeers:
			s.updateMembers(func(m map[types.PeerID]struct{}) {
				for id := range m {
					delete(m, id)
				}
				for _, id := range peerIDs(env.Peers) {
					m[id] = struct{}{}
				}
			})

		case EnvelopeTypeJoin:
			s.updateMembers(func(m map[types.PeerID]struct{}) {
				m[types.PeerID(env.From)] = struct{}{}
			})

		case EnvelopeTypeLeave:
			s.updateMembers(func(m map[types.PeerID]struct{}) {
				delete(m, types.PeerID(env.From))
			})

		case EnvelopeTypeError:
			s.params.Logger.Warnw("signalling server error", nil, "error", env.Error, "to", env.To, "messageID", env.ID)

		default:
			msg, err := DecodeSignal(&env)
			if err != nil {
				prometheus.RecordMessage("ws_"+string(env.Type), "invalid")
				s.params.Logger.Debugw("could not decode signal", "error", err, "type", env.Type)
				continue
			}
			prometheus.RecordMessage("ws_"+string(env.Type), "received")
			s.queue.Enqueue(func() {
				s.signalListeners.emit(msg)
			})
		}
	}
}

func (s *WebSocketSignaller) updateMembers(update func(map[types.PeerID]struct{})) {
	s.lock.Lock()
	update(s.members)
	s.lock.Unlock()

	members := s.Members()
	s.queue.Enqueue(func() {
		s.membershipListeners.emit(members)
	})
}

func (s *WebSocketSignaller) Close() error {
	if s.closed.IsBroken() {
		return nil
	}
	s.closed.Break()

	s.writeLock.Lock()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.writeLock.Unlock()

	err := s.conn.Close()
	s.queue.Stop()
	s.signalListeners.clear()
	s.membershipListeners.clear()
	return err
}

var (
	_ types.Signaller        = (*WebSocketSignaller)(nil)
	_ types.MembershipSource = (*WebSocketSignaller)(nil)
)
