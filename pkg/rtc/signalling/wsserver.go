package signalling

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-stage/pkg/telemetry/prometheus"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = (wsPongWait * 9) / 10
	wsSendBuffer   = 256
)

// WebSocketServer relays signalling envelopes between peers of the same room.
// Peers authenticate with a token in the "token" query parameter.
type WebSocketServer struct {
	secret   string
	logger   logger.Logger
	upgrader websocket.Upgrader

	lock  sync.RWMutex
	rooms map[string]map[string]*wsClient
}

type wsClient struct {
	connID string
	peerID string
	roomID string
	conn   *websocket.Conn
	send   chan []byte
}

func NewWebSocketServer(secret string, logger logger.Logger) *WebSocketServer {
	return &WebSocketServer{
		secret: secret,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		rooms: make(map[string]map[string]*wsClient),
	}
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := ParseToken(s.secret, r.URL.Query().Get("token"))
	if err != nil {
		prometheus.RecordServiceOperation("ws_join", "error", "unauthorized")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("could not upgrade connection", err)
		return
	}

	c := &wsClient{
		connID: uuid.NewString(),
		peerID: string(claims.PeerID()),
		roomID: claims.RoomID,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
	}
	replaced := s.addClient(c)
	if replaced != nil {
		s.logger.Infow("replacing existing connection", "peer", c.peerID, "room", c.roomID, "connID", replaced.connID)
		close(replaced.send)
	}
	prometheus.RecordServiceOperation("ws_join", "success", "")
	s.logger.Infow("peer joined room", "peer", c.peerID, "room", c.roomID, "connID", c.connID)

	s.sendTo(c, &Envelope{Type: EnvelopeTypePeers, RoomID: c.roomID, Peers: s.peersIn(c.roomID)})
	s.broadcast(c.roomID, &Envelope{Type: EnvelopeTypeJoin, From: c.peerID, RoomID: c.roomID}, c.peerID)

	go s.writePump(c)
	go s.readPump(c)
}

// NumPeers returns the number of connected peers in a room.
func (s *WebSocketServer) NumPeers(roomID string) int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.rooms[roomID])
}

func (s *WebSocketServer) addClient(c *wsClient) *wsClient {
	s.lock.Lock()
	defer s.lock.Unlock()

	room := s.rooms[c.roomID]
	if room == nil {
		room = make(map[string]*wsClient)
		s.rooms[c.roomID] = room
	}
	existing := room[c.peerID]
	room[c.peerID] = c
	return existing
}

func (s *WebSocketServer) removeClient(c *wsClient) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	room := s.rooms[c.roomID]
	if room[c.peerID] != c {
		return false
	}
	delete(room, c.peerID)
	if len(room) == 0 {
		delete(s.rooms, c.roomID)
	}
	return true
}

func (s *WebSocketServer) peersIn(roomID string) []string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	peers := make([]string, 0, len(s.rooms[roomID]))
	for id := range s.rooms[roomID] {
		peers = append(peers, id)
	}
	sort.Strings(peers)
	return peers
}

func (s *WebSocketServer) client(roomID, peerID string) *wsClient {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.rooms[roomID][peerID]
}

func (s *WebSocketServer) broadcast(roomID string, env *Envelope, exclude string) {
	s.lock.RLock()
	clients := make([]*wsClient, 0, len(s.rooms[roomID]))
	for id, c := range s.rooms[roomID] {
		if id != exclude {
			clients = append(clients, c)
		}
	}
	s.lock.RUnlock()

	for _, c := range clients {
		s.sendTo(c, env)
	}
}

func (s *WebSocketServer) sendTo(c *wsClient, env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Warnw("could not marshal envelope", err)
		return
	}

	defer func() {
		// send channel closed by a replacing connection
		_ = recover()
	}()
	select {
	case c.send <- data:
	default:
		prometheus.RecordMessage("ws_"+string(env.Type), "dropped")
		s.logger.Warnw("could not send to peer, buffer full", nil, "peer", c.peerID, "type", env.Type)
	}
}

func (s *WebSocketServer) readPump(c *wsClient) {
	defer func() {
		_ = c.conn.Close()
		if s.removeClient(c) {
			close(c.send)
			s.broadcast(c.roomID, &Envelope{Type: EnvelopeTypeLeave, From: c.peerID, RoomID: c.roomID}, c.peerID)
			s.logger.Infow("peer left room", "peer", c.peerID, "room", c.roomID, "connID", c.connID)
		}
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugw("websocket read failed", "error", err, "peer", c.peerID)
			}
			return
		}

		// sender and room are always the authenticated ones
		env.From = c.peerID
		env.RoomID = c.roomID

		if !env.IsSignal() {
			prometheus.RecordMessage("ws_"+string(env.Type), "invalid")
			s.logger.Debugw("unknown message type", "type", env.Type, "peer", c.peerID)
			continue
		}

		if env.To == "" {
			s.broadcast(c.roomID, &env, c.peerID)
			continue
		}
		target := s.client(c.roomID, env.To)
		if target == nil {
			prometheus.RecordMessage("ws_"+string(env.Type), "unknown_peer")
			s.sendTo(c, &Envelope{Type: EnvelopeTypeError, ID: env.ID, RoomID: c.roomID, To: env.To, Error: ErrUnknownPeer.Error()})
			continue
		}
		prometheus.RecordMessage("ws_"+string(env.Type), "success")
		s.sendTo(target, &env)
	}
}

func (s *WebSocketServer) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debugw("websocket write failed", "error", err, "peer", c.peerID)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
