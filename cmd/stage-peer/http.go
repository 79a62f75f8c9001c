package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livekit/livekit-stage/pkg/rtc/types"
	"github.com/livekit/livekit-stage/pkg/telemetry/prometheus"
)

type sessionStatus struct {
	Remote      types.PeerID       `json:"remote"`
	Role        string             `json:"role"`
	Negotiation string             `json:"negotiation"`
	ICE         string             `json:"ice"`
	Stats       types.StatsSummary `json:"stats"`
	Packets     uint64             `json:"packets"`
	Lost        uint64             `json:"lost"`
}

type peerStatus struct {
	Identity types.PeerID    `json:"identity"`
	Sessions []sessionStatus `json:"sessions"`
}

func newRouter(development bool) *gin.Engine {
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

// newSignallingRouter serves the websocket signalling relay on /signal.
func newSignallingRouter(development bool, ws http.Handler) *gin.Engine {
	router := newRouter(development)
	router.GET("/signal", gin.WrapH(ws))
	return router
}

func newMetricsRouter(development bool, peers []*stagePeer) *gin.Engine {
	router := newRouter(development)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"stage": prometheus.GetStageStats(),
			"peers": collectStatus(peers),
		})
	})
	router.GET("/stats/:identity/:remote", func(c *gin.Context) {
		for _, p := range peers {
			if string(p.identity) != c.Param("identity") {
				continue
			}
			summary, ok := p.stage.GetAggregatedStats(c.Request.Context(), types.PeerID(c.Param("remote")))
			if !ok {
				break
			}
			c.JSON(http.StatusOK, summary)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	})
	return router
}

func collectStatus(peers []*stagePeer) []peerStatus {
	out := make([]peerStatus, 0, len(peers))
	for _, p := range peers {
		status := peerStatus{Identity: p.identity, Sessions: []sessionStatus{}}
		for _, session := range p.stage.Sessions() {
			received := p.listener.receiveStats(session.RemoteID())
			status.Sessions = append(status.Sessions, sessionStatus{
				Remote:      session.RemoteID(),
				Role:        session.Role().String(),
				Negotiation: session.State().String(),
				ICE:         session.ICEConnectionState().String(),
				Stats:       session.Stats(),
				Packets:     received.packets,
				Lost:        received.lost,
			})
		}
		out = append(out, status)
	}
	return out
}
