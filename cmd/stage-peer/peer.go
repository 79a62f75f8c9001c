package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/protocol/logger"
	redisLiveKit "github.com/livekit/protocol/redis"

	"github.com/livekit/livekit-stage/pkg/capture"
	"github.com/livekit/livekit-stage/pkg/config"
	serverlogger "github.com/livekit/livekit-stage/pkg/logger"
	"github.com/livekit/livekit-stage/pkg/publication"
	"github.com/livekit/livekit-stage/pkg/rtc"
	"github.com/livekit/livekit-stage/pkg/rtc/signalling"
	"github.com/livekit/livekit-stage/pkg/rtc/types"
	"github.com/livekit/livekit-stage/pkg/telemetry/prometheus"
	"github.com/livekit/livekit-stage/pkg/utils"
)

const shutdownTimeout = 5 * time.Second

type stageSignaller interface {
	types.Signaller
	types.MembershipSource
}

// stagePeer is one local member of the stage with the media it publishes.
type stagePeer struct {
	identity  types.PeerID
	stage     *rtc.Stage
	signaller stageSignaller
	listener  *peerListener
	sources   []*capture.FileSource
	tracks    []*capture.Track
}

func runPeer(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	stageID := conf.Stage.ID
	if stageID == "" {
		stageID = utils.NewGuid(utils.StagePrefix)
	}
	identity := types.PeerID(conf.Stage.Identity)
	if identity == "" {
		identity = types.PeerID(utils.NewGuid(utils.PeerPrefix))
	}
	log := logger.GetLogger().WithValues("stage", stageID)

	prometheus.Init(string(identity))

	g, ctx := errgroup.WithContext(ctx)
	if conf.Signaling.ListenAddress != "" {
		if conf.Signaling.APISecret == "" {
			return errors.New("signaling.api_secret is required to serve websocket signalling")
		}
		ws := signalling.NewWebSocketServer(conf.Signaling.APISecret, log)
		serve(ctx, g, log, "signalling", conf.Signaling.ListenAddress, newSignallingRouter(conf.Development, ws))
	}

	webrtcConf, err := rtc.NewWebRTCConfig(&conf.RTC, serverlogger.LoggerFactory())
	if err != nil {
		return err
	}

	var rc redis.UniversalClient
	if conf.Redis.Address != "" {
		rc, err = redisLiveKit.GetRedisClient(&conf.Redis)
		if err != nil {
			return err
		}
		defer func() {
			_ = rc.Close()
		}()
	}

	var hub *signalling.Hub
	if conf.Signaling.Mode == config.SignalingModeMemory {
		hub = signalling.NewHub(log)
	}

	identities := []types.PeerID{identity}
	if hub != nil {
		if conf.Development {
			identities = append(identities, identity+"-mirror")
		} else {
			log.Infow("in-memory signalling without --dev has no remote peers")
		}
	}

	peers := make([]*stagePeer, 0, len(identities))
	defer func() {
		for _, p := range peers {
			p.close()
		}
	}()
	for _, id := range identities {
		sig, err := newSignaller(ctx, conf, hub, rc, id, log)
		if err != nil {
			return err
		}
		p, err := newStagePeer(ctx, conf, stageID, id, sig, webrtcConf, rc, log)
		if err != nil {
			_ = sig.Close()
			return err
		}
		peers = append(peers, p)
	}

	if conf.PrometheusPort > 0 {
		address := net.JoinHostPort("", strconv.Itoa(int(conf.PrometheusPort)))
		serve(ctx, g, log, "prometheus", address, newMetricsRouter(conf.Development, peers))
	}

	g.Go(func() error {
		printStatsLoop(ctx, conf.Stage.StatsInterval, peers)
		return nil
	})

	log.Infow("joined stage", "identity", identity, "signalling", conf.Signaling.Mode, "room", conf.Signaling.RoomID)
	<-ctx.Done()
	log.Infow("exit requested, shutting down")

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serve(ctx context.Context, g *errgroup.Group, log logger.Logger, name, address string, handler http.Handler) {
	srv := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Infow("starting http server", "name", name, "address", address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func newSignaller(
	ctx context.Context,
	conf *config.Config,
	hub *signalling.Hub,
	rc redis.UniversalClient,
	identity types.PeerID,
	log logger.Logger,
) (stageSignaller, error) {
	switch conf.Signaling.Mode {
	case config.SignalingModeWebSocket:
		token := conf.Signaling.Token
		if token == "" && conf.Signaling.APISecret != "" {
			var err error
			token, err = signalling.NewToken(conf.Signaling.APISecret, conf.Signaling.RoomID, identity, conf.Signaling.TokenTTL)
			if err != nil {
				return nil, err
			}
		}
		return signalling.NewWebSocketSignaller(ctx, signalling.WebSocketParams{
			URL:    conf.Signaling.URL,
			RoomID: conf.Signaling.RoomID,
			PeerID: identity,
			Token:  token,
			Logger: log,
		})

	case config.SignalingModeRedis:
		return signalling.NewRedisSignaller(ctx, signalling.RedisParams{
			Client:                 rc,
			RoomID:                 conf.Signaling.RoomID,
			PeerID:                 identity,
			MembershipPollInterval: conf.Signaling.MembershipPollInterval,
			Logger:                 log,
		})

	default:
		return hub.Join(identity)
	}
}

func newStagePeer(
	ctx context.Context,
	conf *config.Config,
	stageID string,
	identity types.PeerID,
	sig stageSignaller,
	webrtcConf *rtc.WebRTCConfig,
	rc redis.UniversalClient,
	log logger.Logger,
) (*stagePeer, error) {
	log = log.WithValues("identity", identity)

	var relay publication.Relay = publication.NoopRelay{}
	if conf.Publication.RelayEnabled && rc != nil {
		relay = publication.NewRedisRelay(rc, stageID)
	}

	listener := newPeerListener(log)
	stage, err := rtc.NewStage(rtc.StageParams{
		StageID:    stageID,
		Signaller:  sig,
		Membership: sig,
		Gateway: publication.NewGateway(publication.GatewayParams{
			LocalID:      identity,
			RelayEnabled: conf.Publication.RelayEnabled,
			Relay:        relay,
			Logger:       log,
		}),
		WebRTCConfig:          webrtcConf,
		MaxICERestartAttempts: conf.RTC.MaxICERestartAttempts,
		NegotiationDebounce:   conf.RTC.NegotiationDebounce,
		CollectTrackStats:     conf.RTC.CollectTrackStats,
		DedupeCacheSize:       conf.Stage.DedupeCacheSize,
		Listener:              listener,
		Logger:                log,
	})
	if err != nil {
		return nil, err
	}
	stage.SetLocalIdentity(identity)

	p := &stagePeer{
		identity:  identity,
		stage:     stage,
		signaller: sig,
		listener:  listener,
	}

	media := []struct {
		kind  types.TrackKind
		file  string
		codec webrtc.RTPCodecCapability
	}{
		{types.TrackKindAudio, conf.Media.AudioFile, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}},
		{types.TrackKindVideo, conf.Media.VideoFile, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}},
	}
	for _, m := range media {
		if m.file == "" && !conf.Media.Synthetic {
			continue
		}
		if err := p.publish(ctx, m.kind, m.codec, m.file, conf.Media.Loop, log); err != nil {
			p.close()
			return nil, err
		}
	}
	return p, nil
}

func (p *stagePeer) publish(ctx context.Context, kind types.TrackKind, codec webrtc.RTPCodecCapability, file string, loop bool, log logger.Logger) error {
	track, err := capture.NewTrack(kind, codec, utils.NewGuid(utils.TrackPrefix), string(p.identity))
	if err != nil {
		return err
	}
	source := capture.NewFileSource(ctx, capture.FileSourceParams{
		Track:    track,
		FilePath: file,
		Loop:     loop,
		Logger:   log,
	})
	if err := source.Start(); err != nil {
		track.Stop()
		return err
	}
	p.tracks = append(p.tracks, track)
	p.sources = append(p.sources, source)

	return p.stage.OnLocalTrackAvailable(ctx, kind, track)
}

func (p *stagePeer) close() {
	for _, s := range p.sources {
		s.Stop()
	}
	p.stage.Close()
	for _, t := range p.tracks {
		t.Stop()
	}
	_ = p.signaller.Close()
}
