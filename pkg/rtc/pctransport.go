package rtc

import (
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/livekit-stage/pkg/config"
	"github.com/livekit/livekit-stage/pkg/rtc/types"
)

const (
	iceDisconnectedTimeout = 10 * time.Second
	iceFailedTimeout       = 25 * time.Second
	iceKeepaliveInterval   = 2 * time.Second
)

type WebRTCConfig struct {
	Configuration webrtc.Configuration
	SettingEngine webrtc.SettingEngine
	Codecs        []config.CodecSpec
	// URLs of every configured STUN/TURN server
	ICEServerURLs []string
}

// PeerConnectionFactory creates the transport of one peer session.
type PeerConnectionFactory func(conf *WebRTCConfig) (types.PeerConnection, error)

func NewWebRTCConfig(conf *config.RTCConfig, lf logging.LoggerFactory) (*WebRTCConfig, error) {
	iceServers, err := conf.ResolveICEServers()
	if err != nil {
		return nil, err
	}

	c := webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	urls := make([]string, 0)
	for _, s := range iceServers {
		server := webrtc.ICEServer{
			URLs:     s.URLs,
			Username: s.Username,
		}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		c.ICEServers = append(c.ICEServers, server)
		urls = append(urls, s.URLs...)
	}

	s := webrtc.SettingEngine{}
	if conf.ICEPortRangeStart != 0 && conf.ICEPortRangeEnd != 0 {
		if err := s.SetEphemeralUDPPortRange(conf.ICEPortRangeStart, conf.ICEPortRangeEnd); err != nil {
			return nil, err
		}
	}

	disconnected, failed, keepalive := conf.ICEDisconnectedTimeout, conf.ICEFailedTimeout, conf.ICEKeepaliveInterval
	if disconnected == 0 {
		disconnected = iceDisconnectedTimeout
	}
	if failed == 0 {
		failed = iceFailedTimeout
	}
	if keepalive == 0 {
		keepalive = iceKeepaliveInterval
	}
	s.SetICETimeouts(disconnected, failed, keepalive)

	if lf != nil {
		s.LoggerFactory = lf
	}

	return &WebRTCConfig{
		Configuration: c,
		SettingEngine: s,
		Codecs:        conf.Codecs,
		ICEServerURLs: urls,
	}, nil
}

// NewPeerConnection builds a pion peer connection with the configured codecs and the default interceptors.
func NewPeerConnection(conf *WebRTCConfig) (types.PeerConnection, error) {
	me := &webrtc.MediaEngine{}
	if err := registerCodecs(me, conf.Codecs); err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithSettingEngine(conf.SettingEngine),
		webrtc.WithInterceptorRegistry(ir),
	)
	return api.NewPeerConnection(conf.Configuration)
}

var (
	videoRTCPFeedback = []webrtc.RTCPFeedback{
		{Type: webrtc.TypeRTCPFBGoogREMB},
		{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
		{Type: webrtc.TypeRTCPFBNACK},
		{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
	}

	knownCodecs = []struct {
		params    webrtc.RTPCodecParameters
		codecType webrtc.RTPCodecType
	}{
		{
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
				PayloadType:        111,
			},
			codecType: webrtc.RTPCodecTypeAudio,
		},
		{
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: videoRTCPFeedback},
				PayloadType:        96,
			},
			codecType: webrtc.RTPCodecTypeVideo,
		},
		{
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000, SDPFmtpLine: "profile-id=0", RTCPFeedback: videoRTCPFeedback},
				PayloadType:        98,
			},
			codecType: webrtc.RTPCodecTypeVideo,
		},
		{
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", RTCPFeedback: videoRTCPFeedback},
				PayloadType:        125,
			},
			codecType: webrtc.RTPCodecTypeVideo,
		},
	}
)

func registerCodecs(me *webrtc.MediaEngine, codecs []config.CodecSpec) error {
	if len(codecs) == 0 {
		return me.RegisterDefaultCodecs()
	}

	for _, known := range knownCodecs {
		if !isCodecEnabled(codecs, known.params.RTPCodecCapability) {
			continue
		}
		if err := me.RegisterCodec(known.params, known.codecType); err != nil {
			return err
		}
	}
	return nil
}

func isCodecEnabled(codecs []config.CodecSpec, capability webrtc.RTPCodecCapability) bool {
	for _, codec := range codecs {
		if !strings.EqualFold(codec.Mime, capability.MimeType) {
			continue
		}
		if codec.FmtpLine == "" || strings.EqualFold(codec.FmtpLine, capability.SDPFmtpLine) {
			return true
		}
	}
	return false
}
