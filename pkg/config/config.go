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

package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pion/stun"
	"github.com/pion/turn/v2"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
	redisLiveKit "github.com/livekit/protocol/redis"
)

type SignalingMode string

const (
	generatedCLIFlagUsage = "generated"

	SignalingModeMemory    SignalingMode = "memory"
	SignalingModeWebSocket SignalingMode = "websocket"
	SignalingModeRedis     SignalingMode = "redis"

	DefaultTURNCredentialTTL = 6 * time.Hour
)

var (
	ErrInvalidPortRange     = errors.New("ice port range start must not exceed end")
	ErrInvalidSignalingMode = errors.New("signaling mode must be one of memory, websocket, redis")
	ErrSignalingURLMissing  = errors.New("websocket signaling requires signaling.url")
	ErrRedisNotConfigured   = errors.New("redis signaling requires redis.address")
	ErrTURNCredentials      = errors.New("turn server needs either username and credential or a shared secret")

	DefaultStunServers = []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}
)

type Config struct {
	Stage          StageConfig              `yaml:"stage,omitempty"`
	RTC            RTCConfig                `yaml:"rtc,omitempty"`
	Signaling      SignalingConfig          `yaml:"signaling,omitempty"`
	Redis          redisLiveKit.RedisConfig `yaml:"redis,omitempty"`
	Publication    PublicationConfig        `yaml:"publication,omitempty"`
	Media          MediaConfig              `yaml:"media,omitempty"`
	PrometheusPort uint32                   `yaml:"prometheus_port,omitempty"`
	Logging        LoggingConfig            `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type StageConfig struct {
	// stage id, generated when empty
	ID string `yaml:"id,omitempty"`
	// identity of the local peer, may be assigned later by the signalling layer
	Identity        string        `yaml:"identity,omitempty"`
	DedupeCacheSize int           `yaml:"dedupe_cache_size,omitempty"`
	StatsInterval   time.Duration `yaml:"stats_interval,omitempty"`
}

type RTCConfig struct {
	STUNServers []string           `yaml:"stun_servers,omitempty"`
	TURNServers []TURNServerConfig `yaml:"turn_servers,omitempty"`

	ICEPortRangeStart      uint16        `yaml:"port_range_start,omitempty"`
	ICEPortRangeEnd        uint16        `yaml:"port_range_end,omitempty"`
	ICEDisconnectedTimeout time.Duration `yaml:"ice_disconnected_timeout,omitempty"`
	ICEFailedTimeout       time.Duration `yaml:"ice_failed_timeout,omitempty"`
	ICEKeepaliveInterval   time.Duration `yaml:"ice_keepalive_interval,omitempty"`

	Codecs []CodecSpec `yaml:"codecs,omitempty"`

	// 0 disables ICE restarts
	MaxICERestartAttempts int `yaml:"max_ice_restart_attempts"`
	// negative disables coalescing of negotiationneeded events
	NegotiationDebounce time.Duration `yaml:"negotiation_debounce,omitempty"`
	CollectTrackStats   bool          `yaml:"collect_track_stats,omitempty"`
}

type TURNServerConfig struct {
	URLs       []string `yaml:"urls,omitempty"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
	// shared secret for time-limited credentials, replaces username/credential
	Secret string        `yaml:"secret,omitempty"`
	TTL    time.Duration `yaml:"ttl,omitempty"`
}

type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

type SignalingConfig struct {
	Mode     SignalingMode `yaml:"mode,omitempty"`
	URL      string        `yaml:"url,omitempty"`
	RoomID   string        `yaml:"room_id,omitempty"`
	Token    string        `yaml:"token,omitempty"`
	TokenTTL time.Duration `yaml:"token_ttl,omitempty"`
	// when set, a websocket signalling server is served on this address
	ListenAddress string `yaml:"listen_address,omitempty"`
	APISecret     string `yaml:"api_secret,omitempty"`

	MembershipPollInterval time.Duration `yaml:"membership_poll_interval,omitempty"`
}

type PublicationConfig struct {
	RelayEnabled bool `yaml:"relay_enabled,omitempty"`
}

type MediaConfig struct {
	AudioFile string `yaml:"audio_file,omitempty"`
	VideoFile string `yaml:"video_file,omitempty"`
	// publish generated silence/blank frames when no file is configured
	Synthetic bool `yaml:"synthetic,omitempty"`
	Loop      bool `yaml:"loop,omitempty"`
}

type CodecSpec struct {
	Mime     string `yaml:"mime,omitempty"`
	FmtpLine string `yaml:"fmtp_line,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
	PionLevel     string `yaml:"pion_level,omitempty"`
}

var DefaultConfig = Config{
	Stage: StageConfig{
		DedupeCacheSize: 1024,
		StatsInterval:   5 * time.Second,
	},
	RTC: RTCConfig{
		STUNServers:           DefaultStunServers,
		MaxICERestartAttempts: 3,
		NegotiationDebounce:   150 * time.Millisecond,
		CollectTrackStats:     true,
		Codecs: []CodecSpec{
			{Mime: webrtc.MimeTypeOpus},
			{Mime: webrtc.MimeTypeVP8},
			{Mime: webrtc.MimeTypeH264},
			{Mime: webrtc.MimeTypeVP9},
		},
	},
	Signaling: SignalingConfig{
		Mode:                   SignalingModeMemory,
		RoomID:                 "default",
		TokenTTL:               6 * time.Hour,
		MembershipPollInterval: 5 * time.Second,
	},
	Media: MediaConfig{
		Loop: true,
	},
	Logging: LoggingConfig{
		PionLevel: "error",
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if err := conf.RTC.Validate(); err != nil {
		return nil, fmt.Errorf("could not validate RTC config: %v", err)
	}
	if err := conf.validateSignaling(); err != nil {
		return nil, err
	}

	// expand env vars in filenames
	for _, path := range []*string{&conf.Media.AudioFile, &conf.Media.VideoFile} {
		if *path == "" {
			continue
		}
		file, err := homedir.Expand(os.ExpandEnv(*path))
		if err != nil {
			return nil, err
		}
		*path = file
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}

	return &conf, nil
}

func (conf *Config) validateSignaling() error {
	switch conf.Signaling.Mode {
	case SignalingModeMemory:
	case SignalingModeWebSocket:
		if conf.Signaling.URL == "" {
			return ErrSignalingURLMissing
		}
	case SignalingModeRedis:
		if conf.Redis.Address == "" {
			return ErrRedisNotConfigured
		}
	default:
		return ErrInvalidSignalingMode
	}
	return nil
}

func (r *RTCConfig) Validate() error {
	for _, u := range r.STUNServers {
		uri, err := stun.ParseURI(u)
		if err != nil {
			return errors.Wrapf(err, "invalid stun server %q", u)
		}
		if uri.Scheme != stun.SchemeTypeSTUN && uri.Scheme != stun.SchemeTypeSTUNS {
			return fmt.Errorf("invalid stun server %q: unexpected scheme %s", u, uri.Scheme)
		}
	}

	for _, s := range r.TURNServers {
		for _, u := range s.URLs {
			uri, err := stun.ParseURI(u)
			if err != nil {
				return errors.Wrapf(err, "invalid turn server %q", u)
			}
			if uri.Scheme != stun.SchemeTypeTURN && uri.Scheme != stun.SchemeTypeTURNS {
				return fmt.Errorf("invalid turn server %q: unexpected scheme %s", u, uri.Scheme)
			}
		}
		if s.Secret == "" && (s.Username == "" || s.Credential == "") {
			return ErrTURNCredentials
		}
	}

	if r.ICEPortRangeStart > r.ICEPortRangeEnd {
		return ErrInvalidPortRange
	}
	if r.MaxICERestartAttempts < 0 {
		return errors.New("max_ice_restart_attempts must not be negative")
	}
	for _, codec := range r.Codecs {
		if !strings.Contains(codec.Mime, "/") {
			return fmt.Errorf("invalid codec mime %q", codec.Mime)
		}
	}
	return nil
}

// ResolveICEServers returns the TURN servers when any are configured, the STUN servers otherwise. TURN
// servers with a shared secret get time-limited credentials valid for their TTL from now.
func (r *RTCConfig) ResolveICEServers() ([]ICEServer, error) {
	if len(r.TURNServers) == 0 {
		if len(r.STUNServers) == 0 {
			return nil, nil
		}
		return []ICEServer{{URLs: r.STUNServers}}, nil
	}

	servers := make([]ICEServer, 0, len(r.TURNServers))

	for _, s := range r.TURNServers {
		server := ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		}
		if s.Secret != "" {
			ttl := s.TTL
			if ttl == 0 {
				ttl = DefaultTURNCredentialTTL
			}
			username, password, err := turn.GenerateLongTermCredentials(s.Secret, ttl)
			if err != nil {
				return nil, err
			}
			server.Username = username
			server.Credential = password
		}
		servers = append(servers, server)
	}
	return servers, nil
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := false
			if len(yamlTagArray) > 1 && yamlTagArray[1] == "inline" {
				isInline = true
			}
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := fmt.Sprintf("LIVEKIT_%s", strings.ToUpper(strings.Replace(name, ".", "_", -1)))

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int64:
			if value.Type() == reflect.TypeOf(time.Duration(0)) {
				flag = &cli.DurationFlag{
					Name:    name,
					EnvVars: []string{envVar},
					Usage:   generatedCLIFlagUsage,
					Hidden:  hidden,
				}
				break
			}
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			flag = &cli.UintFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice:
			if value.Type().Elem().Kind() != reflect.String {
				continue
			}
			flag = &cli.StringSliceFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Map, reflect.Struct:
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		// the `c.App.Name != "test"` check is needed because `c.IsSet(...)` is always false in unit tests
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32, reflect.Int64:
			if configValue.Type() == reflect.TypeOf(time.Duration(0)) {
				configValue.SetInt(int64(c.Duration(flagName)))
				continue
			}
			configValue.SetInt(c.Int64(flagName))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		case reflect.Slice:
			if configValue.Type().Elem().Kind() != reflect.String {
				continue
			}
			configValue.Set(reflect.ValueOf(c.StringSlice(flagName)).Convert(configValue.Type()))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("identity") {
		conf.Stage.Identity = c.String("identity")
	}
	if c.IsSet("room") {
		conf.Signaling.RoomID = c.String("room")
	}
	if c.IsSet("signal-url") {
		conf.Signaling.URL = c.String("signal-url")
		conf.Signaling.Mode = SignalingModeWebSocket
	}
	if c.IsSet("token") {
		conf.Signaling.Token = c.String("token")
	}
	if c.IsSet("redis-host") {
		conf.Redis.Address = c.String("redis-host")
	}
	if c.IsSet("redis-password") {
		conf.Redis.Password = c.String("redis-password")
	}
	if c.IsSet("audio") {
		conf.Media.AudioFile = c.String("audio")
	}
	if c.IsSet("video") {
		conf.Media.VideoFile = c.String("video")
	}
	return nil
}

// InitLoggerFromConfig installs the process logger. The pion level is applied by the pion logger factory.
func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(config.Config, "stage")
}
