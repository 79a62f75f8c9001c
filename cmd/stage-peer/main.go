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

package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/livekit-stage/pkg/config"
	serverlogger "github.com/livekit/livekit-stage/pkg/logger"
	"github.com/livekit/livekit-stage/version"
)

var baseFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to stage config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "stage config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"LIVEKIT_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "identity",
		Usage:   "peer id of this stage member",
		EnvVars: []string{"LIVEKIT_IDENTITY"},
	},
	&cli.StringFlag{
		Name:    "room",
		Usage:   "room to join on the signalling service",
		EnvVars: []string{"LIVEKIT_ROOM"},
	},
	&cli.StringFlag{
		Name:    "signal-url",
		Usage:   "websocket signalling url, switches signalling to websocket mode",
		EnvVars: []string{"LIVEKIT_SIGNAL_URL"},
	},
	&cli.StringFlag{
		Name:    "token",
		Usage:   "signalling access token",
		EnvVars: []string{"LIVEKIT_TOKEN"},
	},
	&cli.StringFlag{
		Name:    "redis-host",
		Usage:   "host (incl. port) to redis server",
		EnvVars: []string{"REDIS_HOST"},
	},
	&cli.StringFlag{
		Name:    "redis-password",
		Usage:   "password to redis",
		EnvVars: []string{"REDIS_PASSWORD"},
	},
	&cli.StringFlag{
		Name:  "audio",
		Usage: "an ogg file to publish",
	},
	&cli.StringFlag{
		Name:  "video",
		Usage: "an ivf file to publish",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and runs an in-process mirror peer when signalling is in memory",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("stage-peer panicked", nil, "panic", r, "stack", string(debug.Stack()))
			os.Exit(1)
		}
	}()

	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "stage-peer",
		Usage:       "peer-to-peer WebRTC stage member",
		Description: "run without subcommands to join a stage",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      runPeer,
		Commands: []*cli.Command{
			{
				Name:   "create-token",
				Usage:  "create a signalling token for a peer",
				Action: createToken,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "room",
						Usage:    "room the token is valid for",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "identity",
						Usage:    "peer id that holds the token",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "secret",
						Usage:    "secret shared with the signalling server",
						EnvVars:  []string{"LIVEKIT_API_SECRET"},
						Required: true,
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "token validity",
					},
				},
			},
			{
				Name:   "ice-servers",
				Usage:  "print the ICE servers the peer is configured to use",
				Action: printICEServers,
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	serverlogger.InitFromConfig(&conf.Logging)

	if conf.Development && conf.Signaling.Mode == config.SignalingModeMemory && !conf.Media.Synthetic &&
		conf.Media.AudioFile == "" && conf.Media.VideoFile == "" {
		logger.Infow("starting in development mode, publishing synthetic media")
		conf.Media.Synthetic = true
	}
	return conf, nil
}

func getConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}
