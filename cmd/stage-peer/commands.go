package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/livekit/livekit-stage/pkg/config"
	"github.com/livekit/livekit-stage/pkg/rtc/signalling"
	"github.com/livekit/livekit-stage/pkg/rtc/types"
)

func createToken(c *cli.Context) error {
	room := c.String("room")
	identity := c.String("identity")

	token, err := signalling.NewToken(c.String("secret"), room, types.PeerID(identity), c.Duration("ttl"))
	if err != nil {
		return err
	}

	fmt.Println("Token:", token)
	return nil
}

func printICEServers(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	servers, err := conf.RTC.ResolveICEServers()
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetRowLine(true)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"URLs", "Username", "Credential"})
	for _, s := range servers {
		credential := ""
		if s.Credential != "" {
			credential = "<set>"
		}
		table.Append([]string{strings.Join(s.URLs, "\n"), s.Username, credential})
	}
	table.Render()

	if conf.RTC.ICEPortRangeStart != 0 {
		fmt.Printf("%d-%d - ICE/UDP range\n", conf.RTC.ICEPortRangeStart, conf.RTC.ICEPortRangeEnd)
	}
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
