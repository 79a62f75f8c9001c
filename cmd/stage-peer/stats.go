package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/livekit/livekit-stage/pkg/telemetry/prometheus"
)

const defaultStatsInterval = 5 * time.Second

func printStatsLoop(ctx context.Context, interval time.Duration, peers []*stagePeer) {
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStats(peers)
		}
	}
}

func printStats(peers []*stagePeer) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Local", "Remote", "Role", "Negotiation", "ICE", "RTT", "Jitter", "Packets", "Lost"})
	for _, p := range peers {
		for _, session := range p.stage.Sessions() {
			summary := session.Stats()
			received := p.listener.receiveStats(session.RemoteID())
			table.Append([]string{
				string(p.identity),
				string(session.RemoteID()),
				session.Role().String(),
				session.State().String(),
				session.ICEConnectionState().String(),
				formatSeconds(summary.RoundTripTime),
				formatSeconds(summary.Jitter),
				fmt.Sprintf("%d", received.packets),
				fmt.Sprintf("%d", received.lost),
			})
		}
	}
	table.Render()

	stats := prometheus.GetStageStats()
	fmt.Printf("sessions: %d, glare ignored: %d, yielded: %d, ice restarts: %d, signals dropped: %d\n",
		stats.SessionsCurrent, stats.GlareIgnored, stats.GlareYielded, stats.ICERestarts, stats.SignalsDropped)
	if load, err := prometheus.GetNodeLoad(); err == nil {
		fmt.Printf("cpu: %.2f (%d cores), memory: %.2f, load: %.2f\n", load.CPULoad, load.NumCPUs, load.MemoryLoad, load.LoadAvg1)
	}
}

func formatSeconds(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1fms", *v*1000)
}
