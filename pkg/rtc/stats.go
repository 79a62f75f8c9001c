package rtc

import (
	"encoding/json"
	"sort"

	"github.com/pion/webrtc/v3"

	"github.com/livekit/livekit-stage/pkg/rtc/types"
)

// RawStatsReport is the keyed view of a stats report: stats id to its fields, named as serialized by the transport.
type RawStatsReport map[string]map[string]interface{}

func RawStatsFromReport(report webrtc.StatsReport) RawStatsReport {
	raw := RawStatsReport{}
	if len(report) == 0 {
		return raw
	}

	data, err := json.Marshal(report)
	if err != nil {
		return raw
	}
	_ = json.Unmarshal(data, &raw)
	return raw
}

// AggregateStats derives a summary from a raw report. Metrics missing from the report are left nil.
func AggregateStats(report RawStatsReport) types.StatsSummary {
	ids := make([]string, 0, len(report))
	for id := range report {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		pairRTT         *float64
		remoteRTT       *float64
		jitterSum       float64
		jitterCount     int
		bufferDelaySum  float64
		bufferDelayRows int
	)
	for _, id := range ids {
		entry := report[id]
		switch statsType(entry) {
		case "candidate-pair":
			if pairRTT != nil || !isSelectedPair(entry) {
				continue
			}
			if v, ok := numberField(entry, "currentRoundTripTime"); ok {
				pairRTT = &v
			}

		case "remote-inbound-rtp":
			if remoteRTT != nil {
				continue
			}
			if v, ok := numberField(entry, "roundTripTime"); ok {
				remoteRTT = &v
			}

		case "inbound-rtp":
			if v, ok := numberField(entry, "jitter"); ok {
				jitterSum += v
				jitterCount++
			}
			if delay, ok := numberField(entry, "jitterBufferDelay"); ok {
				if emitted, ok := numberField(entry, "jitterBufferEmittedCount"); ok && emitted > 0 {
					delay /= emitted
				}
				bufferDelaySum += delay
				bufferDelayRows++
			}
		}
	}

	summary := types.StatsSummary{}
	if pairRTT != nil {
		summary.RoundTripTime = pairRTT
	} else {
		summary.RoundTripTime = remoteRTT
	}
	if jitterCount != 0 {
		jitter := jitterSum / float64(jitterCount)
		summary.Jitter = &jitter
	}
	if bufferDelayRows != 0 {
		delay := bufferDelaySum / float64(bufferDelayRows)
		summary.JitterBufferDelay = &delay
	}
	return summary
}

func statsType(entry map[string]interface{}) string {
	t, _ := entry["type"].(string)
	return t
}

func isSelectedPair(entry map[string]interface{}) bool {
	if nominated, ok := entry["nominated"].(bool); ok && nominated {
		return true
	}
	state, _ := entry["state"].(string)
	return state == "succeeded"
}

func numberField(entry map[string]interface{}, key string) (float64, bool) {
	switch v := entry[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}
