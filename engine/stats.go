package engine

import (
	"fmt"
	"math"
	"time"
)

type StatsSnapshot struct {
	Version        string         `json:"version"`
	Uptime         string         `json:"uptime"`
	UptimeSec      int64          `json:"uptimeSec"`
	Waiting        int            `json:"waiting"`
	Playing        int            `json:"playing"`
	ActiveMatches  int            `json:"activeMatches"`
	MatchesCreated int64          `json:"matchesCreated"`
	MatchesRemoved int64          `json:"matchesRemoved"`
	Connections    int            `json:"connections"`
	TickBatches    int64          `json:"tickBatches"`
	AvgTickMs      float64        `json:"avgTickMs"`
	MaxTickMs      float64        `json:"maxTickMs"`
	TotalBytesSent int64          `json:"totalBytesSent"`
	TotalBytesRecv int64          `json:"totalBytesRecv"`
	DroppedFrames  int64          `json:"droppedFrames"`
	Matches        []MatchSummary `json:"matches"`
}

type MatchSummary struct {
	ID      int64  `json:"id"`
	Player1 int64  `json:"player1"`
	Player2 int64  `json:"player2"`
	Tick    uint64 `json:"tick"`
	State   string `json:"state"`
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

func matchState(s Snapshot) string {
	switch {
	case s.Finished:
		return "finished"
	case s.Running:
		return "playing"
	default:
		return "created"
	}
}

// GetStats collects registry, scheduler and transport counters.
func (s *Server) GetStats() StatsSnapshot {
	uptime := time.Since(s.startTime)
	rs := s.Registry.Stats()
	batches, avgMs, maxMs := s.Scheduler.perf.stats()

	ids := s.Registry.ActiveIDs()
	matches := make([]MatchSummary, 0, len(ids))
	for _, id := range ids {
		m, ok := s.Registry.Get(id)
		if !ok {
			continue
		}
		snap := m.Snapshot()
		matches = append(matches, MatchSummary{
			ID:      id,
			Player1: snap.Snake1.PlayerID,
			Player2: snap.Snake2.PlayerID,
			Tick:    snap.Tick,
			State:   matchState(snap),
		})
	}

	return StatsSnapshot{
		Version:        Version,
		Uptime:         formatDuration(uptime),
		UptimeSec:      int64(uptime.Seconds()),
		Waiting:        rs.Waiting,
		Playing:        rs.Playing,
		ActiveMatches:  rs.ActiveMatches,
		MatchesCreated: rs.MatchesCreated,
		MatchesRemoved: rs.MatchesRemoved,
		Connections:    s.Hub.Connections(),
		TickBatches:    batches,
		AvgTickMs:      math.Round(avgMs*100) / 100,
		MaxTickMs:      math.Round(maxMs*100) / 100,
		TotalBytesSent: s.Hub.totalBytesSent.Load(),
		TotalBytesRecv: s.Hub.totalBytesRecv.Load(),
		DroppedFrames:  s.Hub.droppedFrames.Load(),
		Matches:        matches,
	}
}
