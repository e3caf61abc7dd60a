package server

import (
	"context"
	"log/slog"
	"sort"

	"github.com/guildseer/guildseer/bot"
)

// Report implements the status surface shared by the !status command and the
// ops endpoint: queue load, pipeline liveness and per-server index sizes.
func (s *Server) Report(ctx context.Context) bot.StatusReport {
	report := bot.StatusReport{
		QueueDepth:    s.queue.Depth(),
		Inflight:      s.queue.Inflight(),
		PipelineAlive: s.alive.Load(),
	}

	names := make(map[string]string)
	if servers, err := s.client.ListServers(ctx); err == nil {
		for _, sv := range servers {
			names[sv.ID] = sv.Name
		}
	} else {
		slog.Warn("server list unavailable for status", "error", err)
	}

	for _, id := range s.store.ConfiguredServerIDs() {
		status := bot.ServerStatus{ServerID: id, Name: names[id]}
		stat, err := s.vectors.Stat(ctx, id)
		switch {
		case err != nil:
			slog.Warn("collection stat failed", "server_id", id, "error", err)
		case stat.Exists:
			status.Records = stat.Count
		}
		report.Servers = append(report.Servers, status)
	}
	sort.Slice(report.Servers, func(i, j int) bool {
		if report.Servers[i].Name != report.Servers[j].Name {
			return report.Servers[i].Name < report.Servers[j].Name
		}
		return report.Servers[i].ServerID < report.Servers[j].ServerID
	})
	return report
}
