package server

import (
	"log/slog"

	"github.com/guildseer/guildseer/pipeline"
	"github.com/guildseer/guildseer/platform"
)

const (
	// liveBuffer absorbs gateway bursts between pipeline batches. Overflow
	// is dropped; the next resumable sync refetches anything lost.
	liveBuffer = 1024

	// liveDrainMax caps how many buffered messages one live batch carries.
	liveDrainMax = 100
)

// handleEvent fans gateway events out: DMs go to the command router, guild
// messages from configured servers queue for the pipeline, everything else
// is dropped. It runs on the gateway goroutine and must not block.
func (s *Server) handleEvent(msg platform.Message) {
	if msg.IsDM() {
		go s.router.HandleDM(s.runCtx, msg)
		return
	}
	if !s.store.IsConfigured(msg.ServerID) {
		slog.Warn("live message for unconfigured server dropped",
			"server_id", msg.ServerID, "channel_id", msg.ChannelID)
		return
	}
	select {
	case s.liveCh <- msg:
	default:
		slog.Warn("live buffer full, message dropped",
			"server_id", msg.ServerID, "message_id", msg.ID)
	}
}

// liveLoop feeds buffered gateway messages through the pipeline, coalescing
// whatever has accumulated into one batch. On stop it finishes the batch in
// flight and exits; unprocessed buffer entries are left for the next sync.
func (s *Server) liveLoop() {
	for {
		select {
		case <-s.liveStop:
			return
		case msg := <-s.liveCh:
			batch := append([]platform.Message{msg}, s.drainLive()...)
			done := make(chan pipeline.BatchResult, 1)
			s.pipe.Process(s.runCtx, batch, done)
			result := <-done
			if result.Err != nil {
				slog.Warn("live batch aborted",
					"batch_size", len(batch), "error", result.Err)
			}
		}
	}
}

func (s *Server) drainLive() []platform.Message {
	var more []platform.Message
	for len(more) < liveDrainMax-1 {
		select {
		case msg := <-s.liveCh:
			more = append(more, msg)
		default:
			return more
		}
	}
	return more
}
