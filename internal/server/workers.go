package server

import (
	"context"
	"log"
	"time"

	"github.com/selfclaw/selfclaw/internal/auth"
)

// StartWorkers launches the background maintenance loops. They stop when ctx
// is cancelled.
func (s *Server) StartWorkers(ctx context.Context) {
	go s.pruneLoop(ctx)
}

// pruneLoop drops nonces past the freshness window, deletes long-dead
// sessions, and bounds the rate limiter's memory. Expiry semantics do not
// depend on it; it only reclaims space.
func (s *Server) pruneLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
			if n, err := s.db.PruneNonces(time.Now().Add(-auth.TimestampWindow)); err != nil {
				log.Printf("[worker] prune nonces: %v", err)
			} else if n > 0 {
				log.Printf("[worker] pruned %d stale nonces", n)
			}

			// Keep terminal sessions around for a day for debugging.
			cutoff := time.Now().Add(-24 * time.Hour).Unix()
			if n, err := s.db.DeleteDeadSessions(cutoff); err != nil {
				log.Printf("[worker] prune sessions: %v", err)
			} else if n > 0 {
				log.Printf("[worker] pruned %d dead sessions", n)
			}

			s.limiter.Prune()
		}
	}
}
