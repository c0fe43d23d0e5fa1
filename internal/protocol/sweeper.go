package protocol

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inkvault/inkvault/internal/metrics"
	"github.com/inkvault/inkvault/internal/quota"
	"github.com/inkvault/inkvault/internal/signer"
	"github.com/inkvault/inkvault/internal/upload"
	"github.com/inkvault/inkvault/internal/vfs"
)

// Sweeper runs the periodic housekeeping pass: expiring idle upload
// sessions, reaping stale nonces, purging recycle entries past retention and
// reconciling quota accounting. Every step tolerates failure; a broken pass
// is logged and retried on the next tick.
type Sweeper struct {
	tree      *vfs.VFS
	uploads   *upload.Manager
	nonces    *signer.NonceRegistry
	quotas    *quota.Tracker
	events    EventSink
	retention time.Duration
	interval  time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewSweeper wires a sweeper. retention is how long recycled content
// survives before permanent removal; interval is the pass cadence. A nil
// events sink falls back to the structured log.
func NewSweeper(tree *vfs.VFS, uploads *upload.Manager, nonces *signer.NonceRegistry, quotas *quota.Tracker, events EventSink, retention, interval time.Duration) *Sweeper {
	if events == nil {
		events = LogSink{}
	}
	return &Sweeper{
		tree:      tree,
		uploads:   uploads,
		nonces:    nonces,
		quotas:    quotas,
		events:    events,
		retention: retention,
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the background loop.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(context.Background())
			case <-s.stop:
				return
			}
		}
	}()
	log.Info().Dur("interval", s.interval).Dur("retention", s.retention).
		Msg("Started background sweeper")
}

// Stop shuts the loop down and waits for the current pass to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// RunOnce executes one housekeeping pass.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if n := s.uploads.Sweep(ctx); n > 0 {
		log.Info().Int("sessions", n).Msg("Expired idle upload sessions")
	}

	if n, err := s.nonces.Sweep(ctx); err != nil {
		log.Warn().Err(err).Msg("Nonce sweep failed")
	} else if n > 0 {
		if m := metrics.Get(); m != nil {
			m.NoncesSwept.Add(float64(n))
		}
		log.Debug().Int64("nonces", n).Msg("Reaped expired nonces")
	}

	// Zero retention means recycled content is kept until purged by hand.
	if s.retention > 0 {
		cutoff := time.Now().Add(-s.retention)
		purged, err := s.tree.PurgeExpired(ctx, cutoff)
		if err != nil {
			log.Warn().Err(err).Msg("Recycle retention purge failed")
		}
		for userID, files := range purged {
			for _, f := range files {
				s.events.NoteDeleted(ctx, NoteDeletedEvent{UserID: userID, FileID: f.NodeID})
			}
			if m := metrics.Get(); m != nil {
				m.RecyclePurged.Add(float64(len(files)))
			}
		}
	}

	drifts, err := s.quotas.Reconcile(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Quota reconciliation failed")
	}
	if m := metrics.Get(); m != nil {
		m.QuotaDrift.Add(float64(len(drifts)))
		m.UploadSessions.Set(float64(s.uploads.Active()))
	}
}
