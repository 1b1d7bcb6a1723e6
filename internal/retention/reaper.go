// Package retention purges idle sessions on a cron schedule. A purge
// removes the session's event log, checkpoints and metadata, freeing
// the tombstoned id for reuse.
package retention

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/statekit/pkg/checkpoint"
	"github.com/aixgo-dev/statekit/pkg/observability"
	"github.com/aixgo-dev/statekit/pkg/session"
)

// Reaper sweeps registered applications and purges sessions whose
// last activity is older than the idle threshold. Sessions holding an
// invocation lock are skipped and picked up on a later sweep.
type Reaper struct {
	manager session.Manager
	ckpt    *checkpoint.Checkpointer
	maxIdle time.Duration
	apps    []string

	cron  *cron.Cron
	entry cron.EntryID
}

// New creates a Reaper sweeping the given applications.
func New(manager session.Manager, ckpt *checkpoint.Checkpointer, maxIdle time.Duration, apps []string) *Reaper {
	return &Reaper{
		manager: manager,
		ckpt:    ckpt,
		maxIdle: maxIdle,
		apps:    apps,
		cron:    cron.New(),
	}
}

// Start schedules sweeps with a cron expression such as "@hourly".
func (r *Reaper) Start(schedule string) error {
	id, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if n, err := r.Sweep(ctx); err != nil {
			log.Printf("retention: sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("retention: purged %d idle sessions", n)
		}
	})
	if err != nil {
		return err
	}
	r.entry = id
	r.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep purges idle sessions across all registered applications in
// parallel and returns how many were purged.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	g, ctx := errgroup.WithContext(ctx)
	counts := make([]int, len(r.apps))
	for i, appID := range r.apps {
		g.Go(func() error {
			n, err := r.sweepApp(ctx, appID)
			counts[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

func (r *Reaper) sweepApp(ctx context.Context, appID string) (int, error) {
	cutoff := time.Now().Add(-r.maxIdle)
	summaries, err := r.manager.Expired(ctx, appID, cutoff)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, s := range summaries {
		// An in-flight invocation keeps the session alive regardless
		// of its timestamps.
		if r.manager.Locked(s.AppID, s.UserID, s.ID) {
			continue
		}
		if err := r.purge(ctx, s); err != nil {
			log.Printf("retention: purge %s/%s/%s: %v", s.AppID, s.UserID, s.ID, err)
			continue
		}
		observability.RecordReapedSession()
		purged++
	}
	return purged, nil
}

func (r *Reaper) purge(ctx context.Context, s *session.Summary) error {
	if invocationID, err := r.ckpt.Current(ctx, s.AppID, s.UserID, s.ID); err == nil {
		if err := r.ckpt.Drop(ctx, s.AppID, s.UserID, s.ID, invocationID); err != nil {
			return err
		}
		if err := r.ckpt.ClearCurrent(ctx, s.AppID, s.UserID, s.ID); err != nil {
			return err
		}
	}
	return r.manager.Purge(ctx, s.AppID, s.UserID, s.ID)
}
