package docker

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/backportd/backportd/internal/common/config"
	"github.com/backportd/backportd/internal/common/logger"
)

const defaultReapInterval = 60 * time.Second

// Reaper sweeps expired sandbox containers, including ones leaked by a
// previous process that crashed before Release ran. Expiry is read from
// container labels so no local state survives a restart.
type Reaper struct {
	client   *Client
	interval time.Duration
	logger   *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReaper builds a reaper over a shared Docker client.
func NewReaper(client *Client, cfg config.SandboxConfig, logr *logger.Logger) *Reaper {
	interval := defaultReapInterval
	if cfg.ReapInterval > 0 {
		interval = time.Duration(cfg.ReapInterval) * time.Second
	}
	return &Reaper{
		client:   client,
		interval: interval,
		logger:   logr.WithFields(zap.String("component", "sandbox-reaper")),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop. An immediate first sweep reclaims
// leftovers from a crashed predecessor before new jobs are admitted.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Sandbox reaper started", zap.Duration("interval", r.interval))
	r.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Sandbox reaper stopping, context cancelled")
			return
		case <-r.stopCh:
			r.logger.Info("Sandbox reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	containers, err := r.client.ListContainers(ctx, map[string]string{labelManaged: "true"})
	if err != nil {
		r.logger.Warn("Sandbox sweep failed to list containers", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	reaped := 0
	for _, ctr := range containers {
		expiresAt, err := time.Parse(time.RFC3339, ctr.Labels[labelExpiresAt])
		if err != nil {
			// Unparseable expiry means the label set is damaged; treat the
			// sandbox as expired rather than keeping it forever.
			r.logger.Warn("Sandbox has invalid expiry label",
				zap.String("container_id", ctr.ID),
				zap.String("expires_at", ctr.Labels[labelExpiresAt]))
			expiresAt = now.Add(-time.Second)
		}
		if now.Before(expiresAt) {
			continue
		}

		if ctr.State == "running" {
			_ = r.client.StopContainer(ctx, ctr.ID, 5*time.Second)
		}
		if err := r.client.RemoveContainer(ctx, ctr.ID, true); err != nil {
			r.logger.Warn("Failed to reap sandbox",
				zap.String("container_id", ctr.ID),
				zap.Error(err))
			continue
		}
		if workspace := ctr.Labels[labelWorkspace]; workspace != "" {
			if err := os.RemoveAll(workspace); err != nil {
				r.logger.Warn("Failed to remove reaped workspace",
					zap.String("workspace", workspace),
					zap.Error(err))
			}
		}

		reaped++
		r.logger.Info("Reaped expired sandbox",
			zap.String("container_id", ctr.ID),
			zap.String("job_id", ctr.Labels[labelJobID]),
			zap.Time("expired_at", expiresAt))
	}

	if reaped > 0 {
		r.logger.Info("Sandbox sweep complete", zap.Int("reaped", reaped))
	}
}
