package provisioner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apeirography/comfy-bootstrap/internal/comfy"
	"github.com/apeirography/comfy-bootstrap/internal/domain/provision"
	"github.com/apeirography/comfy-bootstrap/internal/logger"
)

const (
	// DefaultDowntimeWindow bounds how long downtime detection waits after the trigger.
	DefaultDowntimeWindow = 2 * time.Minute

	// DefaultRestartTimeout bounds how long the application may take to come back.
	DefaultRestartTimeout = 14 * time.Minute

	// DefaultSettleDelay is the extra wait after the application reports
	// healthy; the manager needs a moment before accepting installs again.
	DefaultSettleDelay = 30 * time.Second

	// downtimeProbeInitial is the first delay between downtime probes.
	downtimeProbeInitial = 1200 * time.Millisecond

	// downtimeProbeMax caps the delay between downtime probes.
	downtimeProbeMax = 4 * time.Second

	// downtimeProbeFactor grows the delay between downtime probes.
	downtimeProbeFactor = 1.4
)

var (
	// ErrRestartFailed is returned when the restart trigger is refused.
	ErrRestartFailed = errors.New("application restart failed")
	// ErrRestartTimeout is returned when the application never comes back healthy.
	ErrRestartTimeout = errors.New("application did not come back after restart")
)

// restartCoordinator drives one restart cycle through its state machine:
// Requested → Restarting → Ready, or → Failed on trigger error or timeout.
type restartCoordinator struct {
	// client talks to the workload's management API.
	client *comfy.Client
	// phase is the current state machine position.
	phase provision.RestartPhase
	// downtimeWindow bounds downtime detection after the trigger.
	downtimeWindow time.Duration
	// restartTimeout bounds the wait for the application to come back.
	restartTimeout time.Duration
	// settleDelay is the extra wait after the application reports healthy.
	settleDelay time.Duration
}

// newRestartCoordinator builds a coordinator with default windows.
func newRestartCoordinator(client *comfy.Client) *restartCoordinator {
	return &restartCoordinator{
		client:         client,
		phase:          provision.RestartRequested,
		downtimeWindow: DefaultDowntimeWindow,
		restartTimeout: DefaultRestartTimeout,
		settleDelay:    DefaultSettleDelay,
	}
}

// Phase returns the coordinator's current state machine position.
func (r *restartCoordinator) Phase() provision.RestartPhase {
	return r.phase
}

// Run executes one restart cycle. The trigger is issued exactly once; a
// refused trigger or a readiness timeout is fatal to the remaining
// non-whitelisted installs, so the error is terminal.
func (r *restartCoordinator) Run(ctx context.Context) error {
	r.phase = provision.RestartRequested

	logger.Info(ctx, "Requesting application restart")

	if err := r.client.Reboot(ctx); err != nil {
		r.phase = provision.RestartFailed
		return fmt.Errorf("%w: %w", ErrRestartFailed, err)
	}

	r.phase = provision.Restarting

	r.observeDowntime(ctx)

	logger.Info(ctx, "Waiting for the application to come back healthy")

	if err := r.client.WaitReady(ctx, 0, r.restartTimeout); err != nil {
		r.phase = provision.RestartFailed

		// An operator cancel is not a restart timeout.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return fmt.Errorf("%w: %w", ErrRestartTimeout, err)
	}

	if r.settleDelay > 0 {
		logger.Infof(ctx, "Application healthy, settling for %s before continuing", r.settleDelay)

		if err := r.sleep(ctx, r.settleDelay); err != nil {
			r.phase = provision.RestartFailed
			return err
		}
	}

	r.phase = provision.RestartReady

	logger.Info(ctx, "Restart cycle complete")

	return nil
}

// observeDowntime waits until the health probe fails at least once, proving
// the restart actually cycled the application. Some proxies never surface the
// gap, so absence of downtime is logged but not fatal.
func (r *restartCoordinator) observeDowntime(ctx context.Context) {
	logger.Info(ctx, "Waiting to observe restart downtime")

	deadline := time.Now().Add(r.downtimeWindow)
	probe := downtimeProbeInitial

	for time.Now().Before(deadline) {
		code, err := r.client.Health(ctx)
		if err != nil || code != http.StatusOK {
			logger.InfoKV(ctx, "Downtime observed", "status", code)
			return
		}

		if err := r.sleep(ctx, probe); err != nil {
			return
		}

		probe = time.Duration(float64(probe) * downtimeProbeFactor)
		if probe > downtimeProbeMax {
			probe = downtimeProbeMax
		}
	}

	logger.Warn(ctx, "No explicit downtime observed, continuing to readiness wait")
}

// sleep waits for the given duration or until the context is done.
func (r *restartCoordinator) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
