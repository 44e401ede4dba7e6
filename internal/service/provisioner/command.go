package provisioner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apeirography/comfy-bootstrap/internal/comfy"
	"github.com/apeirography/comfy-bootstrap/internal/comput3"
	"github.com/apeirography/comfy-bootstrap/internal/config"
	"github.com/apeirography/comfy-bootstrap/internal/domain/provision"
	"github.com/apeirography/comfy-bootstrap/internal/logger"
)

const (
	// DefaultBootDelay is the pause before the first readiness probe of a
	// freshly launched workload; the container needs time to come up at all.
	DefaultBootDelay = 20 * time.Second

	// DefaultReadyTimeout bounds the wait for a launched workload to
	// become reachable and warmed up.
	DefaultReadyTimeout = 10 * time.Minute
)

// Options carries all the provisioning run's parameters.
type Options struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
	// APIKey overrides the configured provisioning API key when set.
	APIKey string
	// WorkloadType overrides the configured workload type when set.
	WorkloadType string
	// WorkloadHours overrides the configured workload lifetime when positive.
	WorkloadHours float64
	// BootDelay is the pause before the first readiness probe.
	// Zero means DefaultBootDelay.
	BootDelay time.Duration
	// ReadyTimeout bounds the post-launch readiness wait.
	// Zero means DefaultReadyTimeout.
	ReadyTimeout time.Duration
	// DowntimeWindow overrides the restart downtime-detection window when positive.
	DowntimeWindow time.Duration
	// RestartTimeout overrides the restart readiness timeout when positive.
	RestartTimeout time.Duration
	// SettleDelay overrides the post-restart settle delay when positive.
	// Negative disables the settle entirely; zero means the default.
	SettleDelay time.Duration
	// Comput3Options tune the provisioning API client.
	Comput3Options []comput3.Option
	// ComfyOptions tune the workload management client.
	ComfyOptions []comfy.Option
	// Out receives the end-of-run summary. Nil means standard output.
	Out io.Writer
}

// Run executes one full provisioning cycle: launch a workload, install the
// whitelisted and GitHub-listed items, restart the application, then install
// the non-whitelisted direct-URL models.
//
// Per-item install failures are recorded in the summary and do not fail the
// run. Only launch, the baseline plugin and the restart cycle are fatal.
func Run(ctx context.Context, opts *Options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	report := &RunReport{}
	out := opts.Out

	if out == nil {
		out = os.Stdout
	}

	client, err := launchWorkload(ctx, cfg, opts)
	if err != nil {
		return err
	}

	inst := &installer{client: client, report: report}
	directs := directRequests(cfg.DirectModels)

	inst.InstallWhitelistedNodes(ctx, catalogRequests(provision.KindNode, cfg.NodeQueries))

	if err := inst.InstallBaselineNode(ctx); err != nil {
		report.Print(out)
		return err
	}

	inst.InstallGitHubNodes(ctx, gitRequests(cfg.GitHubNodes))
	inst.InstallWhitelistedModels(ctx, catalogRequests(provision.KindModel, cfg.ModelQueries))

	coordinator := newRestartCoordinator(client)
	applyRestartTuning(coordinator, opts)

	if err := coordinator.Run(ctx); err != nil {
		inst.SkipDirectModels(directs, "restart cycle failed")
		report.Print(out)

		return err
	}

	if coordinator.Phase() == provision.RestartReady {
		inst.InstallDirectModels(ctx, directs)
	}

	report.Print(out)

	if report.HasFailures() {
		logger.Warn(ctx, "Provisioning finished with per-item failures, see the summary above")
	} else {
		logger.Info(ctx, "Provisioning finished successfully")
	}

	return nil
}

// loadConfig loads and validates the configuration, then applies
// command-line overrides.
func loadConfig(opts *Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if opts.APIKey != "" {
		cfg.APIKey = opts.APIKey
	}

	if opts.WorkloadType != "" {
		cfg.WorkloadType = opts.WorkloadType
	}

	if opts.WorkloadHours > 0 {
		cfg.WorkloadHours = opts.WorkloadHours
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// launchWorkload starts a workload and waits for its management API to
// become reachable, returning a client bound to it.
func launchWorkload(ctx context.Context, cfg *config.Config, opts *Options) (*comfy.Client, error) {
	c3Opts := make([]comput3.Option, 0, len(opts.Comput3Options)+3)
	c3Opts = append(c3Opts, comput3.WithCallTimeout(cfg.Timeout))

	if cfg.APIBase != "" {
		c3Opts = append(c3Opts, comput3.WithBaseURL(cfg.APIBase))
	}

	if cfg.EndpointOverride != "" {
		c3Opts = append(c3Opts, comput3.WithEndpointOverride(cfg.EndpointOverride))
	}

	c3Opts = append(c3Opts, opts.Comput3Options...)

	launcher, err := comput3.NewClient(cfg.APIKey, c3Opts...)
	if err != nil {
		return nil, err
	}

	lifetime := time.Duration(cfg.WorkloadHours * float64(time.Hour))

	logger.InfoKV(ctx, "Launching workload", "type", cfg.WorkloadType, "lifetime", lifetime)

	handle, err := launcher.Launch(ctx, cfg.WorkloadType, lifetime)
	if err != nil {
		return nil, fmt.Errorf("failed to launch workload: %w", err)
	}

	logger.InfoKV(ctx, "Workload launched", "node", handle.Node, "workload", handle.Workload, "root", handle.Root)

	client, err := comfy.NewClient(handle, cfg.APIKey, opts.ComfyOptions...)
	if err != nil {
		return nil, err
	}

	bootDelay := opts.BootDelay
	if bootDelay == 0 {
		bootDelay = DefaultBootDelay
	}

	readyTimeout := opts.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = DefaultReadyTimeout
	}

	if err := client.WaitReady(ctx, bootDelay, readyTimeout); err != nil {
		if errors.Is(err, comfy.ErrReadyTimeout) {
			return nil, fmt.Errorf("%w: %w", comput3.ErrLaunchTimeout, err)
		}

		return nil, err
	}

	return client, nil
}

// applyRestartTuning overrides the coordinator's windows from the options.
func applyRestartTuning(coordinator *restartCoordinator, opts *Options) {
	if opts.DowntimeWindow > 0 {
		coordinator.downtimeWindow = opts.DowntimeWindow
	}

	if opts.RestartTimeout > 0 {
		coordinator.restartTimeout = opts.RestartTimeout
	}

	switch {
	case opts.SettleDelay > 0:
		coordinator.settleDelay = opts.SettleDelay
	case opts.SettleDelay < 0:
		coordinator.settleDelay = 0
	}
}
