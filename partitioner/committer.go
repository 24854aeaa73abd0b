package partitioner

import (
	"regexp"
	"strings"
	"time"

	"github.com/kairos-io/kairos-disk/metrics"
	"github.com/kairos-io/kairos-disk/types"
	"github.com/kairos-io/kairos-disk/types/config"
)

var fuserPidsRe = regexp.MustCompile(`((\d)+\s*)+`)

// LayoutVerifier checks a committed table against what ended up on the device
type LayoutVerifier interface {
	Verify(t Table, leadInMiB int) error
}

// Committer writes tables to their device
type Committer struct {
	runner     types.Runner
	logger     types.KairosLogger
	sleeper    types.Sleeper
	metrics    metrics.Metrics
	interval   time.Duration
	maxRetries int
	leadIn     int
	verifier   LayoutVerifier
}

type CommitterOption func(c *Committer)

// WithVerifier runs the given verifier once the device is released
func WithVerifier(v LayoutVerifier) CommitterOption {
	return func(c *Committer) { c.verifier = v }
}

// NewCommitter builds a committer out of a completed config
func NewCommitter(cfg *config.Config, opts ...CommitterOption) *Committer {
	c := &Committer{
		runner:     cfg.Runner,
		logger:     cfg.Logger,
		sleeper:    cfg.Sleeper,
		metrics:    cfg.Metrics,
		interval:   cfg.DiskPartitioner.CheckDeviceInterval,
		maxRetries: cfg.DiskPartitioner.CheckDeviceMaxRetries,
		leadIn:     cfg.LeadIn(),
	}
	if c.sleeper == nil {
		c.sleeper = types.RealSleeper{}
	}
	if c.metrics == nil {
		c.metrics = metrics.NewNoopMetrics()
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Commit writes the whole table with a single parted call and then waits until no process
// holds the device. Being unable to write the table or the device staying busy are
// deployment failures.
func (c *Committer) Commit(t Table) error {
	defer metrics.StartTimer(c.metrics, "disk_partitioner.commit")()
	c.logger.Debugf("Committing partitions to disk %s", t.Device())

	args := append([]string{"-a", t.Alignment(), "-s", t.Device(), "--", "unit", "MiB"}, t.Operations(c.leadIn)...)
	_, stderr, err := c.runner.Run("parted", args, types.AsRoot(), types.WithStandardLocale(), types.WithExitCodes(0))
	if err != nil {
		c.logger.Logger.Error().Err(err).Str("device", t.Device()).Str("stderr", stderr).Msg("Failed to write the partition table")
		return types.WrapDeployError(err, "Disk partitioning failed on device %s", t.Device())
	}

	if err = c.waitForDevice(t.Device()); err != nil {
		return err
	}

	if c.verifier != nil {
		if err = c.verifier.Verify(t, c.leadIn); err != nil {
			c.logger.Logger.Error().Err(err).Str("device", t.Device()).Msg("Partition table on disk does not match the plan")
			return types.WrapDeployError(err, "Disk partitioning failed on device %s", t.Device())
		}
	}
	return nil
}

// waitForDevice probes the device with fuser up to maxRetries times, sleeping the interval
// between probes. Probe failures are logged and count as an attempt, the loop never exits
// early on them.
func (c *Committer) waitForDevice(device string) error {
	var pids, fuserErr string
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if attempt > 1 {
			c.sleeper.Sleep(c.interval)
		}
		c.metrics.SendCounter("disk_partitioner.busy_probes", 1, 1)
		// fuser exits with 1 when nothing holds the device
		out, stderr, err := c.runner.Run("fuser", []string{device}, types.AsRoot(), types.WithExitCodes(0, 1))
		if err != nil {
			c.logger.Warnf("Failed to check the device %s with fuser: %s", device, err)
			if stderr != "" {
				fuserErr = stderr
			}
			continue
		}
		out, stderr = strings.TrimSpace(out), strings.TrimSpace(stderr)
		if out == "" && stderr == "" {
			c.logger.Debugf("Device %s is free after %d check(s)", device, attempt)
			return nil
		}
		if stderr != "" {
			fuserErr = stderr
		}
		if out != "" {
			// Some fuser versions print the device name before the pids
			if i := strings.LastIndex(out, ":"); i >= 0 {
				out = out[i+1:]
			}
			if m := fuserPidsRe.FindString(out); m != "" {
				pids = strings.TrimSpace(m)
			}
		}
		c.logger.Debugf("Device %s is busy, attempt %d of %d", device, attempt, c.maxRetries)
	}

	if pids != "" {
		c.logger.Logger.Error().Str("device", device).Str("pids", pids).Msg("Device still in use")
		return types.NewDeployError("Disk partitioning failed on device %s. Processes with the following PIDs are holding it: %s. Time out waiting for completion.", device, pids)
	}
	c.logger.Logger.Error().Str("device", device).Str("stderr", fuserErr).Msg("Device could not be checked")
	return types.NewDeployError("Disk partitioning failed on device %s. Fuser exited with \"%s\". Time out waiting for completion.", device, fuserErr)
}
