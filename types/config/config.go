package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/kairos-io/kairos-disk/constants"
	"github.com/kairos-io/kairos-disk/metrics"
	"github.com/kairos-io/kairos-disk/types"
	"github.com/kairos-io/kairos-disk/types/http"
	"github.com/kairos-io/kairos-disk/utils"
	"github.com/twpayne/go-vfs/v4"
	"gopkg.in/yaml.v3"
	mountUtils "k8s.io/mount-utils"
)

// The Config struct carries both the tunables read from the configuration files and the
// collaborators (logger, runner, fs...) so every component gets them from a single place
// and tests can swap any of them.

type DiskUtils struct {
	EfiSystemPartitionSize    int               `yaml:"efi_system_partition_size,omitempty" json:"efi_system_partition_size,omitempty"`
	DDBlockSize               string            `yaml:"dd_block_size,omitempty" json:"dd_block_size,omitempty"`
	BlockDeviceVerifyAttempts int               `yaml:"block_device_verify_attempts,omitempty" json:"block_device_verify_attempts,omitempty"`
	MkfsOptions               map[string]string `yaml:"mkfs_options,omitempty" json:"mkfs_options,omitempty"`
}

type DiskPartitioner struct {
	CheckDeviceInterval   time.Duration `yaml:"check_device_interval,omitempty" json:"check_device_interval,omitempty"`
	CheckDeviceMaxRetries int           `yaml:"check_device_max_retries,omitempty" json:"check_device_max_retries,omitempty"`
	Alignment             string        `yaml:"alignment,omitempty" json:"alignment,omitempty"`
	// LeadInMiB is where the first partition starts. Zero is honored, so it is a pointer.
	LeadInMiB    *int `yaml:"lead_in_mib,omitempty" json:"lead_in_mib,omitempty"`
	VerifyLayout bool `yaml:"verify_layout,omitempty" json:"verify_layout,omitempty"`
	// VerifyWith picks how the table is read back: parted or diskfs
	VerifyWith string `yaml:"verify_with,omitempty" json:"verify_with,omitempty"`
}

type Exec struct {
	RootHelper string `yaml:"root_helper,omitempty" json:"root_helper,omitempty"`
}

type Config struct {
	DiskUtils       DiskUtils            `yaml:"disk_utils,omitempty"`
	DiskPartitioner DiskPartitioner      `yaml:"disk_partitioner,omitempty"`
	Exec            Exec                 `yaml:"exec,omitempty"`
	MetricsConfig   metrics.Config       `yaml:"metrics,omitempty"`
	TempDir         string               `yaml:"tempdir,omitempty"`
	LogLevel        string               `yaml:"log_level,omitempty"`
	Logger          types.KairosLogger   `yaml:"-"`
	Fs              types.KairosFS       `yaml:"-"`
	Runner          types.Runner         `yaml:"-"`
	Mounter         mountUtils.Interface `yaml:"-"`
	Client          http.Client          `yaml:"-"`
	Metrics         metrics.Metrics      `yaml:"-"`
	Sleeper         types.Sleeper        `yaml:"-"`
	// NodeID identifies this machine in logs and metric names
	NodeID string `yaml:"-"`

	loggerSet bool
}

type GenericOptions func(a *Config)

func WithLogger(logger types.KairosLogger) func(r *Config) {
	return func(r *Config) {
		r.Logger = logger
		r.loggerSet = true
	}
}

func WithFs(fs types.KairosFS) func(r *Config) {
	return func(r *Config) {
		r.Fs = fs
	}
}

func WithRunner(runner types.Runner) func(r *Config) {
	return func(r *Config) {
		r.Runner = runner
	}
}

func WithMounter(mounter mountUtils.Interface) func(r *Config) {
	return func(r *Config) {
		r.Mounter = mounter
	}
}

func WithClient(client http.Client) func(r *Config) {
	return func(r *Config) {
		r.Client = client
	}
}

func WithMetrics(m metrics.Metrics) func(r *Config) {
	return func(r *Config) {
		r.Metrics = m
	}
}

func WithSleeper(s types.Sleeper) func(r *Config) {
	return func(r *Config) {
		r.Sleeper = s
	}
}

func WithNodeID(id string) func(r *Config) {
	return func(r *Config) {
		r.NodeID = id
	}
}

// NewConfig returns a config with the default tunables and the given collaborators.
// Collaborators left unset are built by Complete.
func NewConfig(opts ...GenericOptions) *Config {
	leadIn := constants.LeadInMiB
	c := &Config{
		DiskUtils: DiskUtils{
			EfiSystemPartitionSize:    constants.EfiSystemPartitionSize,
			DDBlockSize:               constants.DDBlockSize,
			BlockDeviceVerifyAttempts: constants.BlockDeviceVerifyAttempts,
			MkfsOptions:               map[string]string{},
		},
		DiskPartitioner: DiskPartitioner{
			CheckDeviceInterval:   constants.CheckDeviceInterval,
			CheckDeviceMaxRetries: constants.CheckDeviceMaxRetries,
			Alignment:             constants.PartedAlignment,
			LeadInMiB:             &leadIn,
			VerifyWith:            constants.VerifyWithParted,
		},
		MetricsConfig: metrics.DefaultConfig(),
		TempDir:       os.TempDir(),
		LogLevel:      constants.DefaultLogLevel,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Load overlays the given yaml files, in order, on top of the current values
func (c *Config) Load(files ...string) error {
	fs := c.Fs
	if fs == nil {
		fs = vfs.OSFS
	}
	for _, f := range files {
		data, err := fs.ReadFile(f)
		if err != nil {
			return fmt.Errorf("reading config file %s: %w", f, err)
		}
		if err = yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing config file %s: %w", f, err)
		}
	}
	return nil
}

// LoadEnvFile loads a dotenv file into the environment and applies the env overrides
func (c *Config) LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	c.ApplyEnv()
	return nil
}

// ApplyEnv overrides values with the KAIROS_DISK_* environment variables, if set
func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv(constants.EnvPrefix + "_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv(constants.EnvPrefix + "_ROOT_HELPER"); ok {
		c.Exec.RootHelper = v
	}
	if v, ok := os.LookupEnv(constants.EnvPrefix + "_TEMPDIR"); ok && v != "" {
		c.TempDir = v
	}
}

// LeadIn returns the configured start of the first partition in MiB
func (c *Config) LeadIn() int {
	if c.DiskPartitioner.LeadInMiB == nil {
		return constants.LeadInMiB
	}
	return *c.DiskPartitioner.LeadInMiB
}

// Validate reports every invalid tunable at once
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.DiskUtils.EfiSystemPartitionSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("disk_utils.efi_system_partition_size must be positive, got %d", c.DiskUtils.EfiSystemPartitionSize))
	}
	if c.DiskUtils.DDBlockSize == "" {
		result = multierror.Append(result, fmt.Errorf("disk_utils.dd_block_size can not be empty"))
	}
	if c.DiskUtils.BlockDeviceVerifyAttempts < 1 {
		result = multierror.Append(result, fmt.Errorf("disk_utils.block_device_verify_attempts must be at least 1, got %d", c.DiskUtils.BlockDeviceVerifyAttempts))
	}
	if c.DiskPartitioner.CheckDeviceInterval < 0 {
		result = multierror.Append(result, fmt.Errorf("disk_partitioner.check_device_interval can not be negative"))
	}
	if c.DiskPartitioner.CheckDeviceMaxRetries < 1 {
		result = multierror.Append(result, fmt.Errorf("disk_partitioner.check_device_max_retries must be at least 1, got %d", c.DiskPartitioner.CheckDeviceMaxRetries))
	}
	switch c.DiskPartitioner.Alignment {
	case "none", "cylinder", "minimal", "optimal":
	default:
		result = multierror.Append(result, fmt.Errorf("disk_partitioner.alignment must be one of none, cylinder, minimal or optimal, got %q", c.DiskPartitioner.Alignment))
	}
	switch c.DiskPartitioner.VerifyWith {
	case constants.VerifyWithParted, constants.VerifyWithDiskfs:
	default:
		result = multierror.Append(result, fmt.Errorf("disk_partitioner.verify_with must be %s or %s, got %q", constants.VerifyWithParted, constants.VerifyWithDiskfs, c.DiskPartitioner.VerifyWith))
	}
	if c.LeadIn() < 0 {
		result = multierror.Append(result, fmt.Errorf("disk_partitioner.lead_in_mib can not be negative"))
	}
	switch c.MetricsConfig.Backend {
	case "", metrics.Noop, metrics.Statsd, metrics.Otel:
	default:
		result = multierror.Append(result, fmt.Errorf("metrics.backend %q is not supported", c.MetricsConfig.Backend))
	}
	return result.ErrorOrNil()
}

// Complete validates the config and builds every collaborator that was not injected
func (c *Config) Complete() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if !c.loggerSet {
		c.Logger = types.NewKairosLogger(constants.LogName, c.LogLevel, false)
		c.loggerSet = true
	}
	if c.Fs == nil {
		c.Fs = vfs.OSFS
	}
	if c.Runner == nil {
		r, err := utils.NewExecRunner(c.Logger, c.Exec.RootHelper)
		if err != nil {
			return fmt.Errorf("parsing exec.root_helper: %w", err)
		}
		c.Runner = r
	}
	if c.Mounter == nil {
		c.Mounter = mountUtils.New("")
	}
	if c.Client == nil {
		c.Client = http.NewClient(c.Logger, 3, 5*time.Minute)
	}
	if c.Sleeper == nil {
		c.Sleeper = types.RealSleeper{}
	}
	if c.NodeID == "" {
		c.NodeID = DefaultNodeID()
	}
	if c.Metrics == nil {
		host, _ := os.Hostname()
		m, err := metrics.NewMetrics(c.MetricsConfig, host, c.NodeID, c.Logger)
		if err != nil {
			return err
		}
		c.Metrics = m
	}
	return nil
}

// Close flushes the metrics backend and releases the log file. Failures are only logged.
func (c *Config) Close() {
	if c.Metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Metrics.Close(ctx); err != nil {
			c.Logger.Warnf("Failed to flush metrics: %s", err)
		}
	}
	c.Logger.Cleanup()
}

// DefaultNodeID returns an app specific id derived from the machine id, or a random one
// when the machine has none.
func DefaultNodeID() string {
	if id, err := machineid.ProtectedID(constants.LogName); err == nil && id != "" {
		return id
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "unknown"
	}
	return id.String()
}

func (c Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		// plain drops the String method so %+v does not recurse
		type plain Config
		return fmt.Sprintf("%+v", plain(c))
	}
	return string(out)
}
