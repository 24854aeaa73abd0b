// Package cli exposes the provisioner and the disk helpers as a command line tool.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/kairos-io/kairos-disk/constants"
	"github.com/kairos-io/kairos-disk/disk"
	"github.com/kairos-io/kairos-disk/ghw"
	"github.com/kairos-io/kairos-disk/inspect"
	"github.com/kairos-io/kairos-disk/partitioner"
	"github.com/kairos-io/kairos-disk/provision"
	"github.com/kairos-io/kairos-disk/schema"
	"github.com/kairos-io/kairos-disk/types/config"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var (
	configFlag *cli.StringSliceFlag = &cli.StringSliceFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "yaml config file, can be given several times and later files win",
		EnvVars: []string{constants.EnvPrefix + "_CONFIG"},
	}

	envFileFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "env-file",
		Usage: "dotenv file with " + constants.EnvPrefix + "_* overrides",
	}

	logLevelFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "log level (error, warn, info, debug, trace)",
	}

	requestFlag *cli.StringFlag = &cli.StringFlag{
		Name:    "request",
		Aliases: []string{"r"},
		Usage:   "provisioning request file, flags override its values",
	}

	deviceFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "device",
		Usage: "block device to provision (e.g. /dev/sda)",
	}

	rootFlag *cli.IntFlag = &cli.IntFlag{
		Name:  "root-mib",
		Usage: "size of the root partition in MiB",
	}

	swapFlag *cli.IntFlag = &cli.IntFlag{
		Name:  "swap-mib",
		Usage: "size of the swap partition in MiB",
	}

	ephemeralFlag *cli.IntFlag = &cli.IntFlag{
		Name:  "ephemeral-mib",
		Usage: "size of the ephemeral partition in MiB",
	}

	ephemeralFormatFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "ephemeral-format",
		Usage: "filesystem of the ephemeral partition",
	}

	imageFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "image",
		Usage: "OS image to write to the root partition",
	}

	preserveEphemeralFlag *cli.BoolFlag = &cli.BoolFlag{
		Name:  "preserve-ephemeral",
		Usage: "keep the partition table and the ephemeral data",
	}

	configDriveFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "configdrive",
		Usage: "base64 gzipped config drive or an URL serving it",
	}

	bootOptionFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "boot-option",
		Usage: "local or netboot",
	}

	bootModeFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "boot-mode",
		Usage: "bios or uefi",
	}

	nodeFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "node",
		Usage: "node identifier for logs and errors (e.g. the node uuid)",
	}

	queryFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "query",
		Usage: "jq expression to run over the result (e.g. '.\"root uuid\"')",
	}

	lockDirFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "lock-dir",
		Value: "/run/lock",
		Usage: "directory holding the per device lock files",
	}
)

// NewApp returns the application. The config options are applied before the config files
// are loaded, tests use them to inject fakes.
func NewApp(out io.Writer, opts ...config.GenericOptions) *cli.App {
	return &cli.App{
		Name:     constants.LogName,
		Usage:    "partition disks and write OS images onto them",
		Writer:   out,
		Flags:    []cli.Flag{configFlag, envFileFlag, logLevelFlag},
		Commands: commands(out, opts),
	}
}

// loadConfig builds the config out of the defaults, the config files, the env file and the
// environment, in that order, and completes it.
func loadConfig(cCtx *cli.Context, opts []config.GenericOptions) (*config.Config, error) {
	cfg := config.NewConfig(opts...)
	if err := cfg.Load(cCtx.StringSlice(configFlag.Name)...); err != nil {
		return nil, err
	}
	if f := cCtx.String(envFileFlag.Name); f != "" {
		if err := cfg.LoadEnvFile(f); err != nil {
			return nil, err
		}
	} else {
		cfg.ApplyEnv()
	}
	if l := cCtx.String(logLevelFlag.Name); l != "" {
		cfg.LogLevel = l
	}
	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func commands(out io.Writer, opts []config.GenericOptions) []*cli.Command {
	return []*cli.Command{
		{
			Name:  "provision",
			Usage: "partitions a device and writes an image on it",
			Flags: []cli.Flag{
				requestFlag, deviceFlag, rootFlag, swapFlag, ephemeralFlag, ephemeralFormatFlag,
				imageFlag, preserveEphemeralFlag, configDriveFlag, bootOptionFlag, bootModeFlag,
				nodeFlag, queryFlag, lockDirFlag,
			},
			Action: func(cCtx *cli.Context) error {
				cfg, err := loadConfig(cCtx, opts)
				if err != nil {
					return err
				}
				defer cfg.Close()
				req, err := requestFromFlags(cCtx, cfg)
				if err != nil {
					return err
				}

				unlock, err := lockDevice(cCtx.String(lockDirFlag.Name), req.Device)
				if err != nil {
					return err
				}
				defer unlock()

				p, err := provision.NewProvisioner(cfg)
				if err != nil {
					return err
				}
				uuids, err := p.WorkOnDisk(cCtx.Context, *req)
				if err != nil {
					return err
				}
				return printResult(out, uuids, cCtx.String(queryFlag.Name))
			},
		},
		{
			Name:      "partitions",
			Usage:     "lists the partitions of a device as parted sees them",
			ArgsUsage: "DEVICE",
			Action: func(cCtx *cli.Context) error {
				device, err := deviceArg(cCtx)
				if err != nil {
					return err
				}
				cfg, err := loadConfig(cCtx, opts)
				if err != nil {
					return err
				}
				defer cfg.Close()
				parts, err := partitioner.ListPartitions(cfg.Runner, cfg.Logger, device)
				if err != nil {
					return err
				}
				data := pterm.TableData{{"Number", "Start (MiB)", "End (MiB)", "Size (MiB)", "Filesystem", "Flags"}}
				for _, p := range parts {
					data = append(data, []string{strconv.Itoa(p.Number), strconv.Itoa(p.StartMiB), strconv.Itoa(p.EndMiB), strconv.Itoa(p.SizeMiB), p.Filesystem, p.Flags})
				}
				return renderTable(out, data)
			},
		},
		{
			Name:  "disks",
			Usage: "lists the block devices of the system",
			Action: func(cCtx *cli.Context) error {
				cfg, err := loadConfig(cCtx, opts)
				if err != nil {
					return err
				}
				defer cfg.Close()
				scanner := ghw.NewScanner(cfg.Fs, nil, cfg.Logger)
				data := pterm.TableData{{"Device", "Size (MiB)", "Partition", "Size (MiB)", "Filesystem", "Label", "Mountpoint"}}
				for _, d := range scanner.GetDisks() {
					data = append(data, []string{d.Path, strconv.Itoa(d.SizeMiB()), "", "", "", "", ""})
					for _, p := range d.Partitions {
						data = append(data, []string{"", "", p.Path, strconv.FormatUint(uint64(p.SizeMiB), 10), p.FS, p.FilesystemLabel, p.MountPoint})
					}
				}
				return renderTable(out, data)
			},
		},
		{
			Name:      "inspect",
			Usage:     "reads the partition table of a device or image file without external tools",
			ArgsUsage: "DEVICE",
			Action: func(cCtx *cli.Context) error {
				device, err := deviceArg(cCtx)
				if err != nil {
					return err
				}
				layout, err := inspect.ReadLayout(device)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %s partition table\n", layout.Device, layout.Label)
				data := pterm.TableData{{"Number", "Start (MiB)", "Size (MiB)", "Name", "UUID", "Bootable"}}
				for _, p := range layout.Partitions {
					data = append(data, []string{strconv.Itoa(p.Number), strconv.Itoa(p.StartMiB), strconv.Itoa(p.SizeMiB), p.Name, p.UUID, strconv.FormatBool(p.Bootable)})
				}
				return renderTable(out, data)
			},
		},
		{
			Name:      "disk-identifier",
			Usage:     "prints the MBR disk signature of a device",
			ArgsUsage: "DEVICE",
			Action: func(cCtx *cli.Context) error {
				device, err := deviceArg(cCtx)
				if err != nil {
					return err
				}
				cfg, err := loadConfig(cCtx, opts)
				if err != nil {
					return err
				}
				defer cfg.Close()
				id, err := disk.DiskIdentifier(cfg, device)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, id)
				return nil
			},
		},
		{
			Name:  "schema",
			Usage: "prints the JSON schema of provisioning request files",
			Action: func(cCtx *cli.Context) error {
				data, err := schema.RequestSchema()
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			},
		},
	}
}

func deviceArg(cCtx *cli.Context) (string, error) {
	if cCtx.NArg() != 1 {
		return "", fmt.Errorf("%s expects exactly one device argument", cCtx.Command.Name)
	}
	return cCtx.Args().First(), nil
}

// requestFromFlags loads the request file, if any, and applies the flags given explicitly
func requestFromFlags(cCtx *cli.Context, cfg *config.Config) (*provision.Request, error) {
	req := &provision.Request{}
	if f := cCtx.String(requestFlag.Name); f != "" {
		var err error
		if req, err = schema.LoadRequest(cfg.Fs, f); err != nil {
			return nil, err
		}
	}
	strs := map[string]*string{
		deviceFlag.Name:          &req.Device,
		ephemeralFormatFlag.Name: &req.EphemeralFormat,
		imageFlag.Name:           &req.ImagePath,
		configDriveFlag.Name:     &req.ConfigDrive,
		bootOptionFlag.Name:      &req.BootOption,
		bootModeFlag.Name:        &req.BootMode,
		nodeFlag.Name:            &req.Node,
	}
	for name, field := range strs {
		if cCtx.IsSet(name) {
			*field = cCtx.String(name)
		}
	}
	ints := map[string]*int{
		rootFlag.Name:      &req.RootMiB,
		swapFlag.Name:      &req.SwapMiB,
		ephemeralFlag.Name: &req.EphemeralMiB,
	}
	for name, field := range ints {
		if cCtx.IsSet(name) {
			*field = cCtx.Int(name)
		}
	}
	if cCtx.IsSet(preserveEphemeralFlag.Name) {
		req.PreserveEphemeral = cCtx.Bool(preserveEphemeralFlag.Name)
	}
	return req, nil
}

// lockDevice takes an exclusive lock for device so two provisionings never write the same
// disk at once.
func lockDevice(dir, device string) (func(), error) {
	if device == "" {
		return func() {}, nil
	}
	name := strings.ReplaceAll(strings.TrimPrefix(device, "/"), "/", "-")
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.lock", constants.LogName, name))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock dir %s: %w", dir, err)
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", device, err)
	}
	if !locked {
		return nil, fmt.Errorf("device %s is being provisioned by another process (lock %s)", device, path)
	}
	return func() { _ = fl.Unlock() }, nil
}

func printResult(out io.Writer, uuids provision.UUIDMap, query string) error {
	if query != "" {
		res, err := uuids.Query(query)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, res)
		return nil
	}
	data, err := yaml.Marshal(uuids)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func renderTable(out io.Writer, data pterm.TableData) error {
	s, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, s)
	return nil
}
