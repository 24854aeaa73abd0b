package disk_test

import (
	"bytes"
	"io/fs"
	"time"

	"github.com/kairos-io/kairos-disk/disk"
	"github.com/kairos-io/kairos-disk/metrics"
	"github.com/kairos-io/kairos-disk/types"
	"github.com/kairos-io/kairos-disk/types/config"
	"github.com/kairos-io/kairos-disk/types/mocks"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/twpayne/go-vfs/v4/vfst"
)

var _ = Describe("Disk helpers", Label("disk"), func() {
	var runner *mocks.FakeRunner
	var sleeper *mocks.FakeSleeper
	var bfs *mocks.BlockDeviceFS
	var cfg *config.Config
	var buf *bytes.Buffer
	var cleanup func()

	BeforeEach(func() {
		runner = mocks.NewFakeRunner()
		sleeper = &mocks.FakeSleeper{}
		buf = &bytes.Buffer{}
		testFS, c, err := vfst.NewTestFS(map[string]interface{}{
			"/images/disk.qcow2": "qcow",
			"/images/disk.raw":   string(make([]byte, 1024*1024+1)),
		})
		Expect(err).ToNot(HaveOccurred())
		cleanup = c
		bfs = mocks.NewBlockDeviceFS(testFS)
		cfg = config.NewConfig(
			config.WithRunner(runner),
			config.WithSleeper(sleeper),
			config.WithFs(bfs),
			config.WithLogger(types.NewBufferLogger(buf)),
			config.WithMetrics(metrics.NewNoopMetrics()),
		)
	})
	AfterEach(func() {
		cleanup()
	})

	Describe("IsBlockDevice", func() {
		It("recognizes block devices", func() {
			bfs.AddBlockDevice("/dev/fake-part1")
			ok, err := disk.IsBlockDevice(cfg, "/dev/fake-part1")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(sleeper.Calls).To(BeEmpty())
		})
		It("says no to regular files and char devices", func() {
			ok, err := disk.IsBlockDevice(cfg, "/images/disk.raw")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
			bfs.Devices["/dev/tty0"] = modeCharDevice
			ok, err = disk.IsBlockDevice(cfg, "/dev/tty0")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
		It("waits for the node to show up", func() {
			bfs.AddBlockDevice("/dev/fake-part1")
			bfs.AppearAfter["/dev/fake-part1"] = 2
			ok, err := disk.IsBlockDevice(cfg, "/dev/fake-part1")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(bfs.Stats["/dev/fake-part1"]).To(Equal(3))
			Expect(sleeper.Calls).To(Equal([]time.Duration{time.Second, time.Second}))
		})
		It("gives up after the configured attempts", func() {
			ok, err := disk.IsBlockDevice(cfg, "/dev/missing")
			Expect(ok).To(BeFalse())
			Expect(types.IsDeployError(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("Unable to stat device /dev/missing after attempting to verify 3 times."))
			Expect(bfs.Stats["/dev/missing"]).To(Equal(3))
			Expect(sleeper.Calls).To(HaveLen(2))
		})
	})

	Describe("DestroyMetadata", func() {
		It("zeroes both ends of the disk", func() {
			runner.AddResult("blockdev --getsz /dev/fake", mocks.FakeResult{Stdout: "64\n"})
			Expect(disk.DestroyMetadata(cfg, "/dev/fake", "node-1")).To(Succeed())
			Expect(runner.CmdsMatch([][]string{
				{"dd", "if=/dev/zero", "of=/dev/fake", "bs=512", "count=36"},
				{"blockdev", "--getsz", "/dev/fake"},
				{"dd", "if=/dev/zero", "of=/dev/fake", "bs=512", "count=36", "seek=28"},
			})).To(BeTrue(), runner.Commands)
			for _, o := range runner.Options {
				Expect(o.RunAsRoot).To(BeTrue())
			}
		})
		It("stops on the first failure and logs it", func() {
			runner.AddResult("dd if=/dev/zero of=/dev/fake bs=512 count=36", mocks.FakeResult{ExitCode: 1, Stderr: "dd: permission denied"})
			err := disk.DestroyMetadata(cfg, "/dev/fake", "node-1")
			Expect(err).To(HaveOccurred())
			Expect(runner.Commands).To(HaveLen(1))
			Expect(buf.String()).To(ContainSubstring("Failed to erase beginning of disk for node node-1."))
			Expect(buf.String()).To(ContainSubstring("dd: permission denied"))
		})
		It("fails when the disk size is unknown", func() {
			runner.AddResult("blockdev --getsz /dev/fake", mocks.FakeResult{ExitCode: 1})
			Expect(disk.DestroyMetadata(cfg, "/dev/fake", "node-1")).ToNot(Succeed())
			Expect(runner.Commands).To(HaveLen(2))
			Expect(buf.String()).To(ContainSubstring("Failed to get disk block count for node node-1."))
		})
	})

	Describe("Identifiers", func() {
		It("returns the block uuid", func() {
			runner.AddResult("blkid -s UUID -o value /dev/fake-part2", mocks.FakeResult{Stdout: "b91c5ef6-8ea4-4a9b-b1e6-3a1e4b7e5a52\n"})
			uuid, err := disk.BlockUUID(cfg, "/dev/fake-part2")
			Expect(err).ToNot(HaveOccurred())
			Expect(uuid).To(Equal("b91c5ef6-8ea4-4a9b-b1e6-3a1e4b7e5a52"))
		})
		It("returns the disk identifier retrying on failure", func() {
			runner.AddResult(`hexdump -s 440 -n 4 -e "0x%08x" /dev/fake`, mocks.FakeResult{Stdout: "0x00042a7c"})
			id, err := disk.DiskIdentifier(cfg, "/dev/fake")
			Expect(err).ToNot(HaveOccurred())
			Expect(id).To(Equal("0x00042a7c"))
			Expect(runner.Options[0].Attempts).To(Equal(5))
			Expect(runner.Options[0].DelayOnRetry).To(BeTrue())
		})
	})

	Describe("Images", func() {
		It("returns an empty info for missing images", func() {
			info, err := disk.GetImageInfo(cfg, "/images/missing.img")
			Expect(err).ToNot(HaveOccurred())
			Expect(info).To(Equal(disk.ImageInfo{}))
			Expect(runner.Commands).To(BeEmpty())
		})
		It("parses qemu-img output", func() {
			runner.AddResult("qemu-img info --output=json /images/disk.qcow2", mocks.FakeResult{
				Stdout: `{"virtual-size": 2147483649, "filename": "/images/disk.qcow2", "format": "qcow2", "actual-size": 4}`,
			})
			info, err := disk.GetImageInfo(cfg, "/images/disk.qcow2")
			Expect(err).ToNot(HaveOccurred())
			Expect(info.Format).To(Equal("qcow2"))
			Expect(info.VirtualSize).To(Equal(int64(2147483649)))
			Expect(runner.Options[0].StandardLocale).To(BeTrue())

			mib, err := disk.ImageMiB(cfg, "/images/disk.qcow2", true)
			Expect(err).ToNot(HaveOccurred())
			Expect(mib).To(Equal(2049))
		})
		It("rounds the file size up to MiB", func() {
			mib, err := disk.ImageMiB(cfg, "/images/disk.raw", false)
			Expect(err).ToNot(HaveOccurred())
			Expect(mib).To(Equal(2))
		})
		It("copies raw images with dd", func() {
			runner.AddResult("qemu-img info --output=json /images/disk.raw", mocks.FakeResult{Stdout: `{"format": "raw"}`})
			Expect(disk.PopulateImage(cfg, "/images/disk.raw", "/dev/fake-part1")).To(Succeed())
			Expect(runner.CmdsMatch([][]string{
				{"qemu-img", "info"},
				{"dd", "if=/images/disk.raw", "of=/dev/fake-part1", "bs=1M", "oflag=direct"},
			})).To(BeTrue(), runner.Commands)
		})
		It("converts other images to raw", func() {
			runner.AddResult("qemu-img info --output=json /images/disk.qcow2", mocks.FakeResult{Stdout: `{"format": "qcow2"}`})
			Expect(disk.PopulateImage(cfg, "/images/disk.qcow2", "/dev/fake-part1")).To(Succeed())
			Expect(runner.CmdsMatch([][]string{
				{"qemu-img", "info"},
				{"qemu-img", "convert", "-O", "raw", "/images/disk.qcow2", "/dev/fake-part1"},
			})).To(BeTrue(), runner.Commands)
			Expect(runner.Options[1].RunAsRoot).To(BeTrue())
		})
	})

	Describe("Mkfs", func() {
		It("creates swap areas", func() {
			Expect(disk.Mkfs(cfg, "swap", "/dev/fake-part2", "swap1")).To(Succeed())
			Expect(runner.Commands).To(Equal([][]string{{"mkswap", "-L", "swap1", "/dev/fake-part2"}}))
		})
		It("forces ext filesystems", func() {
			Expect(disk.Mkfs(cfg, "ext4", "/dev/fake-part1", "ephemeral0")).To(Succeed())
			Expect(runner.Commands).To(Equal([][]string{{"mkfs", "-t", "ext4", "-F", "-L", "ephemeral0", "/dev/fake-part1"}}))
		})
		It("labels fat filesystems with -n", func() {
			Expect(disk.Mkfs(cfg, "vfat", "/dev/fake-part1", "efi-part")).To(Succeed())
			Expect(runner.Commands).To(Equal([][]string{{"mkfs", "-t", "vfat", "-n", "efi-part", "/dev/fake-part1"}}))
		})
		It("appends configured options", func() {
			cfg.DiskUtils.MkfsOptions["xfs"] = "-m reflink=1 -f"
			Expect(disk.Mkfs(cfg, "xfs", "/dev/fake-part1", "")).To(Succeed())
			Expect(runner.Commands).To(Equal([][]string{{"mkfs", "-t", "xfs", "-m", "reflink=1", "-f", "/dev/fake-part1"}}))
		})
		It("returns the failure", func() {
			runner.AddResult("mkfs -t btrfs /dev/fake-part1", mocks.FakeResult{ExitCode: 1, Stderr: "mkfs.btrfs: not found"})
			err := disk.Mkfs(cfg, "btrfs", "/dev/fake-part1", "")
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("/dev/fake-part1"))
		})
	})
})

const modeCharDevice = fs.ModeDevice | fs.ModeCharDevice
