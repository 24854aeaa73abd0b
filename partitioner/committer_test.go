package partitioner_test

import (
	"bytes"
	"errors"
	"time"

	"github.com/kairos-io/kairos-disk/metrics"
	"github.com/kairos-io/kairos-disk/partitioner"
	"github.com/kairos-io/kairos-disk/types"
	"github.com/kairos-io/kairos-disk/types/config"
	"github.com/kairos-io/kairos-disk/types/mocks"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeVerifier struct {
	calls int
	err   error
}

func (f *fakeVerifier) Verify(_ partitioner.Table, _ int) error {
	f.calls++
	return f.err
}

var _ = Describe("Committer", Label("committer"), func() {
	var runner *mocks.FakeRunner
	var sleeper *mocks.FakeSleeper
	var cfg *config.Config
	var table partitioner.Table
	var buf *bytes.Buffer

	partedCmd := []string{
		"parted", "-a", "optimal", "-s", "/dev/fake", "--", "unit", "MiB",
		"mklabel", "msdos",
		"mkpart", "primary", "", "0", "1024",
		"mkpart", "primary", "linux-swap", "1024", "1536",
		"mkpart", "primary", "", "1536", "3584",
		"set", "3", "boot", "on",
		"mkpart", "primary", "", "3584", "5632",
		"set", "4", "bios_grub", "on",
	}
	fuserCmd := []string{"fuser", "/dev/fake"}

	fuserCalls := func() int {
		return runner.CountCmd("fuser")
	}

	BeforeEach(func() {
		runner = mocks.NewFakeRunner()
		sleeper = &mocks.FakeSleeper{}
		buf = &bytes.Buffer{}
		cfg = config.NewConfig(
			config.WithRunner(runner),
			config.WithSleeper(sleeper),
			config.WithLogger(types.NewBufferLogger(buf)),
			config.WithMetrics(metrics.NewNoopMetrics()),
		)
		leadIn := 0
		cfg.DiskPartitioner.LeadInMiB = &leadIn

		planner := partitioner.NewPlanner("/dev/fake")
		_, _ = planner.AddPartition(1024)
		_, _ = planner.AddPartition(512, partitioner.WithFSType("linux-swap"))
		_, _ = planner.AddPartition(2048, partitioner.WithBootFlag("boot"))
		_, _ = planner.AddPartition(2048, partitioner.WithBootFlag("bios_grub"))
		table = planner.Table()
	})

	It("writes the table with a single parted call", func() {
		Expect(partitioner.NewCommitter(cfg).Commit(table)).To(Succeed())
		Expect(runner.CmdsMatch([][]string{partedCmd, fuserCmd})).To(BeTrue(), runner.Commands)
		Expect(runner.Commands[0]).To(Equal(partedCmd))
		parted := runner.Options[0]
		Expect(parted.RunAsRoot).To(BeTrue())
		Expect(parted.StandardLocale).To(BeTrue())
		Expect(parted.ExitCodes).To(Equal([]int{0}))
		fuser := runner.Options[1]
		Expect(fuser.RunAsRoot).To(BeTrue())
		Expect(fuser.ExitCodes).To(Equal([]int{0, 1}))
		Expect(sleeper.Calls).To(BeEmpty())
	})

	It("starts at the default lead-in", func() {
		cfg.DiskPartitioner.LeadInMiB = nil
		Expect(partitioner.NewCommitter(cfg).Commit(table)).To(Succeed())
		Expect(runner.Commands[0][10:15]).To(Equal([]string{"mkpart", "primary", "", "1", "1025"}))
	})

	It("waits while the device is busy", func() {
		runner.AddResult("fuser /dev/fake", mocks.FakeResult{Stdout: "/dev/fake: 10000 10001"})
		Expect(partitioner.NewCommitter(cfg).Commit(table)).To(Succeed())
		Expect(fuserCalls()).To(Equal(2))
		Expect(sleeper.Total()).To(Equal(time.Second))
	})

	It("fails when the device is always busy", func() {
		runner.AddResult("fuser /dev/fake", mocks.FakeResult{Stdout: "10000 10001", Sticky: true})
		err := partitioner.NewCommitter(cfg).Commit(table)
		Expect(err).To(HaveOccurred())
		Expect(types.IsDeployError(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("/dev/fake"))
		Expect(err.Error()).To(ContainSubstring("10000 10001"))
		Expect(fuserCalls()).To(Equal(20))
		Expect(sleeper.Calls).To(HaveLen(19))
	})

	It("keeps probing a disconnected device until it gives up", func() {
		runner.AddResult("fuser /dev/fake", mocks.FakeResult{Stderr: "Specified filename /dev/fake does not exist.", Sticky: true})
		err := partitioner.NewCommitter(cfg).Commit(table)
		Expect(types.IsDeployError(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring(`Fuser exited with "Specified filename /dev/fake does not exist."`))
		Expect(fuserCalls()).To(Equal(20))
	})

	It("counts abnormal fuser exits as attempts", func() {
		runner.AddResult("fuser /dev/fake", mocks.FakeResult{ExitCode: 2, Stderr: "fuser: broken", Sticky: true})
		err := partitioner.NewCommitter(cfg).Commit(table)
		Expect(types.IsDeployError(err)).To(BeTrue())
		Expect(fuserCalls()).To(Equal(20))
		Expect(buf.String()).To(ContainSubstring("Failed to check the device /dev/fake with fuser"))
	})

	It("honors the configured retries and interval", func() {
		cfg.DiskPartitioner.CheckDeviceMaxRetries = 3
		cfg.DiskPartitioner.CheckDeviceInterval = 2 * time.Second
		runner.AddResult("fuser /dev/fake", mocks.FakeResult{Stdout: "42", Sticky: true})
		Expect(partitioner.NewCommitter(cfg).Commit(table)).ToNot(Succeed())
		Expect(fuserCalls()).To(Equal(3))
		Expect(sleeper.Total()).To(Equal(4 * time.Second))
	})

	It("fails right away when parted fails", func() {
		runner.AddResult("parted "+joinArgs(partedCmd[1:]), mocks.FakeResult{ExitCode: 1, Stderr: "Error: Can't have overlapping partitions."})
		err := partitioner.NewCommitter(cfg).Commit(table)
		Expect(types.IsDeployError(err)).To(BeTrue())
		var execErr *types.ExecError
		Expect(errors.As(err, &execErr)).To(BeTrue())
		Expect(execErr.ExitCode).To(Equal(1))
		Expect(fuserCalls()).To(Equal(0))
	})

	It("runs the verifier once the device is free", func() {
		v := &fakeVerifier{}
		Expect(partitioner.NewCommitter(cfg, partitioner.WithVerifier(v)).Commit(table)).To(Succeed())
		Expect(v.calls).To(Equal(1))

		v.err = errors.New("partition 4 not found")
		err := partitioner.NewCommitter(cfg, partitioner.WithVerifier(v)).Commit(table)
		Expect(types.IsDeployError(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("partition 4 not found"))
	})

	It("does not touch the table", func() {
		before := table.Partitions()
		Expect(partitioner.NewCommitter(cfg).Commit(table)).To(Succeed())
		Expect(table.Partitions()).To(Equal(before))
	})
})
