package partitioner_test

import (
	"bytes"
	"strings"

	"github.com/kairos-io/kairos-disk/partitioner"
	"github.com/kairos-io/kairos-disk/types"
	"github.com/kairos-io/kairos-disk/types/mocks"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}

const partedPrint = `BYT;
/dev/fake:5632MiB:scsi:512:512:msdos:Fake Disk:;
1:1.00MiB:1025MiB:1024MiB:ext4::;
2:1025MiB:1537MiB:512MiB:linux-swap(v1)::;
3:1537MiB:3585MiB:2048MiB:::boot;
garbage line
4:3585MiB:5633MiB:2048MiB:ext4::bios_grub;
`

var _ = Describe("Parted report", Label("parted"), func() {
	var runner *mocks.FakeRunner
	var buf *bytes.Buffer
	var logger types.KairosLogger

	BeforeEach(func() {
		runner = mocks.NewFakeRunner()
		buf = &bytes.Buffer{}
		logger = types.NewBufferLogger(buf)
	})

	It("lists partitions skipping malformed lines", func() {
		runner.AddResult("parted -s -m /dev/fake unit MiB print", mocks.FakeResult{Stdout: partedPrint})
		parts, err := partitioner.ListPartitions(runner, logger, "/dev/fake")
		Expect(err).ToNot(HaveOccurred())
		Expect(parts).To(Equal([]partitioner.PartitionInfo{
			{Number: 1, StartMiB: 1, EndMiB: 1025, SizeMiB: 1024, Filesystem: "ext4"},
			{Number: 2, StartMiB: 1025, EndMiB: 1537, SizeMiB: 512, Filesystem: "linux-swap(v1)"},
			{Number: 3, StartMiB: 1537, EndMiB: 3585, SizeMiB: 2048, Flags: "boot"},
			{Number: 4, StartMiB: 3585, EndMiB: 5633, SizeMiB: 2048, Filesystem: "ext4", Flags: "bios_grub"},
		}))
		Expect(buf.String()).To(ContainSubstring("garbage line"))
		Expect(buf.String()).ToNot(ContainSubstring("linux-swap(v1)"))
		Expect(runner.Options[0].RunAsRoot).To(BeTrue())
		Expect(runner.Options[0].StandardLocale).To(BeTrue())
	})

	It("parses gpt lines carrying a partition name", func() {
		out := "BYT;\n/dev/fake:5632MiB:scsi:512:512:gpt:Fake Disk:;\n1:1.00MiB:201MiB:200MiB:fat32:primary:boot, esp;\n2:201MiB:1225MiB:1024MiB::primary:;\n"
		Expect(partitioner.ParsePartedOutput(logger, "/dev/fake", out)).To(Equal([]partitioner.PartitionInfo{
			{Number: 1, StartMiB: 1, EndMiB: 201, SizeMiB: 200, Filesystem: "fat32", Flags: "boot, esp"},
			{Number: 2, StartMiB: 201, EndMiB: 1225, SizeMiB: 1024},
		}))
	})

	It("returns nothing for an empty disk", func() {
		Expect(partitioner.ParsePartedOutput(logger, "/dev/fake", "BYT;\n/dev/fake:5632MiB:scsi:512:512:msdos:Fake Disk:;\n")).To(BeEmpty())
	})

	It("fails when parted fails", func() {
		runner.AddResult("parted -s -m /dev/fake unit MiB print", mocks.FakeResult{ExitCode: 1})
		_, err := partitioner.ListPartitions(runner, logger, "/dev/fake")
		Expect(err).To(HaveOccurred())
	})

	Describe("Verifier", func() {
		var table partitioner.Table

		BeforeEach(func() {
			planner := partitioner.NewPlanner("/dev/fake")
			_, _ = planner.AddPartition(1024)
			_, _ = planner.AddPartition(2048)
			table = planner.Table()
		})

		It("accepts a matching layout", func() {
			runner.AddResult("parted -s -m /dev/fake unit MiB print", mocks.FakeResult{Stdout: "BYT;\n/dev/fake:4000MiB:::::;\n1:1.00MiB:1025MiB:1024MiB:::;\n2:1025MiB:3072MiB:2047MiB:::;\n"})
			Expect(partitioner.PartedVerifier{Runner: runner, Logger: logger}.Verify(table, 1)).To(Succeed())
		})

		It("accepts partitions still carrying an old filesystem signature", func() {
			planner := partitioner.NewPlanner("/dev/fake")
			_, _ = planner.AddPartition(512, partitioner.WithFSType("linux-swap"))
			_, _ = planner.AddPartition(1024, partitioner.WithBootFlag("boot"))
			out := "BYT;\n/dev/fake:4000MiB:scsi:512:512:msdos:Fake Disk:;\n" +
				"1:1.00MiB:513MiB:512MiB:linux-swap(v1)::;\n" +
				"2:513MiB:1537MiB:1024MiB:ext4::boot;\n"
			runner.AddResult("parted -s -m /dev/fake unit MiB print", mocks.FakeResult{Stdout: out})
			Expect(partitioner.PartedVerifier{Runner: runner, Logger: logger}.Verify(planner.Table(), 1)).To(Succeed())
		})

		It("reports missing and resized partitions", func() {
			err := partitioner.CompareLayout(table, []partitioner.PartitionInfo{{Number: 1, SizeMiB: 10}})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("partition 1 on /dev/fake is 10 MiB"))
			Expect(err.Error()).To(ContainSubstring("partition 2 not found"))
			Expect(err.Error()).To(ContainSubstring("found 1 partitions"))
		})
	})
})
