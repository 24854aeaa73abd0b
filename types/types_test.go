package types_test

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/kairos-io/kairos-disk/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
)

var _ = Describe("Types", Label("types"), func() {
	Describe("DeployError", func() {
		It("keeps the cause", func() {
			cause := types.NewExecError("fuser", []string{"/dev/sda"}, "", "gone", 2, nil)
			err := fmt.Errorf("provisioning: %w", types.WrapDeployError(cause, "Disk partitioning failed on device %s", "/dev/sda"))
			Expect(types.IsDeployError(err)).To(BeTrue())
			var execErr *types.ExecError
			Expect(errors.As(err, &execErr)).To(BeTrue())
			Expect(execErr.ExitCode).To(Equal(2))
			Expect(err.Error()).To(ContainSubstring("Disk partitioning failed on device /dev/sda: unexpected error while running command \"fuser /dev/sda\": exit code 2: stderr: gone"))
		})

		It("is only found in the chain when present", func() {
			Expect(types.IsDeployError(errors.New("plain"))).To(BeFalse())
			Expect(types.NewDeployError("Root device '%s' not found", "/dev/sda-part1").Error()).To(Equal("Root device '/dev/sda-part1' not found"))
		})
	})

	Describe("RunOptions", func() {
		It("defaults to a single attempt accepting exit code 0", func() {
			o := types.NewRunOptions()
			Expect(o.Attempts).To(Equal(1))
			Expect(o.ExitCodes).To(Equal([]int{0}))
			Expect(o.RunAsRoot).To(BeFalse())
			Expect(o.ExitCodeAllowed(0)).To(BeTrue())
			Expect(o.ExitCodeAllowed(1)).To(BeFalse())
		})

		It("applies the options", func() {
			o := types.NewRunOptions(types.AsRoot(), types.WithExitCodes(0, 1), types.WithAttempts(5, true), types.WithStandardLocale())
			Expect(o.RunAsRoot).To(BeTrue())
			Expect(o.ExitCodeAllowed(1)).To(BeTrue())
			Expect(o.Attempts).To(Equal(5))
			Expect(o.DelayOnRetry).To(BeTrue())
			Expect(o.StandardLocale).To(BeTrue())

			o = types.NewRunOptions(types.WithAttempts(0, false), types.WithExitCodes())
			Expect(o.Attempts).To(Equal(1))
			Expect(o.ExitCodes).To(Equal([]int{0}))
		})
	})

	It("names the result key of every role", func() {
		keys := []string{}
		for _, r := range types.AllRoles {
			keys = append(keys, r.UUIDKey())
		}
		Expect(keys).To(Equal([]string{"root uuid", "efi system partition uuid", "swap uuid", "ephemeral uuid", "configdrive uuid"}))
	})

	It("filters mounted partitions", func() {
		d := types.Disk{SizeBytes: 3 * 1024 * 1024 * 1024, Partitions: types.PartitionList{
			{Name: "sda1", MountPoint: "/boot"},
			{Name: "sda2"},
		}}
		Expect(d.SizeMiB()).To(Equal(3072))
		Expect(d.Partitions.Mounted()).To(HaveLen(1))
		Expect(d.Partitions.Mounted()[0].Name).To(Equal("sda1"))
	})

	Describe("KairosLogger", func() {
		It("writes formatted messages", func() {
			buf := &bytes.Buffer{}
			l := types.NewBufferLogger(buf)
			l.Infof("device %s is %s", "/dev/sda", "free")
			l.Warn("careful")
			Expect(buf.String()).To(ContainSubstring(`"message":"device /dev/sda is free"`))
			Expect(buf.String()).To(ContainSubstring(`"level":"warn"`))
		})

		It("changes level", func() {
			buf := &bytes.Buffer{}
			l := types.NewBufferLogger(buf)
			Expect(l.IsDebug()).To(BeTrue())
			l.SetLevel("error")
			Expect(l.GetLevel()).To(Equal(zerolog.ErrorLevel))
			l.Infof("hidden")
			Expect(buf.String()).To(BeEmpty())
			l.SetLevel("nonsense")
			Expect(l.GetLevel()).To(Equal(zerolog.ErrorLevel))
		})
	})
})
