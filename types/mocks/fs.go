package mocks

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/kairos-io/kairos-disk/types"
)

// BlockDeviceFS answers Stat for the registered device nodes and delegates everything else.
// Test filesystems can not hold device nodes, this fills the gap.
type BlockDeviceFS struct {
	types.KairosFS
	// Devices maps a path to the mode bits of its node, e.g. fs.ModeDevice for a block device
	Devices map[string]fs.FileMode
	// AppearAfter makes a device fail Stat that many times before it shows up
	AppearAfter map[string]int
	Stats       map[string]int
}

func NewBlockDeviceFS(base types.KairosFS) *BlockDeviceFS {
	return &BlockDeviceFS{
		KairosFS:    base,
		Devices:     map[string]fs.FileMode{},
		AppearAfter: map[string]int{},
		Stats:       map[string]int{},
	}
}

// AddBlockDevice registers a block device node at path
func (b *BlockDeviceFS) AddBlockDevice(path string) {
	b.Devices[path] = fs.ModeDevice
}

func (b *BlockDeviceFS) Stat(name string) (os.FileInfo, error) {
	b.Stats[name]++
	mode, ok := b.Devices[name]
	if !ok || b.Stats[name] <= b.AppearAfter[name] {
		if b.KairosFS == nil {
			return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
		}
		return b.KairosFS.Stat(name)
	}
	return fakeFileInfo{name: filepath.Base(name), mode: mode | 0660}, nil
}

// RawPath returns name as is when there is no base filesystem
func (b *BlockDeviceFS) RawPath(name string) (string, error) {
	if b.KairosFS == nil {
		return name, nil
	}
	return b.KairosFS.RawPath(name)
}

type fakeFileInfo struct {
	name string
	mode fs.FileMode
}

func (f fakeFileInfo) Name() string       { return f.name }
func (f fakeFileInfo) Size() int64        { return 0 }
func (f fakeFileInfo) Mode() fs.FileMode  { return f.mode }
func (f fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (f fakeFileInfo) IsDir() bool        { return false }
func (f fakeFileInfo) Sys() interface{}   { return nil }
