package types

import (
	"io/fs"
	"os"
)

// KairosFS is the subset of a filesystem the disk helpers need. Both vfs.OSFS and the
// vfst test filesystems satisfy it.
type KairosFS interface {
	Stat(name string) (os.FileInfo, error)
	Lstat(name string) (os.FileInfo, error)
	Mkdir(name string, perm os.FileMode) error
	OpenFile(name string, flag int, perm fs.FileMode) (*os.File, error)
	ReadDir(dirname string) ([]fs.DirEntry, error)
	ReadFile(filename string) ([]byte, error)
	WriteFile(filename string, data []byte, perm os.FileMode) error
	Remove(name string) error
	RemoveAll(path string) error
	RawPath(name string) (string, error)
}
