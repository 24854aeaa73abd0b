// Package configdrive materializes a configuration drive payload into a local image file.
// The payload is a base64 encoded gzipped image, given inline or behind an http(s) URL.
package configdrive

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/kairos-io/kairos-disk/constants"
	"github.com/kairos-io/kairos-disk/types"
	"github.com/kairos-io/kairos-disk/types/config"
	"github.com/klauspost/compress/gzip"
)

// ConfigDrive is the decompressed image on local disk, waiting to be copied to its partition
type ConfigDrive struct {
	Path    string
	SizeMiB int
	fs      types.KairosFS
	logger  types.KairosLogger
}

// IsURL reports whether the payload has to be downloaded
func IsURL(payload string) bool {
	l := strings.ToLower(payload)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// Get fetches the payload if needed, decodes it and writes the image into the configured temp
// dir. Every failure is a deployment failure naming the node.
func Get(ctx context.Context, cfg *config.Config, payload, node string) (*ConfigDrive, error) {
	data := []byte(payload)
	isURL := IsURL(payload)
	if isURL {
		var err error
		data, err = cfg.Client.GetURL(ctx, payload)
		if err != nil {
			return nil, types.NewDeployError("Can't download the configdrive content for node %s from '%s'. Reason: %s", node, payload, err)
		}
	}

	decoded, err := decode(data)
	if err != nil {
		msg := fmt.Sprintf("Config drive for node %s is not base64 encoded or the content is malformed.", node)
		if isURL {
			msg += fmt.Sprintf(" Downloaded from \"%s\".", payload)
		}
		return nil, types.WrapDeployError(err, "%s", msg)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.TempDir, constants.ConfigDrivePrefix+id.String())
	f, err := cfg.Fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, types.WrapDeployError(err, "Could not create the config drive file for node %s", node)
	}
	cd := &ConfigDrive{Path: path, fs: cfg.Fs, logger: cfg.Logger}

	written, err := gunzip(decoded, f)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		cd.Cleanup()
		return nil, types.NewDeployError("Encountered error while decompressing and writing config drive for node %s. Error: %s", node, err)
	}
	cd.SizeMiB = int((written + constants.MiB - 1) / constants.MiB)
	cfg.Logger.Debugf("Config drive for node %s written to %s (%d MiB)", node, path, cd.SizeMiB)
	return cd, nil
}

// decode accepts payloads wrapped on several lines
func decode(data []byte) ([]byte, error) {
	clean := bytes.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, data)
	out := make([]byte, base64.StdEncoding.DecodedLen(len(clean)))
	n, err := base64.StdEncoding.Decode(out, clean)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

func gunzip(data []byte, w io.Writer) (int64, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	defer zr.Close()
	return io.Copy(w, zr)
}

// Cleanup removes the local image. Failures are only logged.
func (c *ConfigDrive) Cleanup() {
	if c == nil || c.Path == "" {
		return
	}
	if err := c.fs.Remove(c.Path); err != nil && !os.IsNotExist(err) {
		c.logger.Warnf("Failed to remove config drive file %s: %s", c.Path, err)
	}
}
