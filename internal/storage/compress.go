package storage

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

const compressedSuffix = ".zst"

// CompressFile writes path.zst with zstd and removes path. The compressed
// file only appears once complete.
func CompressFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	target := path + compressedSuffix
	tmp := target + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	// 1. Compress
	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("compress %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	// 2. Publish
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(path)
}
