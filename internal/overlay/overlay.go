// Package overlay produces per-sandbox writable rootfs images from the
// shared immutable base image. A reflink clone is attempted first (instant,
// copy-on-write on XFS/btrfs); otherwise the image is copied block-by-block
// as a sparse file, writing only non-zero blocks.
package overlay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/fcsandbox/fcsandbox/internal/artifacts"
)

// ErrDiskFull indicates the host filesystem ran out of space while writing
// the overlay.
var ErrDiskFull = errors.New("disk full")

const blockSize = 4096

// Create produces a writable overlay of baseImage at overlayPath. The base
// image is opened read-only and never modified. An existing file at
// overlayPath is replaced.
func Create(baseImage, overlayPath string) error {
	src, err := os.Open(baseImage)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("base image %s: %w", baseImage, artifacts.ErrArtifactMissing)
		}
		return fmt.Errorf("open base image: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(overlayPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return classify(fmt.Errorf("create overlay: %w", err))
	}
	defer dst.Close()

	if err := reflink(dst, src); err == nil {
		return nil
	}

	if err := sparseCopy(dst, src); err != nil {
		os.Remove(overlayPath)
		return classify(err)
	}
	return nil
}

// sparseCopy copies src into dst block-by-block, seeking over all-zero
// blocks so the overlay only occupies space for real content.
func sparseCopy(dst, src *os.File) error {
	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat base image: %w", err)
	}
	size := info.Size()

	if err := dst.Truncate(size); err != nil {
		return fmt.Errorf("truncate overlay to %d: %w", size, err)
	}

	buf := make([]byte, blockSize)
	var offset int64
	for offset < size {
		n, err := src.ReadAt(buf, offset)
		if n > 0 && !isZero(buf[:n]) {
			if _, werr := dst.WriteAt(buf[:n], offset); werr != nil {
				return fmt.Errorf("write block at %d: %w", offset, werr)
			}
		}
		offset += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read block at %d: %w", offset, err)
		}
	}
	return nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func classify(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", ErrDiskFull, err)
	}
	return err
}
