//go:build linux

package overlay

import (
	"os"

	"golang.org/x/sys/unix"
)

// reflink clones src into dst via FICLONE. Only XFS (with reflink=1) and
// btrfs support it; ext4 returns EOPNOTSUPP and the caller falls back to a
// sparse copy.
func reflink(dst, src *os.File) error {
	return unix.IoctlFileClone(int(dst.Fd()), int(src.Fd()))
}
