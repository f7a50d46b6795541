// Package sparse implements an extent-based sparse archive format for
// snapshot memory files.
//
// A Firecracker memory file is the size of guest RAM but mostly zeros, and
// the resident pages cluster into contiguous runs. The archive therefore
// stores extents — runs of consecutive non-zero 4KB pages — rather than
// individual pages, which keeps record overhead negligible for the dense
// regions a real guest produces. Everything is wrapped in a zstd stream,
// and a CRC-32C of the extent stream guards against a torn or bit-rotted
// archive restoring a silently corrupt RAM image.
//
// Layout (.sparse.zst):
//   - zstd stream wrapping everything below
//   - header: magic [8]byte "FCSMEM01" + fileSize uint64 (little-endian)
//   - extents: repeated (offset uint64 + length uint32 + data[length]),
//     length ≤ 1 MiB, offsets strictly increasing
//   - trailer: offset 0xFFFFFFFFFFFFFFFF + length 0 + crc uint32 over all
//     extent headers and data
//
// Unpack truncates the output to fileSize (instant, creates a sparse file)
// and pwrites each extent at its offset.
package sparse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

const (
	// PageSize is the granularity of the zero scan.
	PageSize = 4096
	// Magic identifies a sparse memory archive.
	Magic = "FCSMEM01"

	// maxExtentPages caps one extent record at 1 MiB so Unpack never
	// buffers more than that per record.
	maxExtentPages = 256

	// trailerOffset marks the final record carrying the checksum.
	trailerOffset = ^uint64(0)
)

var (
	zeroPage [PageSize]byte
	crcTable = crc32.MakeTable(crc32.Castagnoli)
)

// extentWriter accumulates consecutive non-zero pages and flushes them as
// one record, feeding the running checksum as it goes.
type extentWriter struct {
	w      io.Writer
	crc    hash.Hash32
	start  uint64 // offset of the pending extent
	buf    []byte // pending extent data
	count  int    // extents flushed
	hdr    [12]byte
}

func (e *extentWriter) add(offset uint64, page []byte) error {
	if len(e.buf) > 0 && offset == e.start+uint64(len(e.buf)) && len(e.buf) < maxExtentPages*PageSize {
		e.buf = append(e.buf, page...)
		return nil
	}
	if err := e.flush(); err != nil {
		return err
	}
	e.start = offset
	e.buf = append(e.buf[:0], page...)
	return nil
}

func (e *extentWriter) flush() error {
	if len(e.buf) == 0 {
		return nil
	}
	binary.LittleEndian.PutUint64(e.hdr[0:8], e.start)
	binary.LittleEndian.PutUint32(e.hdr[8:12], uint32(len(e.buf)))
	e.crc.Write(e.hdr[:])
	e.crc.Write(e.buf)
	if _, err := e.w.Write(e.hdr[:]); err != nil {
		return err
	}
	if _, err := e.w.Write(e.buf); err != nil {
		return err
	}
	e.count++
	e.buf = e.buf[:0]
	return nil
}

func (e *extentWriter) trailer() error {
	if err := e.flush(); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(e.hdr[0:8], trailerOffset)
	binary.LittleEndian.PutUint32(e.hdr[8:12], 0)
	if _, err := e.w.Write(e.hdr[:]); err != nil {
		return err
	}
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], e.crc.Sum32())
	_, err := e.w.Write(sum[:])
	return err
}

// Pack scans srcPath page by page and writes a sparse archive to w.
// Returns the number of extents written.
func Pack(srcPath string, w io.Writer) (int, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}
	fileSize := uint64(info.Size())

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("zstd writer: %w", err)
	}

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], fileSize)
	if _, err := zw.Write([]byte(Magic)); err != nil {
		zw.Close()
		return 0, fmt.Errorf("write magic: %w", err)
	}
	if _, err := zw.Write(u64[:]); err != nil {
		zw.Close()
		return 0, fmt.Errorf("write size: %w", err)
	}

	ew := &extentWriter{w: zw, crc: crc32.New(crcTable)}
	page := make([]byte, PageSize)
	for offset := uint64(0); offset < fileSize; offset += PageSize {
		n, err := io.ReadFull(src, page)
		if n == 0 {
			if err == io.EOF {
				break
			}
			zw.Close()
			return 0, fmt.Errorf("read page at %d: %w", offset, err)
		}
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			zw.Close()
			return 0, fmt.Errorf("read page at %d: %w", offset, err)
		}
		if !bytes.Equal(page[:n], zeroPage[:n]) {
			if aerr := ew.add(offset, page[:n]); aerr != nil {
				zw.Close()
				return 0, fmt.Errorf("write extent at %d: %w", offset, aerr)
			}
		}
		if err != nil {
			break
		}
	}
	if err := ew.trailer(); err != nil {
		zw.Close()
		return 0, fmt.Errorf("write trailer: %w", err)
	}

	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	return ew.count, nil
}

// PackFile is Pack writing to a file at dstPath.
func PackFile(srcPath, dstPath string) (int, error) {
	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}
	extents, err := Pack(srcPath, dst)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dstPath)
		return 0, err
	}
	return extents, nil
}

// Unpack reads a sparse archive from r and reconstructs the original file
// at dstPath as a sparse file. The checksum trailer is mandatory; a
// mismatch or a stream ending before the trailer is an error.
func Unpack(r io.Reader, dstPath string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	var header [16]byte
	if _, err := io.ReadFull(zr, header[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if string(header[:8]) != Magic {
		return fmt.Errorf("invalid magic %q", header[:8])
	}
	fileSize := binary.LittleEndian.Uint64(header[8:16])

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer dst.Close()

	if err := dst.Truncate(int64(fileSize)); err != nil {
		return fmt.Errorf("truncate to %d: %w", fileSize, err)
	}

	crc := crc32.New(crcTable)
	var hdr [12]byte
	var data []byte
	for {
		if _, err := io.ReadFull(zr, hdr[:]); err != nil {
			return fmt.Errorf("read extent header: %w", err)
		}
		offset := binary.LittleEndian.Uint64(hdr[0:8])
		length := binary.LittleEndian.Uint32(hdr[8:12])

		if offset == trailerOffset {
			var sum [4]byte
			if _, err := io.ReadFull(zr, sum[:]); err != nil {
				return fmt.Errorf("read checksum: %w", err)
			}
			if got := binary.LittleEndian.Uint32(sum[:]); got != crc.Sum32() {
				return fmt.Errorf("checksum mismatch: archive %08x, computed %08x", got, crc.Sum32())
			}
			return nil
		}

		if length == 0 || length > maxExtentPages*PageSize {
			return fmt.Errorf("invalid extent length %d at offset %d", length, offset)
		}
		if uint64(cap(data)) < uint64(length) {
			data = make([]byte, length)
		}
		data = data[:length]
		if _, err := io.ReadFull(zr, data); err != nil {
			return fmt.Errorf("read extent at %d: %w", offset, err)
		}
		crc.Write(hdr[:])
		crc.Write(data)
		if _, err := dst.WriteAt(data, int64(offset)); err != nil {
			return fmt.Errorf("write extent at %d: %w", offset, err)
		}
	}
}

// UnpackFile is Unpack reading from a file at archivePath.
func UnpackFile(archivePath, dstPath string) error {
	src, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer src.Close()
	return Unpack(src, dstPath)
}
