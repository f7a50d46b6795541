package overlay

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fcsandbox/fcsandbox/internal/artifacts"
)

// buildImage writes a mostly-zero image with a few data regions, the shape
// of a real ext4 image.
func buildImage(t *testing.T, path string, size int64) []byte {
	t.Helper()
	data := make([]byte, size)
	copy(data[0:], []byte("superblock"))
	copy(data[size/2:], bytes.Repeat([]byte{0xAB}, 512))
	copy(data[size-100:], []byte("tail"))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return data
}

func TestCreate_CopiesContent(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.ext4")
	want := buildImage(t, base, 64*1024)

	ov := filepath.Join(dir, "rootfs.ext4")
	if err := Create(base, ov); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := os.ReadFile(ov)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("overlay content differs from base image")
	}
}

func TestCreate_OverlayIsIndependent(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.ext4")
	want := buildImage(t, base, 16*1024)

	ov := filepath.Join(dir, "rootfs.ext4")
	if err := Create(base, ov); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Writes to the overlay must not reach the base image.
	f, err := os.OpenFile(ov, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte("scribble"), 0); err != nil {
		t.Fatal(err)
	}
	f.Close()

	baseNow, err := os.ReadFile(base)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(baseNow, want) {
		t.Fatal("base image was modified through the overlay")
	}
}

func TestCreate_OddSize(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.ext4")
	// Not a multiple of the block size.
	want := buildImage(t, base, 4096+123)

	ov := filepath.Join(dir, "rootfs.ext4")
	if err := Create(base, ov); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	got, err := os.ReadFile(ov)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("overlay content differs for odd-sized image")
	}
}

func TestCreate_MissingBase(t *testing.T) {
	dir := t.TempDir()
	err := Create(filepath.Join(dir, "absent.ext4"), filepath.Join(dir, "rootfs.ext4"))
	if !errors.Is(err, artifacts.ErrArtifactMissing) {
		t.Fatalf("expected ErrArtifactMissing, got %v", err)
	}
}
