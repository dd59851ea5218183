// Command mkimage fills a disk image file from a YAML build manifest: it
// creates a sparse image file of the manifest's size, attaches it to a loop
// device, mounts the device's first partition as vfat and copies the
// corekernel ELF and the userland demo binaries onto it. It writes no
// partition table, creates no filesystem and installs no bootloader.
// It is ordinary host tooling, not part
// of the freestanding kernel binary, so it uses the standard library and
// OS-facing packages the way any Go CLI would.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
)

func main() {
	manifestPath := flag.String("manifest", "image.yaml", "path to the build manifest")
	flag.Parse()

	if err := run(*manifestPath); err != nil {
		log.Fatalf("mkimage: %v", err)
	}
}

func run(manifestPath string) error {
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	log.Printf("building %s (%d MB) from %s", m.Output, m.SizeMB, m.Kernel)

	if err := createSparseImage(m.Output, int64(m.SizeMB)<<20); err != nil {
		return fmt.Errorf("create image: %w", err)
	}

	loop, err := attachLoopDevice(m.Output)
	if err != nil {
		return fmt.Errorf("attach loop device: %w", err)
	}
	defer loop.Close()

	mountDir, err := os.MkdirTemp("", "mkimage-esp-*")
	if err != nil {
		return fmt.Errorf("create mount dir: %w", err)
	}
	defer os.RemoveAll(mountDir)

	if err := mountESP(loop.path, mountDir); err != nil {
		return fmt.Errorf("mount esp: %w", err)
	}
	defer unmountESP(mountDir)

	files := append([]string{m.Kernel}, m.Userland...)
	bar := progressbar.Default(int64(len(files)), "copying files")
	for _, f := range files {
		if err := copyInto(f, mountDir); err != nil {
			return fmt.Errorf("copy %s: %w", f, err)
		}
		bar.Add(1)
	}

	log.Printf("wrote %s", m.Output)
	return nil
}

// createSparseImage creates a zero-filled sparse file of the given size,
// the same way `truncate -s` or `qemu-img create` would.
func createSparseImage(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

func copyInto(srcPath, destDir string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := os.Create(filepath.Join(destDir, filepath.Base(srcPath)))
	if err != nil {
		return err
	}
	defer dest.Close()

	_, err = io.Copy(dest, src)
	return err
}
