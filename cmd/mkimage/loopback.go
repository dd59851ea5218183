package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// loopDevice attaches a disk image file to a free /dev/loop* node so its
// partitions can be mounted to copy files into the ESP, and detaches it on
// Close. This is host-only tooling — golang.org/x/sys/unix's raw ioctl
// wrappers are exactly what the ordinary `losetup`/`mount` toolchain uses
// under the hood.
type loopDevice struct {
	path string
	ctrl *os.File
	dev  *os.File
}

func attachLoopDevice(imagePath string) (*loopDevice, error) {
	ctrl, err := os.Open("/dev/loop-control")
	if err != nil {
		return nil, fmt.Errorf("open loop-control: %w", err)
	}

	nr, err := unix.IoctlRetInt(int(ctrl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("LOOP_CTL_GET_FREE: %w", err)
	}

	devPath := fmt.Sprintf("/dev/loop%d", nr)
	dev, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("open %s: %w", devPath, err)
	}

	img, err := os.Open(imagePath)
	if err != nil {
		dev.Close()
		ctrl.Close()
		return nil, fmt.Errorf("open %s: %w", imagePath, err)
	}
	defer img.Close()

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_SET_FD, int(img.Fd())); err != nil {
		dev.Close()
		ctrl.Close()
		return nil, fmt.Errorf("LOOP_SET_FD: %w", err)
	}

	return &loopDevice{path: devPath, ctrl: ctrl, dev: dev}, nil
}

func (l *loopDevice) Close() error {
	err := unix.IoctlSetInt(int(l.dev.Fd()), unix.LOOP_CLR_FD, 0)
	l.dev.Close()
	l.ctrl.Close()
	if err != nil {
		return fmt.Errorf("LOOP_CLR_FD: %w", err)
	}
	return nil
}

// mountESP mounts the loop device's first partition (the image's ESP) at
// dir so the kernel ELF and userland binaries can be copied in.
func mountESP(devPath, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if err := unix.Mount(devPath+"p1", dir, "vfat", 0, ""); err != nil {
		return fmt.Errorf("mount %s at %s: %w", devPath, dir, err)
	}
	return nil
}

func unmountESP(dir string) error {
	if err := unix.Unmount(dir, 0); err != nil {
		return fmt.Errorf("unmount %s: %w", dir, err)
	}
	return nil
}
