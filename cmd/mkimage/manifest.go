package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest describes a bootable disk image to assemble: the kernel ELF,
// the userland binaries to copy alongside it, and the output image's size
// and path. See SPEC_FULL.md §10.3.
type Manifest struct {
	Kernel   string   `yaml:"kernel"`
	Userland []string `yaml:"userland"`
	SizeMB   int      `yaml:"sizeMB"`
	Output   string   `yaml:"output"`
}

func (m *Manifest) normalize() {
	if m.SizeMB == 0 {
		m.SizeMB = 64
	}
	if m.Output == "" {
		m.Output = "corekernel.img"
	}
}

func (m *Manifest) validate() error {
	if m.Kernel == "" {
		return fmt.Errorf("manifest: kernel path is required")
	}
	if m.SizeMB <= 0 {
		return fmt.Errorf("manifest: sizeMB must be positive, got %d", m.SizeMB)
	}
	return nil
}

// LoadManifest reads and validates a build manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	m.normalize()
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
