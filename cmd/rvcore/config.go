package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MachineConfig mirrors machine.Config in YAML-friendly form, so a user can
// check a boot profile into a file instead of repeating flags. Flags passed
// on the command line override whatever the config file sets, the way the
// teacher's own config loading layers flags over file defaults.
type MachineConfig struct {
	HartCount      int    `yaml:"harts"`
	MemoryMB       int    `yaml:"memory_mb"`
	Kernel         string `yaml:"kernel"`
	Disk           string `yaml:"disk"`
	DiskSizeMB     int    `yaml:"disk_size_mb"`
	BootArgs       string `yaml:"bootargs"`
	Net            bool   `yaml:"net"`
	RNG            bool   `yaml:"rng"`
	UseBlockEngine bool   `yaml:"block_engine"`
}

func loadMachineConfig(path string) (MachineConfig, error) {
	var cfg MachineConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}
