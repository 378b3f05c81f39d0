package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/shardhash/torrentd/metrics"
	"github.com/shardhash/torrentd/peerserver"
	"github.com/shardhash/torrentd/scheduler"
	"github.com/shardhash/torrentd/store"
	"github.com/shardhash/torrentd/trackerserver"
)

// Config is the top-level torrentd configuration file shape, loaded via
// --config.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Store     store.Config         `yaml:"store"`
	Metrics   metrics.Config       `yaml:"metrics"`
	Tracker   trackerserver.Config `yaml:"tracker"`
	Peer      peerserver.Config    `yaml:"peer"`
	Scheduler scheduler.Config     `yaml:"scheduler"`
}

func loadConfig(path string) (Config, error) {
	var config Config
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("read config: %s", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse config: %s", err)
	}
	return config, nil
}
