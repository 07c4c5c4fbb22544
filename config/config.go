// Copyright (C) 2008-2018 by Nicolas Piganeau and the TS2 TEAM
// (See AUTHORS file)
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program; if not, write to the
// Free Software Foundation, Inc.,
// 59 Temple Place - Suite 330, Boston, MA  02111-1307, USA.

// Package config loads and hot-reloads the engine's YAML configuration
// (§6.4 of the design): the detection/prediction/rate-limit tunables,
// storage and redis targets, and the AI strategy's policy knobs. The
// reload pattern (watch the config file's directory so atomic
// replace-on-write editors still trigger a reload, debounce, swap an
// atomic pointer) follows ManuGH-xg2g's internal/config/reload.go.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	log "gopkg.in/inconshreveable/log15.v2"
	"gopkg.in/yaml.v3"
)

var logger log.Logger

func InitializeLogger(parentLogger log.Logger) {
	logger = parentLogger.New("module", "config")
}

// Duration is a time.Duration that unmarshals from the usual YAML forms:
// a Go duration string ("30s", "5m") or a bare number of seconds.
// gopkg.in/yaml.v3 has no native time.Duration handling, so every
// duration-valued key goes through this type.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds float64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("config: duration must be a string like \"30s\" or a number of seconds")
	}
	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is every recognized key of §6.4, plus the storage/redis/AI keys
// SPEC_FULL.md §5 adds on top.
type Config struct {
	DetectionInterval    Duration `yaml:"detection_interval"`
	DetectionTimeout     Duration `yaml:"detection_timeout"`
	PredictionHorizon    Duration `yaml:"prediction_horizon"`
	SafetyBuffer         Duration `yaml:"safety_buffer"`
	AlertWindow          Duration `yaml:"alert_window"`
	TravelTimeFloorSpeed float64  `yaml:"travel_time_floor_speed"`
	TravelTimeMargin     float64  `yaml:"travel_time_margin"`

	RateLimits struct {
		Critical        int `yaml:"critical"`
		Standard        int `yaml:"standard"`
		ManualDetection int `yaml:"manual_detection"`
	} `yaml:"rate_limits"`

	ExecutorPoolSize    int `yaml:"executor_pool_size"`
	IngestionQueueCap   int `yaml:"ingestion_queue_capacity"`
	MaxClientBacklog    int `yaml:"max_client_backlog"`
	HardClientBacklog   int `yaml:"hard_client_backlog"`
	HubShards           int `yaml:"hub_shards"`

	SeverityWeights struct {
		Time       float64 `yaml:"time"`
		Priority   float64 `yaml:"priority"`
		Passengers float64 `yaml:"passengers"`
		Network    float64 `yaml:"network"`
		Safety     float64 `yaml:"safety"`
	} `yaml:"severity_weights"`

	AI struct {
		Enabled             bool   `yaml:"enabled"`
		DefaultStrategy     string `yaml:"default_strategy"`
		InlineTimeoutMS     int    `yaml:"inline_timeout_ms"`
		BackgroundTimeoutMS int    `yaml:"background_timeout_ms"`
		AnthropicAPIKey     string `yaml:"anthropic_api_key"`
		AnthropicModel      string `yaml:"anthropic_model"`
	} `yaml:"ai"`

	Storage struct {
		Driver string `yaml:"driver"` // "memory" | "postgres"
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`

	HTTP struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"http"`

	PositionRetention Duration `yaml:"position_retention"`
}

// Default returns the configuration with every §6.4 default applied; a
// zero-value Config loaded from an empty or partial YAML file is passed
// through this before use.
func Default() Config {
	var c Config
	c.DetectionInterval = Duration(30 * time.Second)
	c.DetectionTimeout = Duration(10 * time.Second)
	c.PredictionHorizon = Duration(60 * time.Minute)
	c.SafetyBuffer = Duration(2 * time.Minute)
	c.AlertWindow = Duration(5 * time.Minute)
	c.TravelTimeFloorSpeed = 10
	c.TravelTimeMargin = 1.2
	c.RateLimits.Critical = 10
	c.RateLimits.Standard = 30
	c.RateLimits.ManualDetection = 5
	c.ExecutorPoolSize = 8
	c.IngestionQueueCap = 1024
	c.MaxClientBacklog = 256
	c.HardClientBacklog = 1024
	c.HubShards = 8
	c.SeverityWeights.Time = 3
	c.SeverityWeights.Priority = 2
	c.SeverityWeights.Passengers = 2.5
	c.SeverityWeights.Network = 1.5
	c.SeverityWeights.Safety = 1
	c.AI.InlineTimeoutMS = 2000
	c.AI.BackgroundTimeoutMS = 30000
	c.Storage.Driver = "memory"
	c.Metrics.ListenAddr = ":9090"
	c.HTTP.ListenAddr = ":22222"
	c.PositionRetention = Duration(30 * 24 * time.Hour)
	return c
}

// Load reads path (if non-empty and present) and overlays it onto
// Default(). A missing path is not an error: the engine runs on
// defaults, matching the teacher's tolerance for an absent config file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Holder is a hot-reloadable Config: Current() is safe to call from any
// goroutine while Watch's debounced reload loop swaps in a freshly
// loaded/validated config on file change.
type Holder struct {
	path    string
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
}

// NewHolder loads path once and returns a Holder seeded with the result.
func NewHolder(path string) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	h := &Holder{path: path}
	h.current.Store(&cfg)
	return h, nil
}

// Current returns the most recently loaded configuration.
func (h *Holder) Current() Config {
	return *h.current.Load()
}

// Watch starts watching the config file's directory for changes and
// reloads on Write/Create/Rename, debounced by 500ms so editors that
// write-then-rename don't trigger two reloads. It returns immediately
// if h.path is empty (defaults-only operation, no file to watch).
func (h *Holder) Watch(stop <-chan struct{}) error {
	if h.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	h.watcher = watcher
	dir := filepath.Dir(h.path)
	base := filepath.Base(h.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	go h.loop(base, stop)
	return nil
}

func (h *Holder) loop(base string, stop <-chan struct{}) {
	var debounce *time.Timer
	const debounceWindow = 500 * time.Millisecond
	reload := func() {
		cfg, err := Load(h.path)
		if err != nil {
			logger.Warn("config reload failed, keeping previous config", "path", h.path, "err", err)
			return
		}
		h.current.Store(&cfg)
		logger.Info("configuration reloaded", "path", h.path)
	}
	for {
		select {
		case <-stop:
			_ = h.watcher.Close()
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, reload)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", "err", err)
		}
	}
}

func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}
