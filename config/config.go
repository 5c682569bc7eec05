package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

const MaxAdditionalFOV = 80.0

const (
	DefaultPollAttempts = 100
	DefaultPollInterval = 250 * time.Millisecond
)

var ErrConfigNotFound = errors.New("could not locate config file")

// Console holds the engine commands issued once the engine is up.
type Console struct {
	Enabled  bool
	Commands []string
}

// Engine controls the bounded wait for engine globals that appear after startup.
type Engine struct {
	PollAttempts int
	PollInterval time.Duration
}

// Config is read once at startup and is read-only afterwards.
type Config struct {
	UncapFPS      bool
	FixResolution bool
	FixAspect     bool
	FixHUD        bool
	FixFOV        bool
	AdditionalFOV float32
	LODDistance   bool

	Console Console
	Engine  Engine
}

// Load reads the ini file at path. A missing file is reported as ErrConfigNotFound.
func Load(path string, log logrus.FieldLogger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}
	log.Infof("Config file: %s", path)
	return Parse(data, log)
}

func Parse(data []byte, log logrus.FieldLogger) (*Config, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		SpaceBeforeInlineComment: true,
	}, data)
	if err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}

	cfg := &Config{}
	log.Info("----------")

	cfg.UncapFPS = file.Section("Uncap Framerate").Key("Enabled").MustBool(false)
	log.Infof("Config Parse: bUncapFPS: %v", cfg.UncapFPS)

	cfg.FixResolution = file.Section("Fix Resolution").Key("Enabled").MustBool(false)
	log.Infof("Config Parse: bFixResolution: %v", cfg.FixResolution)

	cfg.FixAspect = file.Section("Fix Aspect Ratio").Key("Enabled").MustBool(false)
	log.Infof("Config Parse: bFixAspect: %v", cfg.FixAspect)

	cfg.FixHUD = file.Section("Fix HUD").Key("Enabled").MustBool(false)
	log.Infof("Config Parse: bFixHUD: %v", cfg.FixHUD)

	fov := file.Section("Fix FOV")
	cfg.FixFOV = fov.Key("Enabled").MustBool(false)
	log.Infof("Config Parse: bFixFOV: %v", cfg.FixFOV)
	cfg.AdditionalFOV = float32(fov.Key("AdditionalFOV").MustFloat64(0))
	if clamped := ClampFOV(cfg.AdditionalFOV); clamped != cfg.AdditionalFOV {
		cfg.AdditionalFOV = clamped
		log.Warnf("Config Parse: fAdditionalFOV value invalid, clamped to %v", cfg.AdditionalFOV)
	}
	log.Infof("Config Parse: fAdditionalFOV: %v", cfg.AdditionalFOV)

	cfg.LODDistance = file.Section("LOD Distance").Key("Enabled").MustBool(false)
	log.Infof("Config Parse: bLODDistance: %v", cfg.LODDistance)

	console := file.Section("Console Commands")
	cfg.Console.Enabled = console.Key("Enabled").MustBool(false)
	cfg.Console.Commands = splitCommands(console.Key("Commands").String())
	log.Infof("Config Parse: bConsoleCommands: %v", cfg.Console.Enabled)
	log.Infof("Config Parse: sConsoleCommands: %q", cfg.Console.Commands)

	engine := file.Section("Engine")
	cfg.Engine.PollAttempts = engine.Key("PollAttempts").MustInt(DefaultPollAttempts)
	if cfg.Engine.PollAttempts < 1 {
		cfg.Engine.PollAttempts = 1
	}
	cfg.Engine.PollInterval = time.Duration(engine.Key("PollIntervalMs").MustInt(int(DefaultPollInterval/time.Millisecond))) * time.Millisecond
	if cfg.Engine.PollInterval <= 0 {
		cfg.Engine.PollInterval = DefaultPollInterval
	}
	log.Infof("Config Parse: iPollAttempts: %d", cfg.Engine.PollAttempts)
	log.Infof("Config Parse: iPollInterval: %v", cfg.Engine.PollInterval)

	log.Info("----------")
	return cfg, nil
}

// ClampFOV limits v to ±MaxAdditionalFOV. NaN becomes 0.
func ClampFOV(v float32) float32 {
	if math.IsNaN(float64(v)) {
		return 0
	}
	if v < -MaxAdditionalFOV {
		return -MaxAdditionalFOV
	}
	if v > MaxAdditionalFOV {
		return MaxAdditionalFOV
	}
	return v
}

func splitCommands(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ";") {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}
