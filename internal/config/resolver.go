// Package config resolves every tuning knob the engine recognizes from,
// in increasing precedence: built-in defaults, the yaml config file,
// TURNSTILE_* environment variables, and CLI flags. String-valued settings
// carry provenance so status output can say where a value came from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrelworks/turnstile/internal/pipeline"
)

type ValueSource string

const (
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

// ResolvedValue is a string setting plus where it was decided.
type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// ResolveOptions carries CLI-level overrides into resolution.
type ResolveOptions struct {
	ConfigPath        string
	CLIDBPath         string
	CLIConversationID string
}

// Resolved is the fully resolved configuration.
type Resolved struct {
	ConfigPath     string        `json:"config_path"`
	DBPath         ResolvedValue `json:"db_path"`
	ConversationID ResolvedValue `json:"conversation_id"`

	Pipeline pipeline.Config `json:"-"`
}

type fileConfig struct {
	DBPath         string `yaml:"db_path"`
	ConversationID string `yaml:"conversation_id"`

	Debounce struct {
		QuietMS       int `yaml:"quiet_ms"`
		MinTextLength int `yaml:"min_text_length"`
	} `yaml:"debounce"`

	Filters struct {
		VelocityThreshold    int `yaml:"velocity_threshold"`
		VelocityWindowMS     int `yaml:"velocity_window_ms"`
		ConversationWindowMS int `yaml:"conversation_window_ms"`
		ActivityWindowMS     int `yaml:"activity_window_ms"`
		EchoWindowMS         int `yaml:"echo_window_ms"`
		HashBufferSize       int `yaml:"hash_buffer_size"`
		PatternRunLength     int `yaml:"pattern_run_length"`
	} `yaml:"filters"`

	Preserve struct {
		RepeatableCommands []string `yaml:"repeatable_commands"`
		CommandWindowMS    int      `yaml:"command_window_ms"`
		RepeatWindowMS     int      `yaml:"repeat_window_ms"`
		ShortTextLimit     int      `yaml:"short_text_limit"`
		BurstCeiling       int      `yaml:"burst_ceiling"`
	} `yaml:"preserve"`

	Exchange struct {
		ResponseWindowMS   int `yaml:"response_window_ms"`
		MinResponseDelayMS int `yaml:"min_response_delay_ms"`
		SendGuardMS        int `yaml:"send_guard_ms"`
	} `yaml:"exchange"`

	Session struct {
		RecentLimit     int `yaml:"recent_limit"`
		SweepMaxAgeMS   int `yaml:"sweep_max_age_ms"`
		SweepIntervalMS int `yaml:"sweep_interval_ms"`
	} `yaml:"session"`
}

// DefaultConfigPath is where the config file lives unless overridden.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".turnstile", "config.yaml")
}

// Resolve loads and merges configuration. A missing config file is not an
// error; defaults carry.
func Resolve(opts ResolveOptions) (Resolved, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("TURNSTILE_CONFIG"))
	}
	if path == "" {
		path = DefaultConfigPath()
	}

	out := Resolved{
		ConfigPath: path,
		Pipeline:   pipeline.DefaultConfig(),
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.ConversationID, cfg.ConversationID, SourceConfig, path)

		p := &out.Pipeline
		applyMS(&p.QuietPeriod, cfg.Debounce.QuietMS)
		applyInt(&p.MinTextLength, cfg.Debounce.MinTextLength)

		applyInt(&p.Filter.VelocityThreshold, cfg.Filters.VelocityThreshold)
		applyMS(&p.Session.BurstWindow, cfg.Filters.VelocityWindowMS)
		applyMS(&p.Filter.ConversationWindow, cfg.Filters.ConversationWindowMS)
		applyMS(&p.Filter.ActivityWindow, cfg.Filters.ActivityWindowMS)
		applyMS(&p.Filter.EchoWindow, cfg.Filters.EchoWindowMS)
		applyInt(&p.Session.HashRing, cfg.Filters.HashBufferSize)
		applyInt(&p.Filter.PatternRunLength, cfg.Filters.PatternRunLength)

		if len(cfg.Preserve.RepeatableCommands) > 0 {
			p.Preserve.RepeatableCommands = cfg.Preserve.RepeatableCommands
		}
		applyMS(&p.Preserve.CommandWindow, cfg.Preserve.CommandWindowMS)
		applyMS(&p.Preserve.RepeatWindow, cfg.Preserve.RepeatWindowMS)
		applyInt(&p.Preserve.ShortTextLimit, cfg.Preserve.ShortTextLimit)
		applyInt(&p.Preserve.BurstCeiling, cfg.Preserve.BurstCeiling)

		applyMS(&p.Exchange.ResponseWindow, cfg.Exchange.ResponseWindowMS)
		applyMS(&p.Exchange.MinResponseDelay, cfg.Exchange.MinResponseDelayMS)
		applyMS(&p.Exchange.SendGuard, cfg.Exchange.SendGuardMS)

		applyInt(&p.Session.RecentLimit, cfg.Session.RecentLimit)
		applyMS(&p.SweepMaxAge, cfg.Session.SweepMaxAgeMS)
		applyMS(&p.SweepInterval, cfg.Session.SweepIntervalMS)
	}

	applyEnv(&out.DBPath, "TURNSTILE_DB")
	applyEnv(&out.ConversationID, "TURNSTILE_CONVERSATION")
	if v, ok := envInt("TURNSTILE_VELOCITY_THRESHOLD"); ok {
		out.Pipeline.Filter.VelocityThreshold = v
	}
	if v, ok := envInt("TURNSTILE_QUIET_MS"); ok {
		out.Pipeline.QuietPeriod = time.Duration(v) * time.Millisecond
	}
	if v := strings.TrimSpace(os.Getenv("TURNSTILE_REPEATABLE_COMMANDS")); v != "" {
		out.Pipeline.Preserve.RepeatableCommands = splitList(v)
	}

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.ConversationID, opts.CLIConversationID, SourceCLI, "--conversation")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}
	out.Pipeline.ConversationID = out.ConversationID.Value
	out.Pipeline = out.Pipeline.WithDefaults()

	// The preserve-side retransmission guard follows the filter-side
	// conversation window so the two never disagree.
	out.Pipeline.Preserve.ConversationWindow = out.Pipeline.Filter.ConversationWindow

	return out, nil
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func applyMS(dst *time.Duration, ms int) {
	if ms > 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

func applyInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
