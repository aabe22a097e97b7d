// Package config handles .texlink configuration file parsing.
//
// The .texlink file lives in the working directory (or any parent up to the
// git root) and contains:
//
//	listen: "localhost:6403"                  - Address the peer connects to
//	path: "/texlink"                          - Websocket endpoint path
//	painterUrl: "http://localhost:60041"      - Authoring tool remote-scripting URL
//	painterTimeout: 30s                       - Per-request timeout for painterUrl
//	busyProbe: "alg.compute.isBusy()"         - Expression polled for busy/idle
//	statusPollInterval: 250ms                 - Busy probe interval
//	autoLink: true                            - Re-export when the tool goes idle
//	linkQuickInterval: 1000                   - Delay before the quick export (ms or duration)
//	linkDegradedResolution: 512               - Width of the quick export in pixels
//	linkHQTreshold: 1024                      - Side length above which exports degrade first
//	linkHQInterval: 5s                        - Delay before the high-quality re-send
//	initDelayOnProjectCreation: 2s            - Wait after creating a project
//	projectReadyTimeout: 60s                  - Upper bound on waiting for a new project
//	sessionFile: ".texlink-session.json"      - Session record for `texlink status`
//	logLevel: "info"                          - debug, info, warn or error
//
// Any key may be omitted; defaults apply. TEXLINK_* environment variables
// override the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/texlink/texlink/internal/painter"
	"github.com/texlink/texlink/internal/scheduler"
)

// FileName is the name of the configuration file.
const FileName = ".texlink"

// customPath holds an optional custom config file path.
// When empty, Load() searches for FileName.
var customPath string

// SetPath sets a custom config file path for Load() to use.
// Pass an empty string to reset to the default path.
func SetPath(path string) {
	customPath = path
}

// GetPath returns the current config file path.
// Returns the custom path if set, otherwise the default FileName.
func GetPath() string {
	if customPath != "" {
		return customPath
	}
	return FileName
}

// FindPath resolves the config file path using the same logic as Load(),
// without reading or parsing the file contents.
func FindPath() (string, error) {
	if customPath != "" {
		return customPath, nil
	}
	return findDefaultConfigPath()
}

var (
	urlPattern    = regexp.MustCompile(`^https?://[^\s]+$`)
	logLevels     = []string{"debug", "info", "warn", "error"}
	defaultListen = "localhost:6403"
)

// Config represents the .texlink configuration file.
type Config struct {
	Listen string `yaml:"listen" json:"listen"`
	Path   string `yaml:"path" json:"path"`

	PainterURL         string   `yaml:"painterUrl" json:"painterUrl"`
	PainterTimeout     Duration `yaml:"painterTimeout" json:"painterTimeout"`
	BusyProbe          string   `yaml:"busyProbe" json:"busyProbe"`
	StatusPollInterval Duration `yaml:"statusPollInterval" json:"statusPollInterval"`

	AutoLink               *bool    `yaml:"autoLink,omitempty" json:"autoLink,omitempty"`
	LinkQuickInterval      Duration `yaml:"linkQuickInterval" json:"linkQuickInterval"`
	LinkDegradedResolution int      `yaml:"linkDegradedResolution" json:"linkDegradedResolution"`
	LinkHQThreshold        int      `yaml:"linkHQTreshold" json:"linkHQTreshold"`
	LinkHQInterval         Duration `yaml:"linkHQInterval" json:"linkHQInterval"`

	InitDelayOnProjectCreation Duration `yaml:"initDelayOnProjectCreation" json:"initDelayOnProjectCreation"`
	ProjectReadyTimeout        Duration `yaml:"projectReadyTimeout" json:"projectReadyTimeout"`

	SessionFile string `yaml:"sessionFile" json:"sessionFile"`
	LogLevel    string `yaml:"logLevel" json:"logLevel"`
}

// Default returns the configuration used when no file exists. Keys absent
// from a loaded file keep these values.
func Default() *Config {
	return &Config{
		Listen:                     defaultListen,
		Path:                       "/texlink",
		PainterURL:                 "http://localhost:60041",
		PainterTimeout:             Duration(30 * time.Second),
		BusyProbe:                  painter.DefaultBusyProbe,
		StatusPollInterval:         Duration(250 * time.Millisecond),
		LinkQuickInterval:          Duration(time.Second),
		LinkDegradedResolution:     512,
		LinkHQThreshold:            1024,
		LinkHQInterval:             Duration(5 * time.Second),
		InitDelayOnProjectCreation: Duration(2 * time.Second),
		ProjectReadyTimeout:        Duration(60 * time.Second),
		SessionFile:                ".texlink-session.json",
		LogLevel:                   "info",
	}
}

// AutoLinkEnabled reports whether auto-link is on. It defaults to true.
func (c *Config) AutoLinkEnabled() bool {
	if c.AutoLink == nil {
		return true
	}
	return *c.AutoLink
}

// SchedulerOptions returns the auto-link timing.
func (c *Config) SchedulerOptions() scheduler.Options {
	return scheduler.Options{
		QuickInterval:      c.LinkQuickInterval.Std(),
		HQInterval:         c.LinkHQInterval.Std(),
		DegradedResolution: c.LinkDegradedResolution,
		HQThreshold:        c.LinkHQThreshold,
	}
}

// Load reads and parses the .texlink configuration file. A missing file is
// not an error: defaults and environment overrides apply.
// Uses the custom path if set via SetPath(), otherwise searches for FileName.
func Load() (*Config, error) {
	path, err := FindPath()
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	cfg, err := LoadFrom(path)
	if os.IsNotExist(err) && customPath == "" {
		cfg = Default()
		cfg.applyEnv(os.Getenv)
		return cfg, cfg.Validate()
	}
	return cfg, err
}

// LoadFrom reads and parses a .texlink configuration file from a specific
// path, then applies environment overrides and validates the result.
// Keys missing from the file keep their defaults; keys present keep their
// value, so `linkQuickInterval: 0` means no delay.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err // Return unwrapped for os.IsNotExist() checks
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv overrides fields from TEXLINK_* variables.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("TEXLINK_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := getenv("TEXLINK_PATH"); v != "" {
		c.Path = v
	}
	if v := getenv("TEXLINK_PAINTER_URL"); v != "" {
		c.PainterURL = v
	}
	if v := getenv("TEXLINK_SESSION_FILE"); v != "" {
		c.SessionFile = v
	}
	if v := getenv("TEXLINK_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("TEXLINK_AUTO_LINK"); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			c.AutoLink = &on
		}
	}
}

func findDefaultConfigPath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return FileName, nil
	}

	gitRoot, ok := findGitRoot(cwd)
	if !ok {
		// Outside a git worktree only the working directory counts.
		if _, err := os.Stat(FileName); err != nil {
			return FileName, err
		}
		return FileName, nil
	}

	dir := cwd
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}

		if dir == gitRoot {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	rootCandidate := filepath.Join(gitRoot, FileName)
	return rootCandidate, &os.PathError{Op: "open", Path: rootCandidate, Err: os.ErrNotExist}
}

func findGitRoot(start string) (string, bool) {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

// Save writes the configuration to the config file.
// Uses the custom path if set via SetPath(), otherwise the default FileName.
func (c *Config) Save() error {
	path := GetPath()
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	header := "# texlink configuration\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Validate checks that all fields hold usable values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path must start with /")
	}
	if !urlPattern.MatchString(c.PainterURL) {
		return fmt.Errorf("painterUrl must be a valid HTTP(S) URL")
	}
	for name, d := range map[string]Duration{
		"painterTimeout":             c.PainterTimeout,
		"statusPollInterval":         c.StatusPollInterval,
		"linkQuickInterval":          c.LinkQuickInterval,
		"linkHQInterval":             c.LinkHQInterval,
		"initDelayOnProjectCreation": c.InitDelayOnProjectCreation,
		"projectReadyTimeout":        c.ProjectReadyTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.StatusPollInterval == 0 {
		return fmt.Errorf("statusPollInterval must be positive")
	}
	if c.LinkDegradedResolution < 1 {
		return fmt.Errorf("linkDegradedResolution must be at least 1")
	}
	if c.LinkHQThreshold < 1 {
		return fmt.Errorf("linkHQTreshold must be at least 1")
	}
	if !IsValidLogLevel(c.LogLevel) {
		return fmt.Errorf("logLevel must be one of %s", strings.Join(logLevels, ", "))
	}
	return nil
}

// IsValidLogLevel checks a logLevel value.
func IsValidLogLevel(level string) bool {
	level = strings.ToLower(strings.TrimSpace(level))
	for _, l := range logLevels {
		if l == level {
			return true
		}
	}
	return false
}

// Duration is a time.Duration that reads from yaml either as a duration
// string ("1.5s") or as an integer number of milliseconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if node.Tag == "!!int" {
		ms, err := strconv.ParseInt(node.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(d.String())), nil
}
