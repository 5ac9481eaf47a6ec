// Package config loads and validates the scanner's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultConfigName is looked up in the target directory when no
	// config path is given.
	DefaultConfigName = "codescan.toml"

	DefaultOutputFile = "code_scan_results.md"
	DefaultLogFile    = "code_scan.log"
	DefaultLockFile   = ".code_scan.lock"

	DefaultGitPollInterval  = 30 * time.Second
	DefaultLLMRetryInterval = 10 * time.Second
	DefaultMaxLLMRetries    = 3
)

// Backend identifies which LLM server protocol to speak.
type Backend string

const (
	BackendLMStudio Backend = "lm-studio"
	BackendOllama   Backend = "ollama"
)

// LLM is the connection configuration for the model backend.
type LLM struct {
	Backend      Backend `toml:"backend"`
	Host         string  `toml:"host"`
	Port         int     `toml:"port"`
	Model        string  `toml:"model"`
	Timeout      int     `toml:"timeout"`
	ContextLimit int     `toml:"context_limit"`
}

// BaseURL returns the API root for the configured backend. LM Studio
// exposes an OpenAI-compatible API under /v1; Ollama serves from the root.
func (l LLM) BaseURL() string {
	if l.Backend == BackendLMStudio {
		return fmt.Sprintf("http://%s:%d/v1", l.Host, l.Port)
	}
	return fmt.Sprintf("http://%s:%d", l.Host, l.Port)
}

// RequestTimeout returns the per-request timeout as a duration.
func (l LLM) RequestTimeout() time.Duration {
	return time.Duration(l.Timeout) * time.Second
}

// CheckGroup binds a set of check prompts to a file pattern. A group with
// an empty check list acts as an ignore rule for its pattern.
type CheckGroup struct {
	Pattern string   `toml:"pattern"`
	Checks  []string `toml:"checks"`
}

// MatchesFile reports whether filePath falls under this group's pattern.
// The pattern field may hold several comma-separated globs; each is tried
// against both the base name and the full slash path.
func (g CheckGroup) MatchesFile(filePath string) bool {
	filePath = strings.ReplaceAll(filePath, "\\", "/")
	base := path.Base(filePath)

	for _, pat := range strings.Split(g.Pattern, ",") {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		if ok, err := path.Match(pat, base); err == nil && ok {
			return true
		}
		if ok, err := path.Match(pat, filePath); err == nil && ok {
			return true
		}
	}
	return false
}

// IsIgnore reports whether this group suppresses scanning for its pattern.
func (g CheckGroup) IsIgnore() bool {
	return len(g.Checks) == 0
}

// Config is the fully resolved application configuration.
type Config struct {
	TargetDir  string
	ConfigFile string
	CommitHash string

	CheckGroups []CheckGroup
	LLM         LLM

	OutputFile string
	LogFile    string
	LockFile   string

	GitPollInterval  time.Duration
	LLMRetryInterval time.Duration
	MaxLLMRetries    int
}

// OutputPath returns the absolute path of the results file.
func (c *Config) OutputPath() string { return filepath.Join(c.TargetDir, c.OutputFile) }

// LogPath returns the absolute path of the log file.
func (c *Config) LogPath() string { return filepath.Join(c.TargetDir, c.LogFile) }

// LockPath returns the absolute path of the PID lock file.
func (c *Config) LockPath() string { return filepath.Join(c.TargetDir, c.LockFile) }

// TotalChecks counts check prompts across all groups.
func (c *Config) TotalChecks() int {
	n := 0
	for _, g := range c.CheckGroups {
		n += len(g.Checks)
	}
	return n
}

// rawConfig mirrors the TOML document. The checks key is polymorphic: a
// plain string array (one group matching every file) or an array of
// tables with per-group patterns. toml.Primitive defers that choice.
type rawConfig struct {
	Checks toml.Primitive `toml:"checks"`
	LLM    struct {
		Backend      string `toml:"backend"`
		Host         string `toml:"host"`
		Port         int    `toml:"port"`
		Model        string `toml:"model"`
		Timeout      int    `toml:"timeout"`
		ContextLimit int    `toml:"context_limit"`
	} `toml:"llm"`
	OutputFile       string `toml:"output_file"`
	LogFile          string `toml:"log_file"`
	LockFile         string `toml:"lock_file"`
	GitPollInterval  int    `toml:"git_poll_interval"`
	LLMRetryInterval int    `toml:"llm_retry_interval"`
	MaxLLMRetries    int    `toml:"max_llm_retries"`
}

// Load reads, validates, and resolves the configuration. configFile may be
// empty, in which case DefaultConfigName inside targetDir is used.
func Load(targetDir, configFile, commitHash string) (*Config, error) {
	absTarget, err := filepath.Abs(targetDir)
	if err != nil {
		return nil, fmt.Errorf("resolving target directory: %w", err)
	}
	info, err := os.Stat(absTarget)
	if err != nil {
		return nil, fmt.Errorf("target directory does not exist: %s", absTarget)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("target path is not a directory: %s", absTarget)
	}

	if configFile == "" {
		configFile = filepath.Join(absTarget, DefaultConfigName)
	}
	absConfig, err := filepath.Abs(configFile)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	if _, err := os.Stat(absConfig); err != nil {
		return nil, fmt.Errorf("configuration file not found: %s\nprovide one via --config or create %s in the target directory", absConfig, DefaultConfigName)
	}

	var raw rawConfig
	md, err := toml.DecodeFile(absConfig, &raw)
	if err != nil {
		return nil, fmt.Errorf("invalid TOML in %s: %w", absConfig, err)
	}
	groups, err := decodeCheckGroups(md, raw.Checks)
	if err != nil {
		return nil, err
	}

	// Unknown keys are checked only after the checks primitive has been
	// decoded; until then its nested keys still count as undecoded.
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unsupported parameter(s) in %s: %s", absConfig, strings.Join(keys, ", "))
	}

	cfg := &Config{
		TargetDir:        absTarget,
		ConfigFile:       absConfig,
		CommitHash:       commitHash,
		CheckGroups:      groups,
		OutputFile:       DefaultOutputFile,
		LogFile:          DefaultLogFile,
		LockFile:         DefaultLockFile,
		GitPollInterval:  DefaultGitPollInterval,
		LLMRetryInterval: DefaultLLMRetryInterval,
		MaxLLMRetries:    DefaultMaxLLMRetries,
	}
	if raw.OutputFile != "" {
		cfg.OutputFile = raw.OutputFile
	}
	if raw.LogFile != "" {
		cfg.LogFile = raw.LogFile
	}
	if raw.LockFile != "" {
		cfg.LockFile = raw.LockFile
	}
	if raw.GitPollInterval > 0 {
		cfg.GitPollInterval = time.Duration(raw.GitPollInterval) * time.Second
	}
	if raw.LLMRetryInterval > 0 {
		cfg.LLMRetryInterval = time.Duration(raw.LLMRetryInterval) * time.Second
	}
	if raw.MaxLLMRetries > 0 {
		cfg.MaxLLMRetries = raw.MaxLLMRetries
	}

	cfg.LLM = LLM{
		Backend:      Backend(raw.LLM.Backend),
		Host:         raw.LLM.Host,
		Port:         raw.LLM.Port,
		Model:        raw.LLM.Model,
		Timeout:      raw.LLM.Timeout,
		ContextLimit: raw.LLM.ContextLimit,
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 120
	}
	if err := validateLLM(cfg.LLM); err != nil {
		return nil, err
	}

	return cfg, nil
}

// decodeCheckGroups resolves the polymorphic checks key. Legacy flat lists
// become a single group with pattern "*".
func decodeCheckGroups(md toml.MetaData, prim toml.Primitive) ([]CheckGroup, error) {
	const hint = "add checks to your configuration:\n" +
		"  [[checks]]\n" +
		"  pattern = \"*\"\n" +
		"  checks = [\"Check for errors\"]"

	if !md.IsDefined("checks") {
		return nil, fmt.Errorf("no checks defined in configuration file\n%s", hint)
	}

	var flat []string
	if err := md.PrimitiveDecode(prim, &flat); err == nil {
		if len(flat) == 0 {
			return nil, fmt.Errorf("no checks defined in configuration file\n%s", hint)
		}
		for i, check := range flat {
			if strings.TrimSpace(check) == "" {
				return nil, fmt.Errorf("check at index %d must be a non-empty string", i)
			}
			flat[i] = strings.TrimSpace(check)
		}
		return []CheckGroup{{Pattern: "*", Checks: flat}}, nil
	}

	var groups []CheckGroup
	if err := md.PrimitiveDecode(prim, &groups); err != nil {
		return nil, fmt.Errorf("'checks' must be a list of strings or [[checks]] tables: %w", err)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("no checks defined in configuration file\n%s", hint)
	}

	active := 0
	for i := range groups {
		if groups[i].Pattern == "" {
			groups[i].Pattern = "*"
		}
		for j, check := range groups[i].Checks {
			if strings.TrimSpace(check) == "" {
				return nil, fmt.Errorf("group %d: check at index %d must be a non-empty string", i, j)
			}
			groups[i].Checks[j] = strings.TrimSpace(check)
		}
		if !groups[i].IsIgnore() {
			active++
		}
	}
	if active == 0 {
		return nil, fmt.Errorf("configuration defines only ignore patterns, no checks to run\n%s", hint)
	}
	return groups, nil
}

// validateLLM enforces the backend contract: backend is mandatory, and
// Ollama cannot run without an explicit model name.
func validateLLM(l LLM) error {
	switch l.Backend {
	case BackendLMStudio, BackendOllama:
	case "":
		return fmt.Errorf("llm.backend is required; set it to %q or %q", BackendLMStudio, BackendOllama)
	default:
		return fmt.Errorf("invalid llm.backend %q; must be %q or %q", l.Backend, BackendLMStudio, BackendOllama)
	}

	if l.Host == "" {
		return fmt.Errorf("llm.host is required")
	}
	if l.Port <= 0 || l.Port > 65535 {
		return fmt.Errorf("llm.port must be between 1 and 65535, got %d", l.Port)
	}
	if l.Backend == BackendOllama && l.Model == "" {
		return fmt.Errorf("ollama backend requires 'model' to be set\nexample: model = \"qwen3:4b\"")
	}
	return nil
}
