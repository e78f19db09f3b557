package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	// BackendURL is the base URL of the OCR/AI backend (the "/api" prefix included).
	BackendURL string `json:"backend_url,omitempty"`

	// RequestTimeoutSec bounds each backend call. 0 leaves timeouts to the transport.
	RequestTimeoutSec int `json:"request_timeout_sec,omitempty"`

	// PdftoppmPath is the poppler binary used to rasterize the first page of PDFs.
	PdftoppmPath string `json:"pdftoppm_path,omitempty"`

	// RasterDPI is the resolution of rasterized PDF previews.
	RasterDPI int `json:"raster_dpi,omitempty"`

	// PlainTextBody flattens markdown in generated letter bodies into plain paragraphs.
	// nil means the default (true).
	PlainTextBody *bool `json:"plain_text_body,omitempty"`

	// AllowedPaths is an allowlist of directories for import/export operations.
	// Paths outside ~/.courrier/exports require either being in this list or AllowUnsafePaths=true.
	// Paths should be absolute (relative paths are ignored).
	AllowedPaths []string `json:"allowed_paths,omitempty"`

	// AllowUnsafePaths disables directory restrictions for import/export.
	// Symlink and extension checks still apply.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// DisabledTypes is a list of tool type prefixes to disable entirely.
	// Known types: "letter", "incoming", "outgoing".
	DisabledTypes []string `json:"disabled_types,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level,omitempty"`

	// LogFile is the rotated JSON log file. Empty means <baseDir>/logs/courrier.log.
	LogFile string `json:"log_file,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	plain := true
	return &Config{
		BackendURL:    "http://localhost:8000/api",
		PdftoppmPath:  "pdftoppm",
		RasterDPI:     144,
		PlainTextBody: &plain,
		LogLevel:      "info",
	}
}

// FlattenBody reports whether generated bodies should be flattened to plain text.
func (c *Config) FlattenBody() bool {
	return c.PlainTextBody == nil || *c.PlainTextBody
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both global (~/.courrier) and project
// (.courrier) directories. The project config is the nearest .courrier/config.json
// found walking upward from startDir. It wins for scalars; arrays are merged.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .courrier/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".courrier", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		_ = godotenv.Load(p)
	}
}

// ApplyEnv overrides cfg from COURRIER_* variables found through lookup
// (os.LookupEnv in production).
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) *Config {
	if v, ok := lookup("COURRIER_BACKEND_URL"); ok && strings.TrimSpace(v) != "" {
		cfg.BackendURL = strings.TrimSpace(v)
	}
	if v, ok := lookup("COURRIER_PDFTOPPM"); ok && strings.TrimSpace(v) != "" {
		cfg.PdftoppmPath = strings.TrimSpace(v)
	}
	if v, ok := lookup("COURRIER_LOG_LEVEL"); ok && strings.TrimSpace(v) != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := lookup("COURRIER_LOG_FILE"); ok && strings.TrimSpace(v) != "" {
		cfg.LogFile = strings.TrimSpace(v)
	}
	if v, ok := lookup("COURRIER_REQUEST_TIMEOUT_SEC"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			cfg.RequestTimeoutSec = n
		}
	}
	return cfg
}

// loadFileRaw returns a zero-valued config (not defaults) if the file doesn't exist.
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{
		BackendURL:        pickString(overlay.BackendURL, base.BackendURL),
		PdftoppmPath:      pickString(overlay.PdftoppmPath, base.PdftoppmPath),
		LogLevel:          pickString(overlay.LogLevel, base.LogLevel),
		LogFile:           pickString(overlay.LogFile, base.LogFile),
		RequestTimeoutSec: pickInt(overlay.RequestTimeoutSec, base.RequestTimeoutSec),
		RasterDPI:         pickInt(overlay.RasterDPI, base.RasterDPI),
		DBMaxOpenConns:    pickInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns),
		DBMaxIdleConns:    pickInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns),
	}

	result.PlainTextBody = overlay.PlainTextBody
	if result.PlainTextBody == nil {
		result.PlainTextBody = base.PlainTextBody
	}

	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths

	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.DisabledTypes = mergeStringSlice(base.DisabledTypes, overlay.DisabledTypes)

	return result
}

func pickString(overlay, base string) string {
	if strings.TrimSpace(overlay) != "" {
		return overlay
	}
	return base
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
