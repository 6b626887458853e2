// Package config loads the agent's static settings document and manages the
// per-host runtime identity file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/open-edge-platform/cms-agent/internal/logger"
	"github.com/open-edge-platform/cms-agent/internal/types"
)

const IdentityFileName = "identity"

var log = logger.Logger

// OfflineQueueConfig bounds the durable offline queues.
type OfflineQueueConfig struct {
	MaxSizeBytes       int64 `yaml:"max_size_bytes"`
	MaxAgeHours        int   `yaml:"max_age_hours"`
	MaxStatusReports   int   `yaml:"max_status_reports"`
	MaxCommandResults  int   `yaml:"max_command_results"`
	MaxErrorReports    int   `yaml:"max_error_reports"`
}

// Settings is the CMSAgentSettings section: every tunable in spec.md §4.2.
type Settings struct {
	ServerBaseURL string `yaml:"server_base_url"`

	StatusReportInterval time.Duration `yaml:"status_report_interval"`

	AutoUpdateEnabled  bool          `yaml:"auto_update_enabled"`
	AutoUpdateInterval time.Duration `yaml:"auto_update_interval"`

	NetworkRetryMaxAttempts   int           `yaml:"network_retry_max_attempts"`
	NetworkRetryInitialDelay  time.Duration `yaml:"network_retry_initial_delay"`
	TokenRefreshInterval      time.Duration `yaml:"token_refresh_interval"`
	HTTPRequestTimeout        time.Duration `yaml:"http_request_timeout"`

	WSReconnectDelayInitial time.Duration `yaml:"ws_reconnect_delay_initial"`
	WSReconnectDelayMax     time.Duration `yaml:"ws_reconnect_delay_max"`
	WSReconnectMaxAttempts  int           `yaml:"ws_reconnect_max_attempts"` // not enforced: wstransport reconnects without limit

	CommandDefaultTimeout time.Duration `yaml:"command_default_timeout"`
	CommandMaxParallel    int           `yaml:"command_max_parallel"`
	CommandQueueMaxSize   int           `yaml:"command_queue_max_size"`

	ResourceLimitCPUPct int `yaml:"resource_limit_cpu_pct"`
	ResourceLimitRAMMB  int `yaml:"resource_limit_ram_mb"`

	OfflineQueue OfflineQueueConfig `yaml:"offline_queue"`

	LogLevel string `yaml:"log_level"`

	// DataRoot is the host-shared application data root under which
	// runtime_config/, logs/, updates/, error_reports/ and offline_queue/
	// live. Not part of the wire CMSAgentSettings payload but required to
	// locate every other path.
	DataRoot string `yaml:"data_root"`
}

// New loads and validates the static settings document at path.
func New(path string) (*Settings, error) {
	if path == "" {
		return nil, fmt.Errorf("config validation error: config file required")
	}

	log.Infoln("reading configuration from ", path)
	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided path
	if err != nil {
		log.Errorln("error reading configuration file: ", err)
		return nil, fmt.Errorf("%s: %w", types.ErrConfigLoadFailed, err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		log.Errorln("error parsing configuration file: ", err)
		return nil, fmt.Errorf("%s: %w", types.ErrConfigLoadFailed, err)
	}

	s.setDefaults()
	if err := s.validate(); err != nil {
		log.Errorln("error validating configuration: ", err)
		return nil, fmt.Errorf("%s: %w", types.ErrConfigValidationFailed, err)
	}

	log.Debugf("loaded configuration: %+v", s)
	return &s, nil
}

func (s *Settings) validate() error {
	if s.ServerBaseURL == "" {
		return fmt.Errorf("config validation err: server_base_url is required")
	}
	if !hasSecureScheme(s.ServerBaseURL) {
		return fmt.Errorf("config validation err: server_base_url must use a secure scheme")
	}
	if s.DataRoot == "" {
		return fmt.Errorf("config validation err: data_root is required")
	}
	if s.CommandMaxParallel <= 0 {
		return fmt.Errorf("config validation err: command_max_parallel must be positive")
	}
	if s.CommandQueueMaxSize <= 0 {
		return fmt.Errorf("config validation err: command_queue_max_size must be positive")
	}
	if s.NetworkRetryMaxAttempts <= 0 {
		return fmt.Errorf("config validation err: network_retry_max_attempts must be positive")
	}
	log.Infoln("configuration validated successfully")
	return nil
}

func hasSecureScheme(rawURL string) bool {
	return len(rawURL) >= 6 && (rawURL[:6] == "https:" || rawURL[:3] == "wss")
}

func (s *Settings) setDefaults() {
	if s.StatusReportInterval <= 0 {
		s.StatusReportInterval = 30 * time.Second
	}
	if s.AutoUpdateInterval <= 0 {
		s.AutoUpdateInterval = 10 * time.Minute
	}
	if s.NetworkRetryMaxAttempts <= 0 {
		s.NetworkRetryMaxAttempts = 5
	}
	if s.NetworkRetryInitialDelay <= 0 {
		s.NetworkRetryInitialDelay = 1 * time.Second
	}
	if s.TokenRefreshInterval <= 0 {
		s.TokenRefreshInterval = 1 * time.Hour
	}
	if s.HTTPRequestTimeout <= 0 {
		s.HTTPRequestTimeout = 30 * time.Second
	}
	if s.WSReconnectDelayInitial <= 0 {
		s.WSReconnectDelayInitial = 1 * time.Second
	}
	if s.WSReconnectDelayMax <= 0 {
		s.WSReconnectDelayMax = 300 * time.Second
	}
	if s.CommandDefaultTimeout <= 0 {
		s.CommandDefaultTimeout = 60 * time.Second
	}
	if s.CommandMaxParallel <= 0 {
		s.CommandMaxParallel = 4
	}
	if s.CommandQueueMaxSize <= 0 {
		s.CommandQueueMaxSize = 256
	}
	if s.OfflineQueue.MaxAgeHours <= 0 {
		s.OfflineQueue.MaxAgeHours = 72
	}
	if s.OfflineQueue.MaxSizeBytes <= 0 {
		s.OfflineQueue.MaxSizeBytes = 64 * 1024 * 1024
	}
	if s.OfflineQueue.MaxStatusReports <= 0 {
		s.OfflineQueue.MaxStatusReports = 500
	}
	if s.OfflineQueue.MaxCommandResults <= 0 {
		s.OfflineQueue.MaxCommandResults = 500
	}
	if s.OfflineQueue.MaxErrorReports <= 0 {
		s.OfflineQueue.MaxErrorReports = 500
	}
}

// RuntimeConfigDir returns the directory holding the runtime identity file.
func (s *Settings) RuntimeConfigDir() string {
	return filepath.Join(s.DataRoot, "runtime_config")
}

// IdentityPath returns the path to the persisted runtime identity file.
func (s *Settings) IdentityPath() string {
	return filepath.Join(s.RuntimeConfigDir(), IdentityFileName)
}

// LoadRuntime returns the last persisted runtime identity, or nil if none
// has been written yet (configure has not run).
func LoadRuntime(path string) (*types.RuntimeIdentity, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- fixed, agent-owned path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runtime identity: %w", err)
	}

	var id types.RuntimeIdentity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse runtime identity: %w", err)
	}
	return &id, nil
}

// SaveRuntime persists the runtime identity atomically: write to a temp file
// in the same directory, then rename over the destination. A crash mid-write
// leaves either the old file or the new file intact, never a partial one.
func SaveRuntime(path string, id *types.RuntimeIdentity) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create runtime config dir: %w", err)
	}

	data, err := yaml.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal runtime identity: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".identity-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp identity file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once rename succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp identity file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp identity file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp identity file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0640); err != nil {
		return fmt.Errorf("chmod temp identity file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename identity file into place: %w", err)
	}
	return nil
}
