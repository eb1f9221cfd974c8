package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Oracle    OracleConfig    `yaml:"oracle"`
	Agent     AgentConfig     `yaml:"agent"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Reset     ResetConfig     `yaml:"reset"`
	Storage   StorageConfig   `yaml:"storage"`
}

type OracleConfig struct {
	// Backend selects the oracle implementation: "openai" or "anthropic".
	Backend    string `yaml:"backend"`
	Model      string `yaml:"model"`
	APIKeyEnv  string `yaml:"api_key_env"`
	TimeoutSec int    `yaml:"timeout_sec"`
	MaxTokens  int    `yaml:"max_tokens"`
}

type AgentConfig struct {
	Name               string `yaml:"name"`
	EchoWindowSec      int    `yaml:"echo_window_sec"`
	StaleAfterHours    int    `yaml:"stale_after_hours"`
	MaxLifetimeDays    int    `yaml:"max_lifetime_days"`
	MaxMessagesPerHour int    `yaml:"max_messages_per_hour"`
	RecentMessageLimit int    `yaml:"recent_message_limit"`
	OwnerRecipient     string `yaml:"owner_recipient"`
	OwnerChannel       string `yaml:"owner_channel"`
}

type SchedulerConfig struct {
	HeartbeatIntervalMin int `yaml:"heartbeat_interval_min"`
	WorkerTickSec        int `yaml:"worker_tick_sec"`
	WorkerBatchLimit     int `yaml:"worker_batch_limit"`
	AsyncPollIntervalSec int `yaml:"async_poll_interval_sec"`

	// DigestTime is a local HH:MM; the cron specs use robfig/cron format.
	DigestTime      string `yaml:"digest_time"`
	MonthlyCronSpec string `yaml:"monthly_cron_spec"`
	WeeklyCronSpec  string `yaml:"weekly_cron_spec"`
}

type ResetConfig struct {
	IntervalDays int `yaml:"interval_days"`
}

type StorageConfig struct {
	DataDir         string `yaml:"data_dir"`
	StateFile       string `yaml:"state_file"`
	ProgressLogFile string `yaml:"progress_log_file"`
}

type Manager struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

func DefaultPath() string {
	return filepath.Join("config", "config.yaml")
}

func NewManager(path string) (*Manager, error) {
	cfg := defaultConfig()
	mgr := &Manager{
		path: path,
		cfg:  cfg,
	}
	if err := mgr.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := mgr.save(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Update(apply func(*Config)) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.cfg)
	applyDefaults(&m.cfg)
	if err := m.saveLocked(); err != nil {
		return Config{}, err
	}
	return m.cfg, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	m.cfg = fileCfg
	applyDefaults(&m.cfg)
	return nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(m.cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

func defaultConfig() Config {
	return Config{
		Oracle: OracleConfig{
			Backend:    "anthropic",
			Model:      "claude-sonnet-4-20250514",
			APIKeyEnv:  "ANTHROPIC_API_KEY",
			TimeoutSec: 60,
			MaxTokens:  2048,
		},
		Agent: AgentConfig{
			Name:               "Jorbd",
			EchoWindowSec:      5,
			StaleAfterHours:    24,
			MaxLifetimeDays:    7,
			MaxMessagesPerHour: 20,
			RecentMessageLimit: 20,
			OwnerRecipient:     "",
			OwnerChannel:       "sms",
		},
		Scheduler: SchedulerConfig{
			HeartbeatIntervalMin: 60,
			WorkerTickSec:        2,
			WorkerBatchLimit:     10,
			AsyncPollIntervalSec: 15,
			DigestTime:           "08:00",
			MonthlyCronSpec:      "0 3 1 * *",
			WeeklyCronSpec:       "0 4 * * 0",
		},
		Reset: ResetConfig{
			IntervalDays: 3,
		},
		Storage: StorageConfig{
			DataDir:         "output/db",
			StateFile:       "output/state.json",
			ProgressLogFile: "output/progress.md",
		},
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Oracle.Backend) == "" {
		cfg.Oracle.Backend = "anthropic"
	}
	if strings.TrimSpace(cfg.Oracle.Model) == "" {
		cfg.Oracle.Model = "claude-sonnet-4-20250514"
	}
	if strings.TrimSpace(cfg.Oracle.APIKeyEnv) == "" {
		cfg.Oracle.APIKeyEnv = "ANTHROPIC_API_KEY"
	}
	if cfg.Oracle.TimeoutSec <= 0 {
		cfg.Oracle.TimeoutSec = 60
	}
	if cfg.Oracle.MaxTokens <= 0 {
		cfg.Oracle.MaxTokens = 2048
	}
	if strings.TrimSpace(cfg.Agent.Name) == "" {
		cfg.Agent.Name = "Jorbd"
	}
	if cfg.Agent.EchoWindowSec <= 0 {
		cfg.Agent.EchoWindowSec = 5
	}
	if cfg.Agent.StaleAfterHours <= 0 {
		cfg.Agent.StaleAfterHours = 24
	}
	if cfg.Agent.MaxLifetimeDays <= 0 {
		cfg.Agent.MaxLifetimeDays = 7
	}
	if cfg.Agent.MaxMessagesPerHour <= 0 {
		cfg.Agent.MaxMessagesPerHour = 20
	}
	if cfg.Agent.RecentMessageLimit <= 0 {
		cfg.Agent.RecentMessageLimit = 20
	}
	if strings.TrimSpace(cfg.Agent.OwnerChannel) == "" {
		cfg.Agent.OwnerChannel = "sms"
	}
	if cfg.Scheduler.HeartbeatIntervalMin <= 0 {
		cfg.Scheduler.HeartbeatIntervalMin = 60
	}
	if cfg.Scheduler.WorkerTickSec <= 0 {
		cfg.Scheduler.WorkerTickSec = 2
	}
	if cfg.Scheduler.WorkerBatchLimit <= 0 {
		cfg.Scheduler.WorkerBatchLimit = 10
	}
	if cfg.Scheduler.AsyncPollIntervalSec <= 0 {
		cfg.Scheduler.AsyncPollIntervalSec = 15
	}
	if strings.TrimSpace(cfg.Scheduler.DigestTime) == "" {
		cfg.Scheduler.DigestTime = "08:00"
	}
	if strings.TrimSpace(cfg.Scheduler.MonthlyCronSpec) == "" {
		cfg.Scheduler.MonthlyCronSpec = "0 3 1 * *"
	}
	if strings.TrimSpace(cfg.Scheduler.WeeklyCronSpec) == "" {
		cfg.Scheduler.WeeklyCronSpec = "0 4 * * 0"
	}
	if cfg.Reset.IntervalDays <= 0 {
		cfg.Reset.IntervalDays = 3
	}
	if strings.TrimSpace(cfg.Storage.DataDir) == "" {
		cfg.Storage.DataDir = "output/db"
	}
	if strings.TrimSpace(cfg.Storage.StateFile) == "" {
		cfg.Storage.StateFile = "output/state.json"
	}
	if strings.TrimSpace(cfg.Storage.ProgressLogFile) == "" {
		cfg.Storage.ProgressLogFile = "output/progress.md"
	}
}
