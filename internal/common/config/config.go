// Package config provides configuration management for gitfix.
// Process-level configuration comes from environment variables with
// sensible defaults; the monitored-repository settings document is
// loaded and refreshed separately (see settings.go).
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all process-level configuration sections.
type Config struct {
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Git       GitConfig       `mapstructure:"git"`
	Retention RetentionConfig `mapstructure:"retention"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Health    HealthConfig    `mapstructure:"health"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Settings  SettingsConfig  `mapstructure:"settings"`
}

// RedisConfig holds the connection parameters for the shared Redis
// instance backing the queue, the state store, and pub/sub.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the host:port form for the Redis client.
func (r *RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// QueueConfig holds task queue tuning.
type QueueConfig struct {
	Name            string `mapstructure:"name"`
	DequeueBlockSec int    `mapstructure:"dequeueBlockSec"`
	StalledAfterSec int    `mapstructure:"stalledAfterSec"`
}

// DequeueBlock returns the blocking dequeue window as a duration.
func (q *QueueConfig) DequeueBlock() time.Duration {
	return time.Duration(q.DequeueBlockSec) * time.Second
}

// StalledAfter returns how long a job may sit in the active list before
// it is considered stalled.
func (q *QueueConfig) StalledAfter() time.Duration {
	return time.Duration(q.StalledAfterSec) * time.Second
}

// DiscoveryConfig holds polling loop tuning.
type DiscoveryConfig struct {
	PollingIntervalMs int `mapstructure:"pollingIntervalMs"`
	SearchTimeoutSec  int `mapstructure:"searchTimeoutSec"`
}

// PollingInterval returns the poll period as a duration.
func (d *DiscoveryConfig) PollingInterval() time.Duration {
	return time.Duration(d.PollingIntervalMs) * time.Millisecond
}

// SearchTimeout returns the per-request GitHub search timeout.
func (d *DiscoveryConfig) SearchTimeout() time.Duration {
	return time.Duration(d.SearchTimeoutSec) * time.Second
}

// GitConfig holds local git storage layout and bot identity.
type GitConfig struct {
	// ClonesBasePath is the base directory for shared clones.
	// Supports ~ expansion. Default: ~/.gitfix/repos
	ClonesBasePath string `mapstructure:"clonesBasePath"`

	// WorktreesBasePath is the base directory for per-issue worktrees.
	// Supports ~ expansion. Default: ~/.gitfix/worktrees
	WorktreesBasePath string `mapstructure:"worktreesBasePath"`

	// ShallowCloneDepth clones with --depth when > 0; 0 means full clone.
	ShallowCloneDepth int `mapstructure:"shallowCloneDepth"`

	NetworkTimeoutSec int    `mapstructure:"networkTimeoutSec"`
	BotName           string `mapstructure:"botName"`
	BotEmail          string `mapstructure:"botEmail"`
}

// NetworkTimeout returns the timeout applied to network git operations.
func (g *GitConfig) NetworkTimeout() time.Duration {
	return time.Duration(g.NetworkTimeoutSec) * time.Second
}

// RetentionStrategy selects what happens to a worktree after a task ends.
type RetentionStrategy string

const (
	RetentionAlwaysDelete  RetentionStrategy = "always_delete"
	RetentionKeepOnFailure RetentionStrategy = "keep_on_failure"
	RetentionKeepForHours  RetentionStrategy = "keep_for_hours"
)

// RetentionConfig holds the worktree retention policy.
type RetentionConfig struct {
	Strategy       string `mapstructure:"strategy"`
	RetentionHours int    `mapstructure:"retentionHours"`
	MaxAgeHours    int    `mapstructure:"maxAgeHours"`
}

// StrategyValue returns the strategy as its typed form.
func (r *RetentionConfig) StrategyValue() RetentionStrategy {
	return RetentionStrategy(r.Strategy)
}

// GitHubConfig holds API authentication. App credentials take
// precedence over the personal access token when all three are set.
type GitHubConfig struct {
	Token             string `mapstructure:"token"`
	AppID             int64  `mapstructure:"appId"`
	AppInstallationID int64  `mapstructure:"appInstallationId"`
	AppPrivateKeyPath string `mapstructure:"appPrivateKeyPath"`
}

// UseApp reports whether GitHub App authentication is configured.
func (g *GitHubConfig) UseApp() bool {
	return g.AppID != 0 && g.AppInstallationID != 0 && g.AppPrivateKeyPath != ""
}

// AgentConfig holds the external agent subprocess contract knobs.
type AgentConfig struct {
	Command         string `mapstructure:"command"`
	TimeoutSec      int    `mapstructure:"timeoutSec"`
	IdleTimeoutSec  int    `mapstructure:"idleTimeoutSec"`
	OutputBufferCap int    `mapstructure:"outputBufferCap"`
}

// Timeout returns the agent wall-clock budget.
func (a *AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSec) * time.Second
}

// IdleTimeout returns the no-output stall budget.
func (a *AgentConfig) IdleTimeout() time.Duration {
	return time.Duration(a.IdleTimeoutSec) * time.Second
}

// HealthConfig holds the health/status HTTP server address.
type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SettingsConfig holds the settings-document location plus the
// environment fallbacks used when document fields are missing.
type SettingsConfig struct {
	FilePath           string   `mapstructure:"filePath"`
	RefreshIntervalSec int      `mapstructure:"refreshIntervalSec"`
	WorkerConcurrency  int      `mapstructure:"workerConcurrency"`
	PrimaryLabels      []string `mapstructure:"primaryLabels"`
	PRLabel            string   `mapstructure:"prLabel"`
	FollowupKeywords   []string `mapstructure:"followupKeywords"`
	UserWhitelist      []string `mapstructure:"userWhitelist"`
	ProcessingSuffix   string   `mapstructure:"processingSuffix"`
	DoneSuffix         string   `mapstructure:"doneSuffix"`
}

// RefreshInterval returns the settings refresh period.
func (s *SettingsConfig) RefreshInterval() time.Duration {
	return time.Duration(s.RefreshIntervalSec) * time.Second
}

// detectDefaultLogFormat returns "json" in Kubernetes or production
// environments and "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("GITFIX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Queue defaults
	v.SetDefault("queue.name", "gitfix-tasks")
	v.SetDefault("queue.dequeueBlockSec", 30)
	v.SetDefault("queue.stalledAfterSec", 3600)

	// Discovery defaults
	v.SetDefault("discovery.pollingIntervalMs", 60000)
	v.SetDefault("discovery.searchTimeoutSec", 30)

	// Git defaults
	v.SetDefault("git.clonesBasePath", "~/.gitfix/repos")
	v.SetDefault("git.worktreesBasePath", "~/.gitfix/worktrees")
	v.SetDefault("git.shallowCloneDepth", 0)
	v.SetDefault("git.networkTimeoutSec", 120)
	v.SetDefault("git.botName", "gitfix-bot")
	v.SetDefault("git.botEmail", "gitfix-bot@users.noreply.github.com")

	// Retention defaults
	v.SetDefault("retention.strategy", string(RetentionAlwaysDelete))
	v.SetDefault("retention.retentionHours", 24)
	v.SetDefault("retention.maxAgeHours", 72)

	// GitHub defaults
	v.SetDefault("github.token", "")
	v.SetDefault("github.appId", 0)
	v.SetDefault("github.appInstallationId", 0)
	v.SetDefault("github.appPrivateKeyPath", "")

	// Agent defaults
	v.SetDefault("agent.command", "claude-agent")
	v.SetDefault("agent.timeoutSec", 1800)
	v.SetDefault("agent.idleTimeoutSec", 300)
	v.SetDefault("agent.outputBufferCap", 2*1024*1024)

	// Health server defaults
	v.SetDefault("health.addr", ":8090")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Settings document defaults
	v.SetDefault("settings.filePath", "settings.json")
	v.SetDefault("settings.refreshIntervalSec", 300)
	v.SetDefault("settings.workerConcurrency", 4)
	v.SetDefault("settings.primaryLabels", []string{})
	v.SetDefault("settings.prLabel", "gitfix")
	v.SetDefault("settings.followupKeywords", []string{})
	v.SetDefault("settings.userWhitelist", []string{})
	v.SetDefault("settings.processingSuffix", "-processing")
	v.SetDefault("settings.doneSuffix", "-done")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix GITFIX_ with snake_case naming; the
// flat legacy names of the deployment contract (REDIS_HOST, POLLING_INTERVAL_MS,
// WORKER_CONCURRENCY, ...) are bound explicitly.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("GITFIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the flat env var names of the deployment
	// contract. AutomaticEnv does not handle camelCase keys, and these
	// names predate the GITFIX_ prefix.
	_ = v.BindEnv("redis.host", "REDIS_HOST")
	_ = v.BindEnv("redis.port", "REDIS_PORT")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("queue.name", "QUEUE_NAME")
	_ = v.BindEnv("discovery.pollingIntervalMs", "POLLING_INTERVAL_MS")
	_ = v.BindEnv("git.clonesBasePath", "GIT_CLONES_BASE_PATH")
	_ = v.BindEnv("git.worktreesBasePath", "GIT_WORKTREES_BASE_PATH")
	_ = v.BindEnv("git.shallowCloneDepth", "GIT_SHALLOW_CLONE_DEPTH")
	_ = v.BindEnv("git.botName", "GIT_BOT_NAME")
	_ = v.BindEnv("git.botEmail", "GIT_BOT_EMAIL")
	_ = v.BindEnv("retention.strategy", "WORKTREE_RETENTION_STRATEGY")
	_ = v.BindEnv("retention.retentionHours", "WORKTREE_RETENTION_HOURS")
	_ = v.BindEnv("retention.maxAgeHours", "WORKTREE_MAX_AGE_HOURS")
	_ = v.BindEnv("github.token", "GITHUB_TOKEN", "GH_TOKEN")
	_ = v.BindEnv("github.appId", "GITHUB_APP_ID")
	_ = v.BindEnv("github.appInstallationId", "GITHUB_APP_INSTALLATION_ID")
	_ = v.BindEnv("github.appPrivateKeyPath", "GITHUB_APP_PRIVATE_KEY")
	_ = v.BindEnv("agent.command", "AGENT_COMMAND")
	_ = v.BindEnv("agent.timeoutSec", "AGENT_TIMEOUT_SEC")
	_ = v.BindEnv("agent.idleTimeoutSec", "AGENT_IDLE_TIMEOUT_SEC")
	_ = v.BindEnv("agent.outputBufferCap", "AGENT_OUTPUT_BUFFER_CAP")
	_ = v.BindEnv("health.addr", "HEALTH_ADDR")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
	_ = v.BindEnv("settings.filePath", "SETTINGS_FILE")
	_ = v.BindEnv("settings.workerConcurrency", "WORKER_CONCURRENCY")
	_ = v.BindEnv("settings.prLabel", "PR_LABEL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/gitfix/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Redis.Host == "" {
		errs = append(errs, "redis.host is required")
	}
	if cfg.Redis.Port <= 0 || cfg.Redis.Port > 65535 {
		errs = append(errs, "redis.port must be between 1 and 65535")
	}

	if cfg.Queue.Name == "" {
		errs = append(errs, "queue.name is required")
	}

	if cfg.Discovery.PollingIntervalMs <= 0 {
		errs = append(errs, "discovery.pollingIntervalMs must be positive")
	}
	if cfg.Discovery.SearchTimeoutSec <= 0 {
		errs = append(errs, "discovery.searchTimeoutSec must be positive")
	}

	switch cfg.Retention.StrategyValue() {
	case RetentionAlwaysDelete, RetentionKeepOnFailure, RetentionKeepForHours:
	default:
		errs = append(errs, "retention.strategy must be one of: always_delete, keep_on_failure, keep_for_hours")
	}
	if cfg.Retention.RetentionHours <= 0 {
		errs = append(errs, "retention.retentionHours must be positive")
	}
	if cfg.Retention.MaxAgeHours <= 0 {
		errs = append(errs, "retention.maxAgeHours must be positive")
	}

	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}
	if cfg.Agent.TimeoutSec <= 0 {
		errs = append(errs, "agent.timeoutSec must be positive")
	}
	if cfg.Agent.IdleTimeoutSec <= 0 {
		errs = append(errs, "agent.idleTimeoutSec must be positive")
	}

	if cfg.Settings.WorkerConcurrency < 1 {
		errs = append(errs, "settings.workerConcurrency must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DefaultBranchOverride returns the per-repo default branch override
// from GIT_DEFAULT_BRANCH_<OWNER>_<REPO>, or "" when unset. Owner and
// repo are uppercased with non-alphanumerics mapped to underscores.
func DefaultBranchOverride(owner, repo string) string {
	return os.Getenv("GIT_DEFAULT_BRANCH_" + envToken(owner) + "_" + envToken(repo))
}

func envToken(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
