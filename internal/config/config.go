package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Node       NodeConfig       `mapstructure:"node"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Hash       HashConfig       `mapstructure:"hash"`
	Governance GovernanceConfig `mapstructure:"governance"`
	Raft       RaftConfig       `mapstructure:"raft"`
	Verify     VerifyConfig     `mapstructure:"verify"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
}

type NodeConfig struct {
	ID      string `mapstructure:"id"`
	DataDir string `mapstructure:"data_dir"`
}

type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres DatabaseConfig `mapstructure:"postgres"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

type HashConfig struct {
	Algorithm string `mapstructure:"algorithm"`
}

type GovernanceConfig struct {
	RequestTimeout  time.Duration   `mapstructure:"request_timeout"`
	ReminderLead    time.Duration   `mapstructure:"reminder_lead"`
	ProposalTimeout time.Duration   `mapstructure:"proposal_timeout"`
	SweepInterval   time.Duration   `mapstructure:"sweep_interval"`
	IdentityFormat  string          `mapstructure:"identity_format"`
	Founders        []FounderConfig `mapstructure:"founders"`
}

type FounderConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	Role string `mapstructure:"role"`
}

type RaftConfig struct {
	Enabled                    bool              `mapstructure:"enabled"`
	BindAddr                   string            `mapstructure:"bind_addr"`
	Bootstrap                  bool              `mapstructure:"bootstrap"`
	PeerAddrs                  map[string]string `mapstructure:"peer_addrs"`
	LeadershipTransferInterval string            `mapstructure:"leadership_transfer_interval"`
	FollowerAutoShutdown       bool              `mapstructure:"follower_auto_shutdown"`
}

type VerifyConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"

	IdentityAny        = "any"
	IdentityHexAddress = "hex_address"
)

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks required fields and fills defaults in place.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}

	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = BackendBolt
	case BackendBolt:
	case BackendPostgres:
		if c.Storage.Postgres.Host == "" {
			return fmt.Errorf("storage.postgres.host is required")
		}
		if c.Storage.Postgres.Database == "" {
			return fmt.Errorf("storage.postgres.database is required")
		}
		if c.Storage.Postgres.User == "" {
			return fmt.Errorf("storage.postgres.user is required")
		}
		if c.Storage.Postgres.Port == 0 {
			c.Storage.Postgres.Port = 5432
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (valid options: bolt, postgres)", c.Storage.Backend)
	}

	if c.Hash.Algorithm == "" {
		c.Hash.Algorithm = "sha256"
	}
	validAlgorithms := map[string]bool{
		"sha256":      true,
		"blake2b_256": true,
	}
	if !validAlgorithms[c.Hash.Algorithm] {
		return fmt.Errorf("invalid hash algorithm: %s (valid options: sha256, blake2b_256)", c.Hash.Algorithm)
	}

	if err := c.Governance.validate(); err != nil {
		return err
	}

	if c.Raft.Enabled {
		if c.Raft.BindAddr == "" {
			return fmt.Errorf("raft.bind_addr is required when raft is enabled")
		}
		if c.Storage.Backend != BackendBolt {
			return fmt.Errorf("raft replication requires the bolt storage backend")
		}
		if c.Raft.LeadershipTransferInterval != "" {
			if _, err := time.ParseDuration(c.Raft.LeadershipTransferInterval); err != nil {
				return fmt.Errorf("invalid raft.leadership_transfer_interval: %w", err)
			}
		}
	}

	if c.Verify.Interval < 0 {
		return fmt.Errorf("verify.interval must not be negative")
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (valid options: text, json)", c.Log.Format)
	}

	return nil
}

func (g *GovernanceConfig) validate() error {
	if g.RequestTimeout == 0 {
		g.RequestTimeout = 72 * time.Hour
	}
	// A negative timeout disables auto-rejection and reminders.
	if g.RequestTimeout < 0 {
		g.RequestTimeout = 0
	}
	if g.ReminderLead < 0 {
		return fmt.Errorf("governance.reminder_lead must not be negative")
	}
	if g.RequestTimeout > 0 && g.ReminderLead >= g.RequestTimeout {
		return fmt.Errorf("governance.reminder_lead (%s) must be shorter than governance.request_timeout (%s)",
			g.ReminderLead, g.RequestTimeout)
	}
	if g.ProposalTimeout < 0 {
		g.ProposalTimeout = 0
	}
	if g.SweepInterval <= 0 {
		g.SweepInterval = time.Minute
	}

	switch g.IdentityFormat {
	case "":
		g.IdentityFormat = IdentityAny
	case IdentityAny, IdentityHexAddress:
	default:
		return fmt.Errorf("invalid governance.identity_format: %s (valid options: any, hex_address)", g.IdentityFormat)
	}

	seen := make(map[string]bool)
	for i, f := range g.Founders {
		if f.ID == "" {
			return fmt.Errorf("governance.founders[%d].id is required", i)
		}
		if seen[f.ID] {
			return fmt.Errorf("duplicate founder: %s", f.ID)
		}
		seen[f.ID] = true
	}

	return nil
}

// LeadershipTransferEvery returns the parsed rotation interval, or zero when
// rotation is disabled.
func (r *RaftConfig) LeadershipTransferEvery() time.Duration {
	d, _ := time.ParseDuration(r.LeadershipTransferInterval)
	return d
}

func (d *DatabaseConfig) ConnectionString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Database, d.User, d.Password, sslMode)
}
