package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Forge          ForgeConfig          `mapstructure:"forge"`
	Policy         PolicyConfig         `mapstructure:"policy"`
	Runners        RunnersConfig        `mapstructure:"runners"`
	Workflows      WorkflowsConfig      `mapstructure:"workflows"`
	Provider       ProviderConfig       `mapstructure:"provider"`
	Observability  ObservabilityConfig  `mapstructure:"observability"`
	LeaderElection LeaderElectionConfig `mapstructure:"leader_election"`
	Store          StoreConfig          `mapstructure:"store"`
	DryRun         bool                 `mapstructure:"dry_run"`
	LogLevel       string               `mapstructure:"log_level"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	APIKey       string        `mapstructure:"api_key"`
	EnableAuth   bool          `mapstructure:"enable_auth"`
	EventBuffer  int           `mapstructure:"event_buffer"`
}

type ForgeConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type PolicyConfig struct {
	File                string        `mapstructure:"file"`
	MergeStrategy       string        `mapstructure:"merge_strategy"`
	ConflictLabel       string        `mapstructure:"conflict_label"`
	MergeableLabel      string        `mapstructure:"mergeable_label"`
	ConflictCommentKey  string        `mapstructure:"conflict_comment_key"`
	ConflictCommentBody string        `mapstructure:"conflict_comment_body"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
}

type RunnersConfig struct {
	File              string        `mapstructure:"file"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`
	ProvisionTimeout  time.Duration `mapstructure:"provision_timeout"`
	ProvisionAttempts int           `mapstructure:"provision_attempts"`
	RetryBackoffBase  time.Duration `mapstructure:"retry_backoff_base"`
	RetryBackoffMax   time.Duration `mapstructure:"retry_backoff_max"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

type WorkflowsConfig struct {
	File      string `mapstructure:"file"`
	AgentPort int    `mapstructure:"agent_port"`
}

type ProviderConfig struct {
	Type   string       `mapstructure:"type"`
	Docker DockerConfig `mapstructure:"docker"`
	AWS    AWSConfig    `mapstructure:"aws"`
}

type DockerConfig struct {
	Host          string            `mapstructure:"host"`
	Image         string            `mapstructure:"image"`
	RunnerWorkDir string            `mapstructure:"runner_work_dir"`
	Network       string            `mapstructure:"network"`
	CPULimit      float64           `mapstructure:"cpu_limit"`
	MemoryLimit   int64             `mapstructure:"memory_limit"`
	Labels        map[string]string `mapstructure:"labels"`
	Volumes       []string          `mapstructure:"volumes"`
	PullPolicy    string            `mapstructure:"pull_policy"`
	AgentURL      string            `mapstructure:"agent_url"`
}

type AWSConfig struct {
	Region             string            `mapstructure:"region"`
	SubnetID           string            `mapstructure:"subnet_id"`
	SecurityGroupIDs   []string          `mapstructure:"security_group_ids"`
	KeyName            string            `mapstructure:"key_name"`
	IAMInstanceProfile string            `mapstructure:"iam_instance_profile"`
	SpotMaxPrice       string            `mapstructure:"spot_max_price"`
	Tags               map[string]string `mapstructure:"tags"`
	UserDataScript     string            `mapstructure:"user_data_script"`
	VolumeSize         int32             `mapstructure:"volume_size"`
	VolumeType         string            `mapstructure:"volume_type"`
	AgentURL           string            `mapstructure:"agent_url"`
}

type ObservabilityConfig struct {
	EnableMetrics   bool   `mapstructure:"enable_metrics"`
	MetricsPath     string `mapstructure:"metrics_path"`
	HealthCheckPath string `mapstructure:"health_check_path"`
	ReadinessPath   string `mapstructure:"readiness_path"`
}

type LeaderElectionConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LockFilePath  string        `mapstructure:"lock_file_path"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	RenewDeadline time.Duration `mapstructure:"renew_deadline"`
	RetryPeriod   time.Duration `mapstructure:"retry_period"`
}

type StoreConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Type       string `mapstructure:"type"`
	Path       string `mapstructure:"path"`
	DSN        string `mapstructure:"dsn"`
	MaxRecords int    `mapstructure:"max_records"`
}

// Load reads configuration from environment variables and optional config file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("GANTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file (optional)
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.enable_auth", false)
	v.SetDefault("server.event_buffer", 256)

	// Forge defaults
	v.SetDefault("forge.base_url", "https://api.github.com")
	v.SetDefault("forge.request_timeout", 30*time.Second)

	// Policy defaults
	v.SetDefault("policy.file", "policy.yaml")
	v.SetDefault("policy.merge_strategy", "rebase")
	v.SetDefault("policy.conflict_label", "conflict")
	v.SetDefault("policy.mergeable_label", "mergeable")
	v.SetDefault("policy.conflict_comment_key", "merge-conflict")
	v.SetDefault("policy.conflict_comment_body",
		"This pull request has a merge conflict and cannot be merged automatically. Please rebase.")
	v.SetDefault("policy.sweep_interval", time.Minute)

	// Runner defaults
	v.SetDefault("runners.file", "runners.yaml")
	v.SetDefault("runners.acquire_timeout", 10*time.Minute)
	v.SetDefault("runners.provision_timeout", 8*time.Minute)
	v.SetDefault("runners.provision_attempts", 3)
	v.SetDefault("runners.retry_backoff_base", 2*time.Second)
	v.SetDefault("runners.retry_backoff_max", time.Minute)
	v.SetDefault("runners.sweep_interval", 30*time.Second)

	// Workflow defaults
	v.SetDefault("workflows.file", "workflows.yaml")
	v.SetDefault("workflows.agent_port", 7117)

	// Provider defaults
	v.SetDefault("provider.type", "docker")
	v.SetDefault("provider.docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("provider.docker.image", "gantry/agent:latest")
	v.SetDefault("provider.docker.runner_work_dir", "/runner/_work")
	v.SetDefault("provider.docker.network", "bridge")
	v.SetDefault("provider.docker.cpu_limit", 1.0)
	v.SetDefault("provider.docker.memory_limit", 2147483648) // 2GB
	v.SetDefault("provider.docker.pull_policy", "always")
	v.SetDefault("provider.aws.region", "us-east-1")
	v.SetDefault("provider.aws.volume_size", 30)
	v.SetDefault("provider.aws.volume_type", "gp3")

	// Observability defaults
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("observability.health_check_path", "/health")
	v.SetDefault("observability.readiness_path", "/ready")

	// Leader election defaults
	v.SetDefault("leader_election.enabled", false)
	v.SetDefault("leader_election.lock_file_path", "/tmp/gantry-leader.lock")
	v.SetDefault("leader_election.lease_duration", 15*time.Second)
	v.SetDefault("leader_election.renew_deadline", 10*time.Second)
	v.SetDefault("leader_election.retry_period", 2*time.Second)

	// Store defaults
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.type", "file")
	v.SetDefault("store.path", "/tmp/gantry-audit.json")
	v.SetDefault("store.max_records", 1000)

	// General defaults
	v.SetDefault("dry_run", false)
	v.SetDefault("log_level", "info")
}

func (c *Config) Validate() error {
	// Forge validation
	if c.Forge.Token == "" {
		return fmt.Errorf("forge.token is required")
	}

	// Policy validation
	if c.Policy.File == "" {
		return fmt.Errorf("policy.file is required")
	}
	if c.Policy.MergeStrategy != "rebase" && c.Policy.MergeStrategy != "merge" {
		return fmt.Errorf("policy.merge_strategy must be either 'rebase' or 'merge'")
	}
	if c.Policy.ConflictLabel == c.Policy.MergeableLabel {
		return fmt.Errorf("policy.conflict_label and policy.mergeable_label must differ")
	}

	// Runner validation
	if c.Runners.File == "" {
		return fmt.Errorf("runners.file is required")
	}
	if c.Runners.AcquireTimeout <= 0 {
		return fmt.Errorf("runners.acquire_timeout must be > 0")
	}
	if c.Runners.ProvisionAttempts < 1 {
		return fmt.Errorf("runners.provision_attempts must be >= 1")
	}
	if c.Runners.RetryBackoffBase <= 0 {
		return fmt.Errorf("runners.retry_backoff_base must be > 0")
	}
	if c.Runners.RetryBackoffMax < c.Runners.RetryBackoffBase {
		return fmt.Errorf("runners.retry_backoff_max must be >= runners.retry_backoff_base")
	}

	// Workflow validation
	if c.Workflows.File == "" {
		return fmt.Errorf("workflows.file is required")
	}

	// Provider validation
	if c.Provider.Type != "docker" && c.Provider.Type != "ec2" {
		return fmt.Errorf("provider.type must be either 'docker' or 'ec2'")
	}

	if c.Provider.Type == "docker" {
		if c.Provider.Docker.Image == "" {
			return fmt.Errorf("provider.docker.image is required when using docker provider")
		}
	}

	if c.Provider.Type == "ec2" {
		if c.Provider.AWS.Region == "" {
			return fmt.Errorf("provider.aws.region is required when using ec2 provider")
		}
		if c.Provider.AWS.SubnetID == "" {
			return fmt.Errorf("provider.aws.subnet_id is required when using ec2 provider")
		}
		if len(c.Provider.AWS.SecurityGroupIDs) == 0 {
			return fmt.Errorf("provider.aws.security_group_ids is required when using ec2 provider")
		}
	}

	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.EnableAuth && c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required when server.enable_auth is true")
	}

	// Store validation
	if c.Store.Enabled {
		switch c.Store.Type {
		case "file":
			if c.Store.Path == "" {
				return fmt.Errorf("store.path is required for the file store")
			}
		case "postgres":
			if c.Store.DSN == "" {
				return fmt.Errorf("store.dsn is required for the postgres store")
			}
		default:
			return fmt.Errorf("store.type must be either 'file' or 'postgres'")
		}
	}

	// Leader election validation
	if c.LeaderElection.Enabled {
		if c.LeaderElection.LockFilePath == "" {
			return fmt.Errorf("leader_election.lock_file_path is required when enabled")
		}
		if c.LeaderElection.LeaseDuration <= 0 {
			return fmt.Errorf("leader_election.lease_duration must be > 0")
		}
		if c.LeaderElection.RenewDeadline <= 0 {
			return fmt.Errorf("leader_election.renew_deadline must be > 0")
		}
		if c.LeaderElection.RenewDeadline >= c.LeaderElection.LeaseDuration {
			return fmt.Errorf("leader_election.renew_deadline must be < lease_duration")
		}
	}

	return nil
}
