package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/envforge/envforge/pkg/policy"
	"github.com/envforge/envforge/pkg/providers/azure"
	"github.com/envforge/envforge/pkg/stores"
	"github.com/envforge/envforge/pkg/telemetry"
)

// EnvPrefix prefixes environment overrides, e.g. ENVFORGE_AZURE_SUBSCRIPTION_ID.
const EnvPrefix = "ENVFORGE"

// Config is the complete envforge configuration.
type Config struct {
	Azure        AzureConfig        `mapstructure:"azure"`
	Queues       QueuesConfig       `mapstructure:"queues"`
	Templates    TemplatesConfig    `mapstructure:"templates"`
	Strategies   StrategiesConfig   `mapstructure:"strategies"`
	Policy       PolicyConfig       `mapstructure:"policy"`
	Store        StoreConfig        `mapstructure:"store"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Telemetry    telemetry.Config   `mapstructure:"telemetry"`
}

// AzureConfig selects the subscription and how the cloud API is called.
type AzureConfig struct {
	// SubscriptionID is used when a request does not name one.
	SubscriptionID string                 `mapstructure:"subscription_id"`
	Credential     azure.CredentialConfig `mapstructure:"credential"`
	Pipeline       azure.PipelineOptions  `mapstructure:"pipeline"`
}

// QueuesConfig maps locations to the storage accounts hosting input queues.
type QueuesConfig struct {
	Accounts map[string]azure.QueueAccount `mapstructure:"accounts" validate:"dive"`

	// SASValidity is how long queue URLs handed to agents stay valid.
	SASValidity time.Duration `mapstructure:"sas_validity" validate:"gte=0"`
}

// TemplatesConfig locates deployment templates and init scripts.
type TemplatesConfig struct {
	// Dir overrides the embedded templates. Empty uses the embedded set.
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// StrategiesConfig carries OS specific creation settings.
type StrategiesConfig struct {
	WindowsInitScriptURL string `mapstructure:"windows_init_script_url" validate:"omitempty,url"`
}

// PolicyConfig configures create admission.
type PolicyConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	policy.Settings `mapstructure:",squash"`
	Paths           []string `mapstructure:"paths"`
	Watch           bool     `mapstructure:"watch"`
}

// StoreConfig configures the operation journal.
type StoreConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	stores.Config `mapstructure:",squash"`

	// Actor is recorded in the audit trail.
	Actor string `mapstructure:"actor"`
}

// OrchestratorConfig bounds the deployment manager and local polling.
type OrchestratorConfig struct {
	MaxParallel int `mapstructure:"max_parallel" validate:"gte=1,lte=16"`

	PollInitialInterval time.Duration `mapstructure:"poll_initial_interval" validate:"gt=0"`
	PollMaxInterval     time.Duration `mapstructure:"poll_max_interval" validate:"gtefield=PollInitialInterval"`
	PollTimeout         time.Duration `mapstructure:"poll_timeout" validate:"gt=0"`

	// ServeMetrics exposes the metrics endpoint while a --wait loop runs.
	ServeMetrics bool `mapstructure:"serve_metrics"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Azure: AzureConfig{
			Credential: azure.CredentialConfig{Mode: azure.CredentialDefault},
			Pipeline: azure.PipelineOptions{
				RequestsPerSecond: 10,
				Burst:             5,
				MaxRetries:        3,
			},
		},
		Queues: QueuesConfig{
			Accounts:    map[string]azure.QueueAccount{},
			SASValidity: azure.DefaultQueueSASValidity,
		},
		Policy: PolicyConfig{Enabled: true},
		Store: StoreConfig{
			Enabled: true,
			Config:  stores.Config{Path: filepath.Join(DataDir(), "journal.db")},
			Actor:   stores.SystemActor,
		},
		Orchestrator: OrchestratorConfig{
			MaxParallel:         6,
			PollInitialInterval: 5 * time.Second,
			PollMaxInterval:     30 * time.Second,
			PollTimeout:         30 * time.Minute,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// SetDefaults registers every default with v so environment overrides work
// for keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("azure.subscription_id", d.Azure.SubscriptionID)
	v.SetDefault("azure.credential.mode", d.Azure.Credential.Mode)
	v.SetDefault("azure.credential.tenant_id", "")
	v.SetDefault("azure.credential.client_id", "")
	v.SetDefault("azure.credential.client_secret", "")
	v.SetDefault("azure.pipeline.requests_per_second", d.Azure.Pipeline.RequestsPerSecond)
	v.SetDefault("azure.pipeline.burst", d.Azure.Pipeline.Burst)
	v.SetDefault("azure.pipeline.max_retries", d.Azure.Pipeline.MaxRetries)

	v.SetDefault("queues.sas_validity", d.Queues.SASValidity)

	v.SetDefault("templates.dir", "")
	v.SetDefault("templates.watch", false)

	v.SetDefault("strategies.windows_init_script_url", "")

	v.SetDefault("policy.enabled", d.Policy.Enabled)
	v.SetDefault("policy.allowed_locations", []string{})
	v.SetDefault("policy.allowed_skus", []string{})
	v.SetDefault("policy.required_tags", []string{})
	v.SetDefault("policy.paths", []string{})
	v.SetDefault("policy.watch", false)

	v.SetDefault("store.enabled", d.Store.Enabled)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.actor", d.Store.Actor)

	v.SetDefault("orchestrator.max_parallel", d.Orchestrator.MaxParallel)
	v.SetDefault("orchestrator.poll_initial_interval", d.Orchestrator.PollInitialInterval)
	v.SetDefault("orchestrator.poll_max_interval", d.Orchestrator.PollMaxInterval)
	v.SetDefault("orchestrator.poll_timeout", d.Orchestrator.PollTimeout)
	v.SetDefault("orchestrator.serve_metrics", false)

	t := d.Telemetry
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.service_version", t.ServiceVersion)
	v.SetDefault("telemetry.environment", t.Environment)
	v.SetDefault("telemetry.logging.level", t.Logging.Level)
	v.SetDefault("telemetry.logging.format", t.Logging.Format)
	v.SetDefault("telemetry.logging.output", t.Logging.Output)
	v.SetDefault("telemetry.logging.enable_caller", t.Logging.EnableCaller)
	v.SetDefault("telemetry.logging.enable_sampling", t.Logging.EnableSampling)
	v.SetDefault("telemetry.logging.sampling_initial", t.Logging.SamplingInitial)
	v.SetDefault("telemetry.logging.sampling_thereafter", t.Logging.SamplingThereafter)
	v.SetDefault("telemetry.logging.time_format", t.Logging.TimeFormat)
	v.SetDefault("telemetry.tracing.enabled", t.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", t.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", t.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", t.Tracing.SamplingRate)
	v.SetDefault("telemetry.tracing.max_export_batch_size", t.Tracing.MaxExportBatchSize)
	v.SetDefault("telemetry.tracing.export_timeout", t.Tracing.ExportTimeout)
	v.SetDefault("telemetry.tracing.insecure", t.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", t.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", t.Metrics.ListenAddress)
	v.SetDefault("telemetry.metrics.path", t.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", t.Metrics.Namespace)
	v.SetDefault("telemetry.metrics.histogram_buckets", t.Metrics.DefaultHistogramBuckets)
	v.SetDefault("telemetry.events.enabled", t.Events.Enabled)
	v.SetDefault("telemetry.events.buffer_size", t.Events.BufferSize)
	v.SetDefault("telemetry.events.flush_interval", t.Events.FlushInterval)
	v.SetDefault("telemetry.events.max_batch_size", t.Events.MaxBatchSize)
	v.SetDefault("telemetry.events.enable_async", t.Events.EnableAsync)
}

// Load reads the configuration file at path, or the first envforge.yaml found
// in the working directory or ConfigDir when path is empty, applies
// ENVFORGE_ environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("envforge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Queues.Accounts == nil {
		cfg.Queues.Accounts = map[string]azure.QueueAccount{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Azure.Credential.Mode == azure.CredentialClientSecret {
		if c.Azure.Credential.TenantID == "" || c.Azure.Credential.ClientID == "" || c.Azure.Credential.ClientSecret == "" {
			return fmt.Errorf("invalid config: client_secret credentials need tenant_id, client_id and client_secret")
		}
	}
	if c.Store.Enabled && c.Store.Path == "" {
		return fmt.Errorf("invalid config: store.path is required when the journal is enabled")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}

	return nil
}

// ConfigDir returns the directory searched for envforge.yaml.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "envforge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".envforge"
	}
	return filepath.Join(home, ".config", "envforge")
}

// DataDir returns the directory holding the default journal.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "envforge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".envforge"
	}
	return filepath.Join(home, ".local", "share", "envforge")
}
