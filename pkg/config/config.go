package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the coordinator configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Chains     []ChainConfig    `mapstructure:"chains"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Nonce      NonceConfig      `mapstructure:"nonce"`
	Keys       KeysConfig       `mapstructure:"keys"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// ChainConfig contains one watched chain's settings
type ChainConfig struct {
	Name                string        `mapstructure:"name"`
	ChainID             int64         `mapstructure:"chain_id"`
	RPCURL              string        `mapstructure:"rpc_url"`
	StartBlock          int64         `mapstructure:"start_block"`
	SafeConfirmations   int64         `mapstructure:"safe_confirmations"`
	SyncWindow          int64         `mapstructure:"sync_window"`
	RouterContract      string        `mapstructure:"router_contract"`
	OracleContract      string        `mapstructure:"oracle_contract"`
	DistributorContract string        `mapstructure:"distributor_contract"`
	CardSymbol          string        `mapstructure:"card_symbol"`
	BoxSymbol           string        `mapstructure:"box_symbol"`
	TokenDecimals       int32         `mapstructure:"token_decimals"`
	RunOracle           bool          `mapstructure:"run_oracle"`
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	ReconcileMinAge     time.Duration `mapstructure:"reconcile_min_age"`
}

// OracleConfig contains commit-reveal settings shared by all oracle chains
type OracleConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	LowWaterMark   int           `mapstructure:"low_water_mark"`
	RevealInterval time.Duration `mapstructure:"reveal_interval"`
}

// RetryConfig contains the bounded-retry settings for RPC calls
type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

// NonceConfig contains nonce-cache settings
type NonceConfig struct {
	Staleness time.Duration `mapstructure:"staleness"`
}

// KeysConfig contains the signing keys per role
type KeysConfig struct {
	Infrastructure string   `mapstructure:"infrastructure"`
	Game           string   `mapstructure:"game"`
	Executors      []string `mapstructure:"executors"`
}

// MonitoringConfig contains monitoring and metrics settings
type MonitoringConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.ssl_mode", "disable")

	// Oracle defaults
	viper.SetDefault("oracle.batch_size", 10)
	viper.SetDefault("oracle.low_water_mark", 5)
	viper.SetDefault("oracle.reveal_interval", "1h")

	// Retry defaults
	viper.SetDefault("retry.attempts", 3)
	viper.SetDefault("retry.delay", "5s")

	// Nonce defaults
	viper.SetDefault("nonce.staleness", "3m")

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.port", 9090)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "stdout")
}

func validate(config *Config) error {
	if config.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if len(config.Chains) == 0 {
		return fmt.Errorf("at least one chain is required")
	}
	for i, chain := range config.Chains {
		if chain.RPCURL == "" {
			return fmt.Errorf("chains[%d].rpc_url is required", i)
		}
		if chain.ChainID == 0 {
			return fmt.Errorf("chains[%d].chain_id is required", i)
		}
		if chain.SafeConfirmations <= 0 {
			return fmt.Errorf("chains[%d].safe_confirmations is required", i)
		}
		if chain.SyncWindow <= 0 {
			return fmt.Errorf("chains[%d].sync_window is required", i)
		}
		if chain.TickInterval <= 0 {
			return fmt.Errorf("chains[%d].tick_interval is required", i)
		}
		if chain.RunOracle && chain.OracleContract == "" {
			return fmt.Errorf("chains[%d].oracle_contract is required when run_oracle is set", i)
		}
	}
	if config.Keys.Infrastructure == "" {
		return fmt.Errorf("keys.infrastructure is required")
	}
	if config.Keys.Game == "" {
		return fmt.Errorf("keys.game is required")
	}
	if len(config.Keys.Executors) == 0 {
		return fmt.Errorf("keys.executors requires at least one key")
	}
	return nil
}

// GetConnectionString returns a PostgreSQL connection string
func (c *DatabaseConfig) GetConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
