package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// env mirrors the raw environment. AppConfig is derived from it.
type env struct {
	HTTPPort               int     `mapstructure:"API_HTTP_PORT"`
	HMACSecret             string  `mapstructure:"HMAC_SECRET"`
	HMACClockSkewSeconds   int     `mapstructure:"HMAC_CLOCK_SKEW_SECONDS"`
	IdempotencyWindowSecs  int     `mapstructure:"IDEMPOTENCY_WINDOW_SECONDS"`
	DatabaseURL            string  `mapstructure:"DATABASE_URL"`
	DLQPath                string  `mapstructure:"DLQ_PATH"`
	RabbitMQURL            string  `mapstructure:"RABBITMQ_URL"`
	EventsExchange         string  `mapstructure:"EVENTS_EXCHANGE"`
	ChainRPCURL            string  `mapstructure:"CHAIN_RPC_URL"`
	ChainPrivateKey        string  `mapstructure:"CHAIN_PRIVATE_KEY"`
	FactoryAddress         string  `mapstructure:"FACTORY_ADDRESS"`
	OracleOperatorAddress  string  `mapstructure:"ORACLE_OPERATOR_ADDRESS"`
	OracleOperatorSecret   string  `mapstructure:"ORACLE_OPERATOR_SECRET"`
	OracleJobID            string  `mapstructure:"ORACLE_JOB_ID"`
	OracleVerifierURL      string  `mapstructure:"ORACLE_VERIFIER_URL"`
	RetryMaxAttempts       int     `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryInitialBackoffMs  int     `mapstructure:"RETRY_INITIAL_BACKOFF_MS"`
	RetryMaxBackoffMs      int     `mapstructure:"RETRY_MAX_BACKOFF_MS"`
	RetryBackoffMultiplier float64 `mapstructure:"RETRY_BACKOFF_MULTIPLIER"`
	AllowedOrigins         string  `mapstructure:"CORS_ALLOWED_ORIGINS"`
	PurgeSchedule          string  `mapstructure:"IDEMPOTENCY_PURGE_SCHEDULE"`
	ShutdownTimeoutSecs    int     `mapstructure:"SHUTDOWN_TIMEOUT_SECONDS"`
}

// AppConfig groups the service settings by concern.
type AppConfig struct {
	Service ServiceConfig
	Chain   ChainConfig
	Oracle  OracleConfig
	Events  EventsConfig
	Retry   RetryConfig
}

type ServiceConfig struct {
	HTTPPort          int
	HMACSecret        string
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
	DatabaseURL       string
	DLQPath           string
	AllowedOrigins    []string
	PurgeSchedule     string
	ShutdownTimeout   time.Duration
}

type ChainConfig struct {
	RPCURL         string
	PrivateKey     string
	FactoryAddress common.Address
}

type OracleConfig struct {
	Operator       common.Address
	OperatorSecret string
	JobID          string
	VerifierURL    string
}

type EventsConfig struct {
	RabbitMQURL string
	Exchange    string
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultFactoryAddress is used when FACTORY_ADDRESS is unset and no chain
// signer is configured.
var DefaultFactoryAddress = common.HexToAddress("0x000000000000000000000000000000000000f4c7")

var keys = []string{
	"API_HTTP_PORT",
	"HMAC_SECRET",
	"HMAC_CLOCK_SKEW_SECONDS",
	"IDEMPOTENCY_WINDOW_SECONDS",
	"DATABASE_URL",
	"DLQ_PATH",
	"RABBITMQ_URL",
	"EVENTS_EXCHANGE",
	"CHAIN_RPC_URL",
	"CHAIN_PRIVATE_KEY",
	"FACTORY_ADDRESS",
	"ORACLE_OPERATOR_ADDRESS",
	"ORACLE_OPERATOR_SECRET",
	"ORACLE_JOB_ID",
	"ORACLE_VERIFIER_URL",
	"RETRY_MAX_ATTEMPTS",
	"RETRY_INITIAL_BACKOFF_MS",
	"RETRY_MAX_BACKOFF_MS",
	"RETRY_BACKOFF_MULTIPLIER",
	"CORS_ALLOWED_ORIGINS",
	"IDEMPOTENCY_PURGE_SCHEDULE",
	"SHUTDOWN_TIMEOUT_SECONDS",
}

// Load reads configuration from the environment.
func Load() (*AppConfig, error) {
	viper.SetDefault("API_HTTP_PORT", 3000)
	viper.SetDefault("HMAC_CLOCK_SKEW_SECONDS", 60)
	viper.SetDefault("IDEMPOTENCY_WINDOW_SECONDS", 86400)
	viper.SetDefault("EVENTS_EXCHANGE", "xscrow_events")
	viper.SetDefault("ORACLE_JOB_ID", "xscrow-credit-check")
	viper.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	viper.SetDefault("RETRY_INITIAL_BACKOFF_MS", 500)
	viper.SetDefault("RETRY_MAX_BACKOFF_MS", 5000)
	viper.SetDefault("RETRY_BACKOFF_MULTIPLIER", 2)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "https://*,http://*")
	viper.SetDefault("IDEMPOTENCY_PURGE_SCHEDULE", "@hourly")
	viper.SetDefault("SHUTDOWN_TIMEOUT_SECONDS", 10)
	viper.AutomaticEnv()

	for _, key := range keys {
		_ = viper.BindEnv(key)
	}

	var raw env
	if err := viper.Unmarshal(&raw); err != nil {
		return nil, err
	}
	return raw.build()
}

func (e env) build() (*AppConfig, error) {
	factory := DefaultFactoryAddress
	if e.FactoryAddress != "" {
		if !common.IsHexAddress(e.FactoryAddress) {
			return nil, fmt.Errorf("FACTORY_ADDRESS is not a valid address: %q", e.FactoryAddress)
		}
		factory = common.HexToAddress(e.FactoryAddress)
	}

	var operator common.Address
	if e.OracleOperatorAddress != "" {
		if !common.IsHexAddress(e.OracleOperatorAddress) {
			return nil, fmt.Errorf("ORACLE_OPERATOR_ADDRESS is not a valid address: %q", e.OracleOperatorAddress)
		}
		operator = common.HexToAddress(e.OracleOperatorAddress)
	}
	if e.ChainPrivateKey != "" && e.ChainRPCURL == "" {
		return nil, fmt.Errorf("CHAIN_RPC_URL is required when CHAIN_PRIVATE_KEY is set")
	}
	if e.HMACSecret == "" {
		return nil, fmt.Errorf("HMAC_SECRET is required")
	}
	if e.OracleOperatorSecret == "" {
		return nil, fmt.Errorf("ORACLE_OPERATOR_SECRET is required")
	}

	return &AppConfig{
		Service: ServiceConfig{
			HTTPPort:          e.HTTPPort,
			HMACSecret:        e.HMACSecret,
			HMACClockSkew:     time.Duration(e.HMACClockSkewSeconds) * time.Second,
			IdempotencyWindow: time.Duration(e.IdempotencyWindowSecs) * time.Second,
			DatabaseURL:       e.DatabaseURL,
			DLQPath:           e.DLQPath,
			AllowedOrigins:    splitList(e.AllowedOrigins),
			PurgeSchedule:     e.PurgeSchedule,
			ShutdownTimeout:   time.Duration(e.ShutdownTimeoutSecs) * time.Second,
		},
		Chain: ChainConfig{
			RPCURL:         e.ChainRPCURL,
			PrivateKey:     e.ChainPrivateKey,
			FactoryAddress: factory,
		},
		Oracle: OracleConfig{
			Operator:       operator,
			OperatorSecret: e.OracleOperatorSecret,
			JobID:          e.OracleJobID,
			VerifierURL:    e.OracleVerifierURL,
		},
		Events: EventsConfig{
			RabbitMQURL: e.RabbitMQURL,
			Exchange:    e.EventsExchange,
		},
		Retry: RetryConfig{
			MaxAttempts:       e.RetryMaxAttempts,
			InitialBackoff:    time.Duration(e.RetryInitialBackoffMs) * time.Millisecond,
			MaxBackoff:        time.Duration(e.RetryMaxBackoffMs) * time.Millisecond,
			BackoffMultiplier: e.RetryBackoffMultiplier,
		},
	}, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
