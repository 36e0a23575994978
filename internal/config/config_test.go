package config

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

func resetEnv(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	for _, key := range keys {
		t.Setenv(key, "")
	}
	t.Setenv("HMAC_SECRET", "api-secret")
	t.Setenv("ORACLE_OPERATOR_SECRET", "operator-secret")
}

func TestLoad_Defaults(t *testing.T) {
	resetEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Service.HTTPPort != 3000 {
		t.Fatalf("expected port 3000 got %d", cfg.Service.HTTPPort)
	}
	if cfg.Service.HMACClockSkew != time.Minute {
		t.Fatalf("expected 60s skew got %s", cfg.Service.HMACClockSkew)
	}
	if cfg.Chain.FactoryAddress != DefaultFactoryAddress {
		t.Fatalf("expected default factory address got %s", cfg.Chain.FactoryAddress.Hex())
	}
	if cfg.Events.Exchange != "xscrow_events" {
		t.Fatalf("expected default exchange got %q", cfg.Events.Exchange)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.InitialBackoff != 500*time.Millisecond {
		t.Fatalf("unexpected retry defaults %+v", cfg.Retry)
	}
	if len(cfg.Service.AllowedOrigins) != 2 {
		t.Fatalf("expected 2 default origins got %v", cfg.Service.AllowedOrigins)
	}
	if cfg.Service.PurgeSchedule != "@hourly" {
		t.Fatalf("expected hourly purge got %q", cfg.Service.PurgeSchedule)
	}
	if cfg.Service.ShutdownTimeout != 10*time.Second {
		t.Fatalf("expected 10s shutdown timeout got %s", cfg.Service.ShutdownTimeout)
	}
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	resetEnv(t)
	t.Setenv("API_HTTP_PORT", "8088")
	t.Setenv("HMAC_SECRET", "shh")
	t.Setenv("FACTORY_ADDRESS", "0x00000000000000000000000000000000000000f0")
	t.Setenv("ORACLE_OPERATOR_ADDRESS", "0x00000000000000000000000000000000000000f1")
	t.Setenv("ORACLE_OPERATOR_SECRET", "op-secret")
	t.Setenv("RETRY_MAX_BACKOFF_MS", "250")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example, https://admin.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Service.HTTPPort != 8088 || cfg.Service.HMACSecret != "shh" {
		t.Fatalf("unexpected service config %+v", cfg.Service)
	}
	if cfg.Chain.FactoryAddress != common.HexToAddress("0xf0") {
		t.Fatalf("unexpected factory %s", cfg.Chain.FactoryAddress.Hex())
	}
	if cfg.Oracle.Operator != common.HexToAddress("0xf1") || cfg.Oracle.OperatorSecret != "op-secret" {
		t.Fatalf("unexpected oracle config %+v", cfg.Oracle)
	}
	if cfg.Retry.MaxBackoff != 250*time.Millisecond {
		t.Fatalf("expected 250ms max backoff got %s", cfg.Retry.MaxBackoff)
	}
	if cfg.Service.AllowedOrigins[1] != "https://admin.example" {
		t.Fatalf("expected trimmed origins got %v", cfg.Service.AllowedOrigins)
	}
}

func TestLoad_RejectsBadAddress(t *testing.T) {
	resetEnv(t)
	t.Setenv("ORACLE_OPERATOR_ADDRESS", "not-an-address")

	_, err := Load()
	if err == nil {
		t.Fatal("expected invalid address error")
	}
	if !strings.Contains(err.Error(), "ORACLE_OPERATOR_ADDRESS") {
		t.Fatalf("expected error to mention ORACLE_OPERATOR_ADDRESS, got %v", err)
	}
}

func TestLoad_PrivateKeyNeedsRPC(t *testing.T) {
	resetEnv(t)
	t.Setenv("CHAIN_PRIVATE_KEY", "0xabc")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "CHAIN_RPC_URL") {
		t.Fatalf("expected CHAIN_RPC_URL error got %v", err)
	}
}

func TestLoad_RequiresSigningSecrets(t *testing.T) {
	for _, key := range []string{"HMAC_SECRET", "ORACLE_OPERATOR_SECRET"} {
		t.Run(key, func(t *testing.T) {
			resetEnv(t)
			t.Setenv(key, "")

			_, err := Load()
			if err == nil {
				t.Fatalf("expected missing %s to be rejected", key)
			}
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("expected error to mention %s, got %v", key, err)
			}
		})
	}
}
