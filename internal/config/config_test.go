package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "rpc:\n  primary: https://rpc.example\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scanner.Interval != 5*time.Second || cfg.Scanner.OpportunityTTL != 30*time.Second {
		t.Fatalf("scanner defaults %+v", cfg.Scanner)
	}
	if cfg.RPC.HealthInterval != 15*time.Second || cfg.RPC.HealthCacheTTL != 10*time.Second {
		t.Fatalf("rpc defaults %+v", cfg.RPC)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay != 500*time.Millisecond || !cfg.Retry.Jitter {
		t.Fatalf("retry defaults %+v", cfg.Retry)
	}
	if cfg.Fees.Percentile != 75 || cfg.Fees.BaseFeeBuffer != 2 {
		t.Fatalf("fee defaults %+v", cfg.Fees)
	}
	if cfg.Risk.Mode != "fixed" || cfg.Risk.VolatilityWindow != 14 {
		t.Fatalf("risk defaults %+v", cfg.Risk)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "rpc:\n  primary: https://rpc.example\n")
	t.Setenv("MEVSCANNER_RPC_FALLBACKS", "https://a.example,https://b.example")
	t.Setenv("MEVSCANNER_SCANNER_INTERVAL", "2s")
	t.Setenv("MEVSCANNER_RISK_MODE", "volatility")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.RPC.Fallbacks) != 2 || cfg.RPC.Fallbacks[1] != "https://b.example" {
		t.Fatalf("fallbacks %v", cfg.RPC.Fallbacks)
	}
	if cfg.Scanner.Interval != 2*time.Second {
		t.Fatalf("interval %s", cfg.Scanner.Interval)
	}
	if cfg.Risk.Mode != "volatility" {
		t.Fatalf("mode %s", cfg.Risk.Mode)
	}
}

func TestLoadRequiresEndpoint(t *testing.T) {
	path := writeConfig(t, "app:\n  name: test\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "rpc.primary") {
		t.Fatalf("expected missing endpoint error, got %v", err)
	}
}

func TestLoadAcceptsLocalOnly(t *testing.T) {
	path := writeConfig(t, "rpc:\n  local: http://127.0.0.1:8545\n")
	if _, err := Load(path); err != nil {
		t.Fatalf("local-only config should load: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, "rpc:\n  primary: https://rpc.example\n"))
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		return cfg
	}

	cases := map[string]func(c *Config){
		"risk.mode":           func(c *Config) { c.Risk.Mode = "martingale" },
		"scanner.interval":    func(c *Config) { c.Scanner.Interval = 0 },
		"opportunity_ttl":     func(c *Config) { c.Scanner.OpportunityTTL = -time.Second },
		"fees.percentile":     func(c *Config) { c.Fees.Percentile = 120 },
		"vaultgap.notional":   func(c *Config) { c.VaultGap.Notional = 0 },
		"kafka.topic":         func(c *Config) { c.Kafka.Brokers = []string{"localhost:9092"}; c.Kafka.Topic = "" },
		"bot_token":           func(c *Config) { c.Alerting.Telegram.Enabled = true },
		"min_priority_gwei":   func(c *Config) { c.Fees.MinPriorityGwei = 100 },
		"retry.max_attempts":  func(c *Config) { c.Retry.MaxAttempts = 0 },
		"export.max_data_pts": func(c *Config) { c.Export.MaxDataPoints = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 50}}
	if got := cfg.ResolveMaxPoints(0); got != 50 {
		t.Fatalf("期望使用默认值 50，实际 %d", got)
	}
	if got := cfg.ResolveMaxPoints(10); got != 10 {
		t.Fatalf("期望使用覆盖值 10，实际 %d", got)
	}
}
