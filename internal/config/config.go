package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Facilitator FacilitatorConfig
	Stream      StreamConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type FacilitatorConfig struct {
	// PrivateKey is the operational signer key (hex, no 0x). It pays gas for
	// settlements; it never custodies buyer funds.
	PrivateKey string `mapstructure:"private_key"`
	// Networks lists the network ids to activate, comma separated. A network
	// without a matching RPC endpoint is silently unlisted, not an error.
	Networks string `mapstructure:"networks"`
	// RPCURLs maps network id → endpoint, populated from RPC_URL_<NETWORK>.
	RPCURLs map[string]string `mapstructure:"-"`
	// VerifyBalance enables the optional on-chain balance check during verify.
	VerifyBalance bool `mapstructure:"verify_balance"`
	// ClockSkewSec is subtracted from validAfter to forgive buyer clock skew.
	// It never extends validBefore.
	ClockSkewSec int64 `mapstructure:"clock_skew_sec"`
}

type StreamConfig struct {
	UnitSeconds     int64   `mapstructure:"unit_seconds"`
	PriceAtomic     string  `mapstructure:"price_atomic"`
	PayTo           string  `mapstructure:"pay_to"`
	RequireFraction float64 `mapstructure:"require_fraction"`
	TTLSec          int64   `mapstructure:"ttl_sec"`
	GraceSec        int64   `mapstructure:"grace_sec"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("facilitator.networks", "base-sepolia")
	v.SetDefault("facilitator.verify_balance", true)
	v.SetDefault("facilitator.clock_skew_sec", 60)
	v.SetDefault("stream.unit_seconds", 60)
	v.SetDefault("stream.price_atomic", "50000")
	v.SetDefault("stream.require_fraction", 0.5)
	v.SetDefault("stream.ttl_sec", 30)
	v.SetDefault("stream.grace_sec", 10)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                "PORT",
		"redis.addr":                 "REDIS_ADDR",
		"redis.password":             "REDIS_PASSWORD",
		"facilitator.private_key":    "FACILITATOR_PRIVATE_KEY",
		"facilitator.networks":       "NETWORKS",
		"facilitator.verify_balance": "VERIFY_BALANCE",
		"facilitator.clock_skew_sec": "CLOCK_SKEW_SEC",
		"stream.unit_seconds":        "STREAM_UNIT_SECONDS",
		"stream.price_atomic":        "STREAM_PRICE_ATOMIC",
		"stream.pay_to":              "STREAM_PAY_TO",
		"stream.require_fraction":    "STREAM_REQUIRE_FRACTION",
		"stream.ttl_sec":             "STREAM_TTL_SEC",
		"stream.grace_sec":           "STREAM_GRACE_SEC",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Per-network endpoints: RPC_URL_BASE_SEPOLIA, RPC_URL_POLYGON_AMOY, …
	cfg.Facilitator.RPCURLs = make(map[string]string)
	for _, network := range cfg.Facilitator.NetworkList() {
		env := "RPC_URL_" + strings.ToUpper(strings.ReplaceAll(network, "-", "_"))
		key := "facilitator.rpc_url." + network
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
		if url := v.GetString(key); url != "" {
			cfg.Facilitator.RPCURLs[network] = url
		}
	}

	return cfg, cfg.validate()
}

// NetworkList splits the comma-separated Networks value.
func (f *FacilitatorConfig) NetworkList() []string {
	var out []string
	for _, n := range strings.Split(f.Networks, ",") {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Facilitator.PrivateKey == "" {
		return fmt.Errorf("required config missing: FACILITATOR_PRIVATE_KEY")
	}
	if len(c.Facilitator.NetworkList()) == 0 {
		return fmt.Errorf("required config missing: NETWORKS")
	}
	if c.Stream.UnitSeconds <= 0 {
		return fmt.Errorf("STREAM_UNIT_SECONDS must be positive")
	}
	if c.Stream.RequireFraction < 0.3 || c.Stream.RequireFraction > 0.7 {
		return fmt.Errorf("STREAM_REQUIRE_FRACTION must be within [0.3, 0.7]")
	}
	if c.Stream.GraceSec < 0 || c.Stream.GraceSec > 10 {
		return fmt.Errorf("STREAM_GRACE_SEC must be within [0, 10]")
	}
	return nil
}
