package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

type Config struct {
	Redis   RedisConfig
	Server  ServerConfig
	Watcher WatcherConfig
	Relay   RelayConfig
	Signer  SignerConfig
	Chains  Chains `mapstructure:"chains"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ServerConfig struct {
	Port     int `mapstructure:"port"`
	GRPCPort int `mapstructure:"grpc_port"`

	// RequireAuth puts the operation routes behind wallet signatures.
	RequireAuth bool `mapstructure:"require_auth"`

	// AuthorizedWallets may sign operation requests in addition to the
	// configured signer.
	AuthorizedWallets []string `mapstructure:"authorized_wallets"`
}

// AuthorizedAddresses parses AuthorizedWallets, dropping blanks and repeats.
func (s ServerConfig) AuthorizedAddresses() []common.Address {
	raw := lo.Without(lo.Map(s.AuthorizedWallets, func(w string, _ int) string { return strings.TrimSpace(w) }), "")
	return lo.Uniq(lo.Map(raw, func(w string, _ int) common.Address { return common.HexToAddress(w) }))
}

type WatcherConfig struct {
	TickIntervalMs    int64 `mapstructure:"tick_interval_ms"`
	DefaultIntervalMs int64 `mapstructure:"default_interval_ms"`
	// SelfCheck lets the watcher query the chain itself when no foreground
	// port is attached.
	SelfCheck bool `mapstructure:"self_check"`
}

type RelayConfig struct {
	TimeoutSec          int64 `mapstructure:"timeout_sec"`
	FallbackOfferTTLSec int64 `mapstructure:"fallback_offer_ttl_sec"`
}

type SignerConfig struct {
	PrivateKey string `mapstructure:"private_key"`
}

// ChainConfig is the per-chain registration: RPC, relays and contract addresses.
type ChainConfig struct {
	ChainID         int64    `mapstructure:"chain_id"`
	RPCURL          string   `mapstructure:"rpc_url"`
	// RPCURLs are further endpoints watcher tasks may name for this chain.
	RPCURLs         []string `mapstructure:"rpc_urls"`
	EntryPoint      string   `mapstructure:"entry_point"`
	CommitReveal    string   `mapstructure:"commit_reveal"`
	Relays          []string `mapstructure:"relays"`
	MaxPayloadBytes int      `mapstructure:"max_payload_bytes"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.require_auth", true)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("watcher.tick_interval_ms", 5000)
	v.SetDefault("watcher.default_interval_ms", 5000)
	v.SetDefault("watcher.self_check", true)
	v.SetDefault("relay.timeout_sec", 10)
	v.SetDefault("relay.fallback_offer_ttl_sec", 600)

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
		"redis.addr":                   "REDIS_ADDR",
		"redis.password":               "REDIS_PASSWORD",
		"server.port":                  "PORT",
		"server.grpc_port":             "GRPC_PORT",
		"server.require_auth":          "REQUIRE_AUTH",
		"server.authorized_wallets":    "AUTHORIZED_WALLETS",
		"watcher.tick_interval_ms":     "WATCHER_TICK_MS",
		"watcher.default_interval_ms":  "WATCHER_INTERVAL_MS",
		"watcher.self_check":           "WATCHER_SELF_CHECK",
		"relay.timeout_sec":            "RELAY_TIMEOUT_SEC",
		"relay.fallback_offer_ttl_sec": "FALLBACK_OFFER_TTL_SEC",
		"signer.private_key":           "SIGNER_PRIVATE_KEY",
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

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("required config missing: REDIS_ADDR")
	}
	if c.Watcher.TickIntervalMs <= 0 {
		return fmt.Errorf("invalid WATCHER_TICK_MS: %d", c.Watcher.TickIntervalMs)
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("required config missing: chains")
	}
	for _, w := range c.Server.AuthorizedWallets {
		if w = strings.TrimSpace(w); w != "" && !common.IsHexAddress(w) {
			return fmt.Errorf("invalid AUTHORIZED_WALLETS entry %q", w)
		}
	}
	seen := make(map[int64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ChainID == 0 {
			return fmt.Errorf("chain entry missing chain_id")
		}
		if seen[ch.ChainID] {
			return fmt.Errorf("duplicate chain_id %d", ch.ChainID)
		}
		seen[ch.ChainID] = true
		if ch.RPCURL == "" {
			return fmt.Errorf("chain %d: rpc_url missing", ch.ChainID)
		}
	}
	return nil
}
