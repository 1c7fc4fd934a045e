package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/devblac/xchain-relay/internal/descriptor"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes the variables that override the global section.
const EnvPrefix = "XRELAY"

const (
	defaultDBPath        = "xchain-relay.db"
	defaultRelayInterval = 5 * time.Second
	defaultCallTimeout   = 30 * time.Second
	defaultRedisChannel  = "xchain-relay:passes"
	defaultBasePort      = 8500
)

// Config holds the YAML configuration.
type Config struct {
	Version int           `yaml:"version"`
	Global  GlobalConfig  `yaml:"global"`
	Chains  []ChainConfig `yaml:"chains"`
	Sinks   []Sink        `yaml:"sinks"`
}

// GlobalConfig fields are overridden by XRELAY_<FIELD> variables, e.g.
// XRELAY_DB_PATH. Unprefixed names are never read.
type GlobalConfig struct {
	DBPath        string        `yaml:"db_path" split_words:"true"`
	RelayInterval time.Duration `yaml:"relay_interval" split_words:"true"`
	// CallTimeout bounds every chain call in a pass; negative disables it.
	CallTimeout  time.Duration `yaml:"call_timeout" split_words:"true"`
	Express      bool          `yaml:"express" split_words:"true"`
	ArtifactsDir string        `yaml:"artifacts_dir" split_words:"true"`
	RedisURL     string        `yaml:"redis_url" split_words:"true"`
	RedisChannel string        `yaml:"redis_channel" split_words:"true"`
	LogLevel     string        `yaml:"log_level" split_words:"true"`
	LogFile      string        `yaml:"log_file" split_words:"true"`
}

type ChainConfig struct {
	Name       string          `yaml:"name"`
	ChainID    uint64          `yaml:"chain_id"`
	RPCURL     string          `yaml:"rpc_url"`
	Descriptor string          `yaml:"descriptor"`
	Port       int             `yaml:"port"`
	Keys       KeysConfig      `yaml:"keys"`
	Contracts  ContractsConfig `yaml:"contracts"`
	Tokens     []TokenConfig   `yaml:"tokens"`
}

// KeysConfig holds key material: hex private keys or "keystore:<path>" references.
type KeysConfig struct {
	Owner     string   `yaml:"owner"`
	Operator  string   `yaml:"operator"`
	Relayer   string   `yaml:"relayer"`
	Admins    []string `yaml:"admins"`
	Threshold int      `yaml:"threshold"`
	Users     []string `yaml:"users"`
}

type ContractConfig struct {
	Artifact string `yaml:"artifact"`
	Args     []any  `yaml:"args"`
}

type ContractsConfig struct {
	ConstAddressDeployer ContractConfig `yaml:"const_address_deployer"`
	Create3Deployer      ContractConfig `yaml:"create3_deployer"`
	Gateway              ContractConfig `yaml:"gateway"`
	GasService           ContractConfig `yaml:"gas_service"`
}

type TokenConfig struct {
	Name     string `yaml:"name"`
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
	Cap      string `yaml:"cap"`
	Artifact string `yaml:"artifact"`
}

type Sink struct {
	ID         string        `yaml:"id"`
	Type       string        `yaml:"type"`
	WebhookURL string        `yaml:"webhook_url"`
	Template   string        `yaml:"template"`
	URL        string        `yaml:"url"`
	Method     string        `yaml:"method"`
	Rate       float64       `yaml:"rate"`
	Burst      int           `yaml:"burst"`
	DedupeTTL  time.Duration `yaml:"dedupe_ttl"`
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, overlays XRELAY_* variables, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg.Global); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default is the configuration used when a service runs from descriptor files
// alone: no chains, defaults overlaid with XRELAY_* variables.
func Default() (*Config, error) {
	cfg := Config{Version: 1}
	if err := envconfig.Process(EnvPrefix, &cfg.Global); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

func (c *Config) applyDefaults() {
	g := &c.Global
	if g.DBPath == "" {
		g.DBPath = defaultDBPath
	}
	if g.RelayInterval == 0 {
		g.RelayInterval = defaultRelayInterval
	}
	if g.CallTimeout == 0 {
		g.CallTimeout = defaultCallTimeout
	}
	if g.RedisChannel == "" {
		g.RedisChannel = defaultRedisChannel
	}
	for i := range c.Chains {
		ch := &c.Chains[i]
		if ch.Descriptor == "" {
			ch.Descriptor = descriptor.DefaultPath(ch.Name)
		}
		if ch.Port == 0 {
			ch.Port = defaultBasePort + i
		}
	}
	for i := range c.Sinks {
		if strings.EqualFold(c.Sinks[i].Type, "webhook") && c.Sinks[i].Method == "" {
			c.Sinks[i].Method = "POST"
		}
	}
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if len(c.Chains) == 0 {
		return errors.New("at least one chain is required")
	}
	if c.Global.RelayInterval < 0 {
		return errors.New("global.relay_interval must be positive")
	}

	names := map[string]struct{}{}
	ids := map[uint64]string{}
	ports := map[int]string{}
	for i := range c.Chains {
		ch := &c.Chains[i]
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("chain %s: %w", ch.Name, err)
		}
		if _, exists := names[ch.Name]; exists {
			return fmt.Errorf("duplicate chain name: %s", ch.Name)
		}
		names[ch.Name] = struct{}{}
		if other, exists := ids[ch.ChainID]; exists {
			return fmt.Errorf("chain %s: chain_id %d already used by %s", ch.Name, ch.ChainID, other)
		}
		ids[ch.ChainID] = ch.Name
		if other, exists := ports[ch.Port]; exists {
			return fmt.Errorf("chain %s: port %d already used by %s", ch.Name, ch.Port, other)
		}
		ports[ch.Port] = ch.Name
	}

	sinkIDs := map[string]struct{}{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	return nil
}

// Chain looks a chain up by name.
func (c *Config) Chain(name string) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

func (ch *ChainConfig) Validate() error {
	if ch.Name == "" {
		return errors.New("name is required")
	}
	if ch.ChainID == 0 {
		return errors.New("chain_id is required")
	}
	if ch.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	if ch.Port < 0 || ch.Port > 65535 {
		return fmt.Errorf("port %d out of range", ch.Port)
	}
	k := ch.Keys
	if len(k.Admins) > 0 && (k.Threshold < 0 || k.Threshold > len(k.Admins)) {
		return fmt.Errorf("keys.threshold %d must be between 1 and %d", k.Threshold, len(k.Admins))
	}
	symbols := map[string]struct{}{}
	for _, t := range ch.Tokens {
		if t.Symbol == "" {
			return errors.New("tokens: symbol is required")
		}
		if _, exists := symbols[t.Symbol]; exists {
			return fmt.Errorf("duplicate token symbol: %s", t.Symbol)
		}
		symbols[t.Symbol] = struct{}{}
	}
	return nil
}

// ValidateBootstrap checks what a deployment run needs beyond Validate.
func (ch *ChainConfig) ValidateBootstrap() error {
	if ch.Keys.Owner == "" {
		return errors.New("keys.owner is required to deploy")
	}
	for role, cc := range ch.Contracts.ByRole() {
		if cc.Artifact == "" {
			return fmt.Errorf("contracts.%s.artifact is required", role)
		}
	}
	for _, t := range ch.Tokens {
		if t.Artifact == "" {
			return fmt.Errorf("tokens.%s.artifact is required", t.Symbol)
		}
		if t.Cap == "" {
			return fmt.Errorf("tokens.%s.cap is required", t.Symbol)
		}
	}
	return nil
}

// DescriptorKeys applies role defaults: operator and relayer fall back to the
// owner, admins to [owner], threshold to 1.
func (k KeysConfig) DescriptorKeys() descriptor.Keys {
	out := descriptor.Keys{
		Owner:     k.Owner,
		Operator:  k.Operator,
		Relayer:   k.Relayer,
		Admins:    append([]string(nil), k.Admins...),
		Threshold: k.Threshold,
		Users:     append([]string(nil), k.Users...),
	}
	if out.Operator == "" {
		out.Operator = out.Owner
	}
	if out.Relayer == "" {
		out.Relayer = out.Owner
	}
	if len(out.Admins) == 0 && out.Owner != "" {
		out.Admins = []string{out.Owner}
	}
	if out.Threshold == 0 {
		out.Threshold = 1
	}
	if len(out.Users) == 0 {
		out.Users = nil
	}
	return out
}

// ByRole maps the configured contracts to descriptor roles.
func (c ContractsConfig) ByRole() map[string]ContractConfig {
	return map[string]ContractConfig{
		descriptor.RoleConstAddressDeployer: c.ConstAddressDeployer,
		descriptor.RoleCreate3Deployer:      c.Create3Deployer,
		descriptor.RoleGateway:              c.Gateway,
		descriptor.RoleGasService:           c.GasService,
	}
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}
	if s.Rate < 0 || s.Burst < 0 {
		return errors.New("rate and burst must not be negative")
	}
	if s.DedupeTTL < 0 {
		return errors.New("dedupe_ttl must not be negative")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
