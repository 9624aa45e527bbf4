package indexerd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"claimindexer/crypto"
	"claimindexer/observability/logging"
)

const (
	defaultRPC     = "wss://base-rpc.publicnode.com"
	defaultChainID = 8453
	defaultClaimer = "0xc749169dB9C231E1797Aa9cD7f5B7a88AeD25b08"
	defaultGenesis = "0x84599c907B42e9bc21F9FE26D9e5A5D3747109D3"
	defaultUSDC    = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	defaultDSN     = "host=/run/postgresql dbname=openxai-indexer"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for indexerd.
type Config struct {
	ListenAddress string         `yaml:"listen" toml:"listen"`
	LogLevel      string         `yaml:"log_level" toml:"log_level"`
	Chain         ChainConfig    `yaml:"chain" toml:"chain"`
	Database      DatabaseConfig `yaml:"database" toml:"database"`
	Claimer       SignerConfig   `yaml:"claimer" toml:"claimer"`
	Minter        SignerConfig   `yaml:"minter" toml:"minter"`
}

// ChainConfig describes the RPC endpoint and the watched contracts.
type ChainConfig struct {
	RPCURL               string   `yaml:"rpc_url" toml:"rpc_url"`
	ChainID              int64    `yaml:"chain_id" toml:"chain_id"`
	Genesis              string   `yaml:"genesis" toml:"genesis"`
	Claimer              string   `yaml:"claimer" toml:"claimer"`
	USDC                 string   `yaml:"usdc" toml:"usdc"`
	Deposit              string   `yaml:"deposit" toml:"deposit"`
	ParticipatedDecimals *uint    `yaml:"participated_decimals" toml:"participated_decimals"`
	ClaimedDecimals      *uint    `yaml:"claimed_decimals" toml:"claimed_decimals"`
	DepositDecimals      *uint    `yaml:"deposit_decimals" toml:"deposit_decimals"`
	ResubscribeInterval  Duration `yaml:"resubscribe_interval" toml:"resubscribe_interval"`
	Buffer               int      `yaml:"buffer" toml:"buffer"`
}

// DatabaseConfig selects the ledger store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
	DSNEnv string `yaml:"dsn_env" toml:"dsn_env"`
}

// SignerConfig points at one private key. Exactly one source is used, in
// order: signer_key, signer_key_env, signer_key_file, keystore.
type SignerConfig struct {
	SignerKey     string `yaml:"signer_key" toml:"signer_key"`
	SignerKeyEnv  string `yaml:"signer_key_env" toml:"signer_key_env"`
	SignerKeyFile string `yaml:"signer_key_file" toml:"signer_key_file"`
	Keystore      string `yaml:"keystore" toml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.NewDecoder(file).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Database.normalise(); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	if err := cfg.Claimer.normalise(); err != nil {
		return cfg, fmt.Errorf("claimer signer: %w", err)
	}
	if err := cfg.Minter.normalise(); err != nil {
		return cfg, fmt.Errorf("minter signer: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":36092"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Chain.RPCURL == "" {
		cfg.Chain.RPCURL = defaultRPC
	}
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = defaultChainID
	}
	if cfg.Chain.Genesis == "" {
		cfg.Chain.Genesis = common.HexToAddress(defaultGenesis).Hex()
	}
	if cfg.Chain.Claimer == "" {
		cfg.Chain.Claimer = common.HexToAddress(defaultClaimer).Hex()
	}
	if cfg.Chain.USDC == "" {
		cfg.Chain.USDC = common.HexToAddress(defaultUSDC).Hex()
	}
	// Participated amounts are stored as emitted; the ledger is 6-decimal.
	if cfg.Chain.ParticipatedDecimals == nil {
		cfg.Chain.ParticipatedDecimals = decimals(6)
	}
	if cfg.Chain.ClaimedDecimals == nil {
		cfg.Chain.ClaimedDecimals = decimals(18)
	}
	if cfg.Chain.DepositDecimals == nil {
		cfg.Chain.DepositDecimals = decimals(6)
	}
	if cfg.Chain.ResubscribeInterval.Duration == 0 {
		cfg.Chain.ResubscribeInterval.Duration = 5 * time.Second
	}
	if cfg.Chain.Buffer <= 0 {
		cfg.Chain.Buffer = 128
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.DSNEnv == "" && cfg.Database.DSN == "" {
		cfg.Database.DSNEnv = "DATABASE"
	}
	if cfg.Claimer.empty() {
		cfg.Claimer.SignerKeyEnv = "CLAIMERKEY"
	}
}

func decimals(v uint) *uint { return &v }

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpc_url must be configured")
	}
	if cfg.Chain.ChainID <= 0 {
		return fmt.Errorf("chain chain_id must be positive")
	}
	for name, value := range map[string]string{
		"genesis": cfg.Chain.Genesis,
		"claimer": cfg.Chain.Claimer,
		"usdc":    cfg.Chain.USDC,
	} {
		if err := checksummed(value); err != nil {
			return fmt.Errorf("chain %s: %w", name, err)
		}
	}
	if cfg.Chain.Deposit != "" {
		if err := checksummed(cfg.Chain.Deposit); err != nil {
			return fmt.Errorf("chain deposit: %w", err)
		}
	}
	for name, value := range map[string]*uint{
		"participated_decimals": cfg.Chain.ParticipatedDecimals,
		"claimed_decimals":      cfg.Chain.ClaimedDecimals,
		"deposit_decimals":      cfg.Chain.DepositDecimals,
	} {
		if *value > 36 {
			return fmt.Errorf("chain %s must be at most 36", name)
		}
	}
	switch strings.ToLower(cfg.Database.Driver) {
	case "postgres", "postgresql", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database driver %q not supported", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if cfg.Claimer.empty() {
		return fmt.Errorf("claimer signer key must be configured")
	}
	return nil
}

// checksummed accepts only the EIP-55 form of an address.
func checksummed(value string) error {
	if !common.IsHexAddress(value) {
		return fmt.Errorf("%q is not an address", value)
	}
	if common.HexToAddress(value).Hex() != value {
		return fmt.Errorf("%q is not EIP-55 checksummed", value)
	}
	return nil
}

func (d *DatabaseConfig) normalise() error {
	d.Driver = strings.TrimSpace(d.Driver)
	d.DSN = strings.TrimSpace(d.DSN)
	d.DSNEnv = strings.TrimSpace(d.DSNEnv)
	if d.DSNEnv == "" {
		return nil
	}
	if value := strings.TrimSpace(os.Getenv(d.DSNEnv)); value != "" {
		d.DSN = value
		return nil
	}
	if d.DSN == "" {
		d.DSN = defaultDSN
	}
	return nil
}

func (s SignerConfig) empty() bool {
	return s.SignerKey == "" && s.SignerKeyEnv == "" && s.SignerKeyFile == "" && s.Keystore == ""
}

func (s *SignerConfig) normalise() error {
	if s == nil {
		return fmt.Errorf("signer configuration missing")
	}
	s.SignerKey = strings.TrimSpace(s.SignerKey)
	s.SignerKeyEnv = strings.TrimSpace(s.SignerKeyEnv)
	s.SignerKeyFile = strings.TrimSpace(s.SignerKeyFile)
	s.Keystore = strings.TrimSpace(s.Keystore)
	s.PassphraseEnv = strings.TrimSpace(s.PassphraseEnv)
	if s.SignerKey != "" {
		return nil
	}
	switch {
	case s.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(s.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", s.SignerKeyEnv)
		}
		s.SignerKey = value
	case s.SignerKeyFile != "":
		contents, err := os.ReadFile(s.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		s.SignerKey = strings.TrimSpace(string(contents))
	case s.Keystore != "":
		if s.PassphraseEnv == "" {
			return fmt.Errorf("keystore requires passphrase_env")
		}
	}
	return nil
}

// source describes where the key comes from. Inline keys are redacted.
func (s SignerConfig) source() slog.Attr {
	switch {
	case s.SignerKeyEnv != "":
		return logging.MaskField("signer_key_env", s.SignerKeyEnv)
	case s.SignerKeyFile != "":
		return logging.MaskField("signer_key_file", s.SignerKeyFile)
	case s.Keystore != "":
		return logging.MaskField("keystore", s.Keystore)
	default:
		return logging.MaskField("signer_key", s.SignerKey)
	}
}

// Secret decodes the configured key into raw bytes. The caller owns the
// returned slice and hands it to custody, which wipes it.
func (s SignerConfig) Secret() ([]byte, error) {
	if s.SignerKey != "" {
		return crypto.ParsePrivateKeyHex(s.SignerKey)
	}
	if s.Keystore != "" {
		passphrase, ok := os.LookupEnv(s.PassphraseEnv)
		if !ok {
			return nil, fmt.Errorf("passphrase_env %s is not set", s.PassphraseEnv)
		}
		return crypto.LoadFromKeystore(s.Keystore, passphrase)
	}
	return nil, errors.New("no signer key configured")
}
