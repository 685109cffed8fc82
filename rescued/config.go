package rescued

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
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
	raw := value.Value
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

// Config captures the runtime configuration for the recovery daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	LogFile       string          `yaml:"log_file"`
	PauseOnStart  bool            `yaml:"pause"`
	Chain         ChainConfig     `yaml:"chain"`
	Database      DatabaseConfig  `yaml:"database"`
	Funding       FundingConfig   `yaml:"funding"`
	Custody       CustodyConfig   `yaml:"custody"`
	GameAPI       GameAPIConfig   `yaml:"game_api"`
	Contracts     ContractsConfig `yaml:"contracts"`
	Engine        EngineConfig    `yaml:"engine"`
}

// ChainConfig configures the EVM RPC connection.
type ChainConfig struct {
	Endpoint            string   `yaml:"endpoint"`
	ChainID             int64    `yaml:"chain_id"`
	ConfirmationTimeout Duration `yaml:"confirmation_timeout"`
	PollInterval        Duration `yaml:"poll_interval"`
}

// DatabaseConfig locates the account store.
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
}

// FundingConfig carries the funding wallet key. The key may be supplied
// inline, via an environment variable, or read from a file.
type FundingConfig struct {
	Key     string `yaml:"key"`
	KeyEnv  string `yaml:"key_env"`
	KeyFile string `yaml:"key_file"`
}

// CustodyConfig configures the custodial vault provider.
type CustodyConfig struct {
	BaseURL         string           `yaml:"base_url"`
	APIKey          string           `yaml:"api_key"`
	APIKeyEnv       string           `yaml:"api_key_env"`
	SecretKeyFile   string           `yaml:"secret_key_file"`
	AssetSymbol     string           `yaml:"asset"`
	VaultNamePrefix string           `yaml:"vault_prefix"`
	HiddenVaults    bool             `yaml:"hidden"`
	AutoFuel        bool             `yaml:"auto_fuel"`
	GasStation      GasStationConfig `yaml:"gas_station"`
}

// GasStationConfig optionally pins the provider's auto-fueling bounds at startup.
type GasStationConfig struct {
	Min      string `yaml:"min"`
	Max      string `yaml:"max"`
	MaxPrice string `yaml:"max_price"`
}

// GameAPIConfig configures the game balance/claim API client.
type GameAPIConfig struct {
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	SigningBase       string  `yaml:"signing_base"`
	SigningSalt       string  `yaml:"signing_salt"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	ChallengeTemplate string  `yaml:"challenge_template"`
}

// ContractsConfig holds the deployed game contract addresses.
type ContractsConfig struct {
	Token   string `yaml:"token"`
	Serum   string `yaml:"serum"`
	Escrow  string `yaml:"escrow"`
	Fighter string `yaml:"fighter"`
}

// EngineConfig tunes the recovery engine itself.
type EngineConfig struct {
	Workers                int      `yaml:"workers"`
	MaxRetries             int      `yaml:"max_retries"`
	RefundRetries          int      `yaml:"refund_retries"`
	PriorityFeeIncreasePct int64    `yaml:"priority_fee_increase_pct"`
	NonceTimeout           Duration `yaml:"nonce_timeout"`
	SettleWait             Duration `yaml:"settle_wait"`
	DepositSettleWait      Duration `yaml:"deposit_settle_wait"`
	MinSerumClaim          int64    `yaml:"min_serum_claim"`
	ItemsPerClaim          int      `yaml:"items_per_claim"`
	TopUpUnitsPerBatch     int64    `yaml:"topup_units_per_batch"`
	DisableSerumClaim      bool     `yaml:"disable_serum_claim"`
	DisableItemClaim       bool     `yaml:"disable_item_claim"`
	SkipTopUpCheck         bool     `yaml:"skip_topup_check"`
	ReadOnly               bool     `yaml:"read_only"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Funding.normalise(); err != nil {
		return cfg, fmt.Errorf("funding key: %w", err)
	}
	if err := cfg.Database.normalise(); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	cfg.Custody.normalise()
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Chain.ConfirmationTimeout.Duration == 0 {
		cfg.Chain.ConfirmationTimeout.Duration = 60 * time.Second
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 5 * time.Second
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 5
	}
	if cfg.Engine.MaxRetries <= 0 {
		cfg.Engine.MaxRetries = 15
	}
	if cfg.Engine.RefundRetries <= 0 {
		cfg.Engine.RefundRetries = 5
	}
	if cfg.Engine.PriorityFeeIncreasePct <= 0 {
		cfg.Engine.PriorityFeeIncreasePct = 20
	}
	if cfg.Engine.NonceTimeout.Duration == 0 {
		cfg.Engine.NonceTimeout.Duration = 30 * time.Second
	}
	if cfg.Engine.SettleWait.Duration == 0 {
		cfg.Engine.SettleWait.Duration = 60 * time.Second
	}
	if cfg.Engine.DepositSettleWait.Duration == 0 {
		cfg.Engine.DepositSettleWait.Duration = 10 * time.Second
	}
	if cfg.Engine.MinSerumClaim <= 0 {
		cfg.Engine.MinSerumClaim = 100
	}
	if cfg.Engine.ItemsPerClaim <= 0 {
		cfg.Engine.ItemsPerClaim = 20
	}
	if cfg.Engine.TopUpUnitsPerBatch <= 0 {
		cfg.Engine.TopUpUnitsPerBatch = 10
	}
	if cfg.Custody.VaultNamePrefix == "" {
		cfg.Custody.VaultNamePrefix = "recovery-vault"
	}
	if cfg.GameAPI.RequestsPerSecond <= 0 {
		cfg.GameAPI.RequestsPerSecond = 5
	}
	if cfg.GameAPI.Burst <= 0 {
		cfg.GameAPI.Burst = 10
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.Endpoint) == "" {
		return fmt.Errorf("chain endpoint must be configured")
	}
	if cfg.Chain.ChainID <= 0 {
		return fmt.Errorf("chain id must be configured")
	}
	if strings.TrimSpace(cfg.GameAPI.BaseURL) == "" {
		return fmt.Errorf("game api base_url must be configured")
	}
	for name, addr := range map[string]string{
		"token":   cfg.Contracts.Token,
		"serum":   cfg.Contracts.Serum,
		"escrow":  cfg.Contracts.Escrow,
		"fighter": cfg.Contracts.Fighter,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("contracts.%s is not a valid address", name)
		}
	}
	return nil
}

// ContractAddresses converts the configured hex strings.
func (c ContractsConfig) ContractAddresses() (token, serum, escrow, fighter common.Address) {
	return common.HexToAddress(c.Token), common.HexToAddress(c.Serum),
		common.HexToAddress(c.Escrow), common.HexToAddress(c.Fighter)
}

func (f *FundingConfig) normalise() error {
	if f == nil {
		return fmt.Errorf("funding configuration missing")
	}
	f.Key = strings.TrimSpace(f.Key)
	f.KeyEnv = strings.TrimSpace(f.KeyEnv)
	f.KeyFile = strings.TrimSpace(f.KeyFile)
	if f.Key != "" {
		return nil
	}
	switch {
	case f.KeyEnv != "":
		value := strings.TrimSpace(os.Getenv(f.KeyEnv))
		if value == "" {
			return fmt.Errorf("key_env %s is empty", f.KeyEnv)
		}
		f.Key = value
	case f.KeyFile != "":
		contents, err := os.ReadFile(f.KeyFile)
		if err != nil {
			return fmt.Errorf("read key_file: %w", err)
		}
		f.Key = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("key is required")
	}
	return nil
}

func (d *DatabaseConfig) normalise() error {
	if d == nil {
		return fmt.Errorf("database configuration missing")
	}
	d.DSN = strings.TrimSpace(d.DSN)
	if d.DSN != "" {
		return nil
	}
	if env := strings.TrimSpace(d.DSNEnv); env != "" {
		d.DSN = strings.TrimSpace(os.Getenv(env))
	}
	if d.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	return nil
}

func (c *CustodyConfig) normalise() {
	if c == nil {
		return
	}
	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.APIKey == "" {
		if env := strings.TrimSpace(c.APIKeyEnv); env != "" {
			c.APIKey = strings.TrimSpace(os.Getenv(env))
		}
	}
	if c.AssetSymbol == "" {
		c.AssetSymbol = "MATIC_POLYGON"
	}
}
