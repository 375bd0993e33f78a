package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the marketplaced node configuration, loaded from TOML.
type Config struct {
	RPCAddress  string `toml:"RPCAddress"`
	DataDir     string `toml:"DataDir"`
	NetworkName string `toml:"NetworkName"`
	Environment string `toml:"Environment"`
	// RPCAuthTokenEnv names the environment variable holding the bearer
	// token for mutating RPC methods. The token itself never lives in the
	// config file.
	RPCAuthTokenEnv string `toml:"RPCAuthTokenEnv"`
	LogFile         string `toml:"LogFile"`

	Node    NodeConfig    `toml:"node"`
	DAO     DAOConfig     `toml:"dao"`
	Genesis GenesisConfig `toml:"genesis"`
}

// NodeConfig carries settlement-engine wiring.
type NodeConfig struct {
	SuperAdmin  string `toml:"SuperAdmin"`
	FeeTreasury string `toml:"FeeTreasury"`
	FeeBps      uint32 `toml:"FeeBps"`
}

// DAOConfig carries arbitration and governance tunables. Zero values fall
// back to engine defaults.
type DAOConfig struct {
	JurorCount          int    `toml:"JurorCount"`
	VotingWindowSeconds int64  `toml:"VotingWindowSeconds"`
	TiePolicy           string `toml:"TiePolicy"`
	ProposalWindowHours int64  `toml:"ProposalWindowHours"`
	QuorumBps           uint64 `toml:"QuorumBps"`
	PassThresholdBps    uint64 `toml:"PassThresholdBps"`
	MinProposalStake    string `toml:"MinProposalStake"`
}

// GenesisConfig describes the initial state applied to a fresh database.
type GenesisConfig struct {
	SupportedTokens []string            `toml:"SupportedTokens"`
	Admins          []string            `toml:"Admins"`
	Accounts        []GenesisAccount    `toml:"accounts"`
	Payments        []GenesisPayment    `toml:"payments"`
	ExtraRoles      map[string][]string `toml:"roles"`
}

// GenesisAccount seeds a FARI balance at genesis. Amounts are decimal
// strings.
type GenesisAccount struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
	Staked  string `toml:"Staked"`
}

// GenesisPayment seeds a payment-token balance at genesis.
type GenesisPayment struct {
	Address string `toml:"Address"`
	Token   string `toml:"Token"`
	Amount  string `toml:"Amount"`
}

// Load reads the configuration at path, creating a default file when none
// exists, and validates it.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8645"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./fariima-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "fariima-local"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if strings.TrimSpace(cfg.RPCAuthTokenEnv) == "" {
		cfg.RPCAuthTokenEnv = "FARIIMA_RPC_TOKEN"
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Genesis: GenesisConfig{
			SupportedTokens: []string{"USDC", "USDT"},
		},
	}
	applyDefaults(cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// AuthToken resolves the RPC bearer token from the configured environment
// variable.
func (c *Config) AuthToken() string {
	return strings.TrimSpace(os.Getenv(c.RPCAuthTokenEnv))
}
