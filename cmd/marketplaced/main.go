package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"fariima/config"
	"fariima/core"
	"fariima/core/types"
	"fariima/native/dao"
	"fariima/native/escrow"
	"fariima/native/roles"
	"fariima/observability/logging"
	"fariima/rpc"
	"fariima/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var logger *slog.Logger
	if cfg.LogFile != "" {
		logger = logging.SetupFile("marketplaced", cfg.Environment, cfg.LogFile)
	} else {
		logger = logging.Setup("marketplaced", cfg.Environment)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", "error", err, "path", cfg.DataDir)
		os.Exit(1)
	}
	defer db.Close()

	nodeCfg, err := buildNodeConfig(cfg)
	if err != nil {
		logger.Error("invalid node configuration", "error", err)
		os.Exit(1)
	}
	node, err := core.NewNode(db, nodeCfg)
	if err != nil {
		logger.Error("failed to construct node", "error", err)
		os.Exit(1)
	}

	genesis, err := buildGenesis(cfg)
	if err != nil {
		logger.Error("invalid genesis configuration", "error", err)
		os.Exit(1)
	}
	switch err := node.ApplyGenesis(genesis); {
	case err == nil:
		logger.Info("genesis applied", "network", cfg.NetworkName)
	case errors.Is(err, core.ErrGenesisApplied):
		logger.Info("resuming existing database", "network", cfg.NetworkName)
	default:
		logger.Error("failed to apply genesis", "error", err)
		os.Exit(1)
	}

	authToken := cfg.AuthToken()
	if authToken == "" {
		logger.Warn("no RPC auth token configured, mutating methods disabled",
			"env", cfg.RPCAuthTokenEnv)
	}

	server := rpc.NewServer(node, authToken, logger)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", "error", err)
		os.Exit(1)
	}
}

func buildNodeConfig(cfg *config.Config) (core.Config, error) {
	out := core.Config{FeeBps: cfg.Node.FeeBps}
	if cfg.Node.SuperAdmin != "" {
		addr, err := types.ParseAddress(cfg.Node.SuperAdmin)
		if err != nil {
			return core.Config{}, fmt.Errorf("node.SuperAdmin: %w", err)
		}
		out.SuperAdmin = addr
	}
	if cfg.Node.FeeTreasury != "" {
		addr, err := types.ParseAddress(cfg.Node.FeeTreasury)
		if err != nil {
			return core.Config{}, fmt.Errorf("node.FeeTreasury: %w", err)
		}
		out.FeeTreasury = addr
	}
	policy, err := buildDAOPolicy(cfg.DAO)
	if err != nil {
		return core.Config{}, err
	}
	out.DAOPolicy = policy
	return out, nil
}

// buildDAOPolicy translates configured overrides; zero fields keep engine
// defaults.
func buildDAOPolicy(cfg config.DAOConfig) (dao.Policy, error) {
	policy := dao.Policy{
		JurorCount:          cfg.JurorCount,
		VotingWindowSeconds: cfg.VotingWindowSeconds,
		ProposalWindow:      time.Duration(cfg.ProposalWindowHours) * time.Hour,
		QuorumBps:           cfg.QuorumBps,
		PassThresholdBps:    cfg.PassThresholdBps,
	}
	if cfg.TiePolicy != "" {
		outcome, err := escrow.ParseOutcome(cfg.TiePolicy)
		if err != nil {
			return dao.Policy{}, fmt.Errorf("dao.TiePolicy: %w", err)
		}
		policy.TiePolicy = outcome
	}
	if cfg.MinProposalStake != "" {
		stake, err := config.ParseAmount(cfg.MinProposalStake)
		if err != nil {
			return dao.Policy{}, fmt.Errorf("dao.MinProposalStake: %w", err)
		}
		policy.MinProposalStake = stake
	}
	return policy, nil
}

func buildGenesis(cfg *config.Config) (core.Genesis, error) {
	out := core.Genesis{
		SupportedTokens: cfg.Genesis.SupportedTokens,
		Roles:           make(map[string][][20]byte),
	}
	for i, admin := range cfg.Genesis.Admins {
		addr, err := types.ParseAddress(admin)
		if err != nil {
			return core.Genesis{}, fmt.Errorf("genesis.Admins[%d]: %w", i, err)
		}
		out.Roles[roles.RoleAdmin] = append(out.Roles[roles.RoleAdmin], addr)
	}
	for role, members := range cfg.Genesis.ExtraRoles {
		for i, member := range members {
			addr, err := types.ParseAddress(member)
			if err != nil {
				return core.Genesis{}, fmt.Errorf("genesis.roles[%s][%d]: %w", role, i, err)
			}
			out.Roles[role] = append(out.Roles[role], addr)
		}
	}
	for i, account := range cfg.Genesis.Accounts {
		addr, err := types.ParseAddress(account.Address)
		if err != nil {
			return core.Genesis{}, fmt.Errorf("genesis.accounts[%d]: %w", i, err)
		}
		entry := core.GenesisAccount{Address: addr}
		if account.Balance != "" {
			entry.Balance, err = config.ParseAmount(account.Balance)
			if err != nil {
				return core.Genesis{}, fmt.Errorf("genesis.accounts[%d].Balance: %w", i, err)
			}
		}
		if account.Staked != "" {
			entry.Staked, err = config.ParseAmount(account.Staked)
			if err != nil {
				return core.Genesis{}, fmt.Errorf("genesis.accounts[%d].Staked: %w", i, err)
			}
		}
		out.Accounts = append(out.Accounts, entry)
	}
	for i, payment := range cfg.Genesis.Payments {
		addr, err := types.ParseAddress(payment.Address)
		if err != nil {
			return core.Genesis{}, fmt.Errorf("genesis.payments[%d]: %w", i, err)
		}
		amount, err := config.ParseAmount(payment.Amount)
		if err != nil {
			return core.Genesis{}, fmt.Errorf("genesis.payments[%d].Amount: %w", i, err)
		}
		out.Payments = append(out.Payments, core.GenesisPayment{
			Address: addr,
			Token:   payment.Token,
			Amount:  amount,
		})
	}
	return out, nil
}
