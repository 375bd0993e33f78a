package config

import (
	"fmt"
	"math/big"
	"strings"

	"fariima/core/types"
	"fariima/native/escrow"
)

// Validate rejects configurations that would wire a broken node: malformed
// addresses, out-of-range basis points, unparseable amounts.
func (c *Config) Validate() error {
	if c.Node.SuperAdmin != "" {
		if _, err := types.ParseAddress(c.Node.SuperAdmin); err != nil {
			return fmt.Errorf("config: node.SuperAdmin: %w", err)
		}
	}
	if c.Node.FeeTreasury != "" {
		if _, err := types.ParseAddress(c.Node.FeeTreasury); err != nil {
			return fmt.Errorf("config: node.FeeTreasury: %w", err)
		}
	}
	if c.Node.FeeBps > 10_000 {
		return fmt.Errorf("config: node.FeeBps %d exceeds 100%%", c.Node.FeeBps)
	}
	if c.DAO.QuorumBps > 10_000 {
		return fmt.Errorf("config: dao.QuorumBps %d exceeds 100%%", c.DAO.QuorumBps)
	}
	if c.DAO.PassThresholdBps > 10_000 {
		return fmt.Errorf("config: dao.PassThresholdBps %d exceeds 100%%", c.DAO.PassThresholdBps)
	}
	if c.DAO.TiePolicy != "" {
		if _, err := escrow.ParseOutcome(c.DAO.TiePolicy); err != nil {
			return fmt.Errorf("config: dao.TiePolicy: %w", err)
		}
	}
	if c.DAO.MinProposalStake != "" {
		if _, err := parseAmount(c.DAO.MinProposalStake); err != nil {
			return fmt.Errorf("config: dao.MinProposalStake: %w", err)
		}
	}
	for i, symbol := range c.Genesis.SupportedTokens {
		if _, err := escrow.NormalizeToken(symbol); err != nil {
			return fmt.Errorf("config: genesis.SupportedTokens[%d]: %w", i, err)
		}
	}
	for i, admin := range c.Genesis.Admins {
		if _, err := types.ParseAddress(admin); err != nil {
			return fmt.Errorf("config: genesis.Admins[%d]: %w", i, err)
		}
	}
	for role, members := range c.Genesis.ExtraRoles {
		for i, member := range members {
			if _, err := types.ParseAddress(member); err != nil {
				return fmt.Errorf("config: genesis.roles[%s][%d]: %w", role, i, err)
			}
		}
	}
	for i, account := range c.Genesis.Accounts {
		if _, err := types.ParseAddress(account.Address); err != nil {
			return fmt.Errorf("config: genesis.accounts[%d].Address: %w", i, err)
		}
		for _, amount := range []string{account.Balance, account.Staked} {
			if amount == "" {
				continue
			}
			if _, err := parseAmount(amount); err != nil {
				return fmt.Errorf("config: genesis.accounts[%d]: %w", i, err)
			}
		}
	}
	for i, payment := range c.Genesis.Payments {
		if _, err := types.ParseAddress(payment.Address); err != nil {
			return fmt.Errorf("config: genesis.payments[%d].Address: %w", i, err)
		}
		if _, err := escrow.NormalizeToken(payment.Token); err != nil {
			return fmt.Errorf("config: genesis.payments[%d].Token: %w", i, err)
		}
		if _, err := parseAmount(payment.Amount); err != nil {
			return fmt.Errorf("config: genesis.payments[%d].Amount: %w", i, err)
		}
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

// ParseAmount exposes decimal amount parsing for the wiring layer.
func ParseAmount(raw string) (*big.Int, error) { return parseAmount(raw) }
