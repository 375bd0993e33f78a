package core

import (
	"errors"
	"math/big"

	"fariima/core/state"
	"fariima/core/types"
	"fariima/native/escrow"
	"fariima/native/roles"
)

// ErrGenesisApplied is returned when genesis initialization runs against a
// database that was already initialized.
var ErrGenesisApplied = errors.New("core: genesis already applied")

// GenesisAccount seeds a FARI account.
type GenesisAccount struct {
	Address [20]byte
	Balance *big.Int
	Staked  *big.Int
}

// GenesisPayment seeds a payment-token balance, standing in for bridged
// deposits at launch.
type GenesisPayment struct {
	Address [20]byte
	Token   string
	Amount  *big.Int
}

// Genesis describes the initial marketplace state: the accepted payment
// tokens, role grants beyond the built-in module grants, and seeded balances.
type Genesis struct {
	SupportedTokens []string
	Roles           map[string][][20]byte
	Accounts        []GenesisAccount
	Payments        []GenesisPayment
}

// ApplyGenesis initializes a fresh database: module accounts get their
// standing grants (the DAO module holds ROLE_DAO on escrow settlement, the
// escrow module holds ROLE_MINTER on the certificate issuer), the supported
// token set and seeded balances are written, and the database is marked so a
// second run refuses. The whole of genesis commits atomically.
func (n *Node) ApplyGenesis(g Genesis) error {
	return n.execute(func(_ *engineSet, m *state.Manager) error {
		if _, applied, err := m.ParamGet("genesis.applied"); err != nil {
			return err
		} else if applied {
			return ErrGenesisApplied
		}

		if err := m.RoleSet(roles.RoleDAO, state.ModuleAddress(ModuleDAO)); err != nil {
			return err
		}
		if err := m.RoleSet(roles.RoleMinter, state.ModuleAddress(ModuleEscrow)); err != nil {
			return err
		}
		for role, members := range g.Roles {
			for _, member := range members {
				if err := m.RoleSet(role, member); err != nil {
					return err
				}
			}
		}

		for _, symbol := range g.SupportedTokens {
			normalized, err := escrow.NormalizeToken(symbol)
			if err != nil {
				return err
			}
			if err := m.TokenSetSupported(normalized, true); err != nil {
				return err
			}
		}

		supply := big.NewInt(0)
		for _, account := range g.Accounts {
			seeded := (&types.Account{Balance: account.Balance, Staked: account.Staked}).Normalize()
			if err := m.PutAccount(account.Address, seeded); err != nil {
				return err
			}
			supply.Add(supply, seeded.Balance)
			supply.Add(supply, seeded.Staked)
		}
		if supply.Sign() > 0 {
			if err := m.SetTokenSupply(supply); err != nil {
				return err
			}
		}

		for _, payment := range g.Payments {
			normalized, err := escrow.NormalizeToken(payment.Token)
			if err != nil {
				return err
			}
			if payment.Amount == nil || payment.Amount.Sign() < 0 {
				return escrow.ErrInvalidAmount
			}
			balance, err := m.PaymentBalance(payment.Address, normalized)
			if err != nil {
				return err
			}
			if err := m.SetPaymentBalance(payment.Address, normalized, new(big.Int).Add(balance, payment.Amount)); err != nil {
				return err
			}
		}

		return m.ParamSet("genesis.applied", "1")
	})
}
