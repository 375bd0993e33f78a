package types

import "math/big"

// Account tracks the FARI holdings of a marketplace participant. Balance is
// the freely transferable amount; Staked is locked for juror selection and
// governance voting weight and is excluded from payments.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
	Staked  *big.Int `json:"staked"`
}

// Normalize replaces nil amount fields with zero so callers can do arithmetic
// without nil checks.
func (a *Account) Normalize() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0), Staked: big.NewInt(0)}
	}
	if a.Balance == nil {
		a.Balance = big.NewInt(0)
	}
	if a.Staked == nil {
		a.Staked = big.NewInt(0)
	}
	return a
}

// Clone returns a deep copy so the stored instance cannot be mutated through
// a returned reference.
func (a *Account) Clone() *Account {
	if a == nil {
		return (&Account{}).Normalize()
	}
	clone := &Account{Nonce: a.Nonce}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	if a.Staked != nil {
		clone.Staked = new(big.Int).Set(a.Staked)
	}
	return clone.Normalize()
}
