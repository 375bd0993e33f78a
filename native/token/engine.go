package token

import (
	"encoding/hex"
	"errors"
	"math/big"

	"fariima/core/events"
	"fariima/core/types"
	"fariima/native/roles"
)

// Symbol is the ticker of the native governance token.
const Symbol = "FARI"

const (
	EventTypeMinted      = "token.minted"
	EventTypeBurned      = "token.burned"
	EventTypeTransferred = "token.transferred"
	EventTypeStaked      = "token.staked"
	EventTypeUnstaked    = "token.unstaked"
)

var (
	// ErrInvalidAmount rejects zero or negative amounts before any balance
	// is touched.
	ErrInvalidAmount = errors.New("token: invalid amount")
	// ErrInsufficientBalance is returned when the source account cannot
	// cover the movement.
	ErrInsufficientBalance = errors.New("token: insufficient balance")

	errNilState = errors.New("token: state not configured")
)

type engineState interface {
	GetAccount(addr [20]byte) (*types.Account, error)
	PutAccount(addr [20]byte, account *types.Account) error
	TokenSupply() (*big.Int, error)
	SetTokenSupply(supply *big.Int) error
}

type roleView interface {
	Has(role string, addr [20]byte) bool
}

// Engine is the FARI balance ledger. Balances double as fee currency and, via
// the staked bucket, as juror-selection and governance voting weight.
type Engine struct {
	state   engineState
	roles   roleView
	emitter events.Emitter
}

// NewEngine creates a token engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRoles wires the access-control registry consulted for mint authority.
func (e *Engine) SetRoles(view roleView) { e.roles = view }

// SetEmitter configures the event emitter. Nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

type tokenEvent struct {
	evt *types.Event
}

func (t tokenEvent) EventType() string {
	if t.evt == nil {
		return ""
	}
	return t.evt.Type
}

func (t tokenEvent) Event() *types.Event { return t.evt }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(tokenEvent{evt: evt})
}

func validAmount(amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(amount), nil
}

func (e *Engine) loadAccount(addr [20]byte) (*types.Account, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	account, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return account.Normalize(), nil
}

// Mint credits amount to the recipient. Restricted to ROLE_MINTER holders.
func (e *Engine) Mint(caller, to [20]byte, amount *big.Int) error {
	amt, err := validAmount(amount)
	if err != nil {
		return err
	}
	if e.roles == nil || !e.roles.Has(roles.RoleMinter, caller) {
		return roles.ErrUnauthorized
	}
	account, err := e.loadAccount(to)
	if err != nil {
		return err
	}
	account.Balance = new(big.Int).Add(account.Balance, amt)
	if err := e.state.PutAccount(to, account); err != nil {
		return err
	}
	supply, err := e.state.TokenSupply()
	if err != nil {
		return err
	}
	if supply == nil {
		supply = big.NewInt(0)
	}
	if err := e.state.SetTokenSupply(new(big.Int).Add(supply, amt)); err != nil {
		return err
	}
	e.emit(newTokenEvent(EventTypeMinted, caller, to, amt))
	return nil
}

// Burn destroys amount from the caller's own balance and shrinks supply.
func (e *Engine) Burn(caller [20]byte, amount *big.Int) error {
	amt, err := validAmount(amount)
	if err != nil {
		return err
	}
	account, err := e.loadAccount(caller)
	if err != nil {
		return err
	}
	if account.Balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	account.Balance = new(big.Int).Sub(account.Balance, amt)
	if err := e.state.PutAccount(caller, account); err != nil {
		return err
	}
	supply, err := e.state.TokenSupply()
	if err != nil {
		return err
	}
	if supply == nil || supply.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	if err := e.state.SetTokenSupply(new(big.Int).Sub(supply, amt)); err != nil {
		return err
	}
	e.emit(newTokenEvent(EventTypeBurned, caller, caller, amt))
	return nil
}

// Transfer moves amount from the caller to the recipient.
func (e *Engine) Transfer(caller, to [20]byte, amount *big.Int) error {
	amt, err := validAmount(amount)
	if err != nil {
		return err
	}
	from, err := e.loadAccount(caller)
	if err != nil {
		return err
	}
	if from.Balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	if caller == to {
		return nil
	}
	recipient, err := e.loadAccount(to)
	if err != nil {
		return err
	}
	from.Balance = new(big.Int).Sub(from.Balance, amt)
	recipient.Balance = new(big.Int).Add(recipient.Balance, amt)
	if err := e.state.PutAccount(caller, from); err != nil {
		return err
	}
	if err := e.state.PutAccount(to, recipient); err != nil {
		return err
	}
	e.emit(newTokenEvent(EventTypeTransferred, caller, to, amt))
	return nil
}

// Stake locks amount of the caller's balance into the staked bucket.
func (e *Engine) Stake(caller [20]byte, amount *big.Int) error {
	amt, err := validAmount(amount)
	if err != nil {
		return err
	}
	account, err := e.loadAccount(caller)
	if err != nil {
		return err
	}
	if account.Balance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	account.Balance = new(big.Int).Sub(account.Balance, amt)
	account.Staked = new(big.Int).Add(account.Staked, amt)
	if err := e.state.PutAccount(caller, account); err != nil {
		return err
	}
	e.emit(newTokenEvent(EventTypeStaked, caller, caller, amt))
	return nil
}

// Unstake releases amount of staked weight back into the liquid balance.
func (e *Engine) Unstake(caller [20]byte, amount *big.Int) error {
	amt, err := validAmount(amount)
	if err != nil {
		return err
	}
	account, err := e.loadAccount(caller)
	if err != nil {
		return err
	}
	if account.Staked.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	account.Staked = new(big.Int).Sub(account.Staked, amt)
	account.Balance = new(big.Int).Add(account.Balance, amt)
	if err := e.state.PutAccount(caller, account); err != nil {
		return err
	}
	e.emit(newTokenEvent(EventTypeUnstaked, caller, caller, amt))
	return nil
}

// BalanceOf returns the liquid balance of addr.
func (e *Engine) BalanceOf(addr [20]byte) (*big.Int, error) {
	account, err := e.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	return account.Balance, nil
}

// StakedOf returns the staked weight of addr.
func (e *Engine) StakedOf(addr [20]byte) (*big.Int, error) {
	account, err := e.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	return account.Staked, nil
}

// Supply returns the total minted supply.
func (e *Engine) Supply() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	supply, err := e.state.TokenSupply()
	if err != nil {
		return nil, err
	}
	if supply == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(supply), nil
}

func newTokenEvent(eventType string, from, to [20]byte, amount *big.Int) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"token":  Symbol,
			"from":   hex.EncodeToString(from[:]),
			"to":     hex.EncodeToString(to[:]),
			"amount": amount.String(),
		},
	}
}
