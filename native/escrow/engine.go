package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"fariima/core/events"
	"fariima/core/types"
	"fariima/native/roles"
)

// Error taxonomy surfaced verbatim to callers. Every failure aborts the whole
// operation; no funds move and no state advances on error.
var (
	ErrInvalidState     = errors.New("escrow: operation not valid for current state")
	ErrUnsupportedToken = errors.New("escrow: token not in supported set")
	ErrInvalidAmount    = errors.New("escrow: amount must be positive")
	ErrTransferFailed   = errors.New("escrow: token transfer failed")
	ErrNotFound         = errors.New("escrow: project not found")

	errNilState      = errors.New("escrow: state not configured")
	errNilTreasury   = errors.New("escrow: fee treasury not configured")
	errNilArbitrator = errors.New("escrow: arbitrator not configured")
	errOutcomesDiffer = errors.New("escrow: outcome does not match dispute record")
)

// DefaultFeeBps is the platform fee applied on release: 5%.
const DefaultFeeBps uint32 = 500

type engineState interface {
	EscrowPut(p *Project) error
	EscrowGet(id [32]byte) (*Project, bool, error)
	EscrowCredit(id [32]byte, token string, amount *big.Int) error
	EscrowDebit(id [32]byte, token string, amount *big.Int) error
	EscrowBalance(id [32]byte, token string) (*big.Int, error)
	EscrowVaultAddress(token string) ([20]byte, error)
	TokenSupported(symbol string) (bool, error)
	TokenSetSupported(symbol string, supported bool) error
	PaymentBalance(addr [20]byte, symbol string) (*big.Int, error)
	SetPaymentBalance(addr [20]byte, symbol string, amount *big.Int) error
}

type roleView interface {
	Has(role string, addr [20]byte) bool
}

// Arbitrator is the capability the DAO engine hands to escrow so a disputed
// project can open an arbitration case. The returned dispute id is stored on
// the project record.
type Arbitrator interface {
	OpenDispute(projectID [32]byte, claimant [20]byte) (uint64, error)
}

// CertificateMinter is the capability used to mint the proof-of-work
// certificate when a project completes in the freelancer's favour.
type CertificateMinter interface {
	MintCertificate(projectID [32]byte, owner [20]byte) error
}

// Engine holds per-project funds in custody, tracks approval state, computes
// and routes the platform fee and, on dispute, defers final disposition to the
// DAO via the Arbitrator capability.
type Engine struct {
	state       engineState
	roles       roleView
	arbitrator  Arbitrator
	certifier   CertificateMinter
	emitter     events.Emitter
	feeTreasury [20]byte
	feeBps      uint32
	nowFn       func() int64
}

// NewEngine creates an escrow engine with the default fee rate and a no-op
// emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		feeBps:  DefaultFeeBps,
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRoles wires the access-control registry.
func (e *Engine) SetRoles(view roleView) { e.roles = view }

// SetArbitrator wires the DAO arbitration capability.
func (e *Engine) SetArbitrator(a Arbitrator) { e.arbitrator = a }

// SetCertifier wires the proof-of-work certificate minting capability.
func (e *Engine) SetCertifier(c CertificateMinter) { e.certifier = c }

// SetFeeTreasury configures the DAO treasury address receiving platform fees.
func (e *Engine) SetFeeTreasury(addr [20]byte) { e.feeTreasury = addr }

// SetFeeBps overrides the platform fee rate. Values above 100% are clamped to
// the default.
func (e *Engine) SetFeeBps(bps uint32) {
	if bps > 10_000 {
		bps = DefaultFeeBps
	}
	e.feeBps = bps
}

// SetNowFunc overrides the time source. Primarily for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter. Nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: evt})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// ProjectID derives the deterministic escrow identifier.
func ProjectID(client, freelancer [20]byte, nonce [32]byte) [32]byte {
	return ethcrypto.Keccak256Hash(client[:], freelancer[:], nonce[:])
}

func (e *Engine) loadProject(id [32]byte) (*Project, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	project, ok, err := e.state.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return project, nil
}

// transferPayment moves amount of the payment token between accounts. A
// balance shortfall fails the whole operation with ErrTransferFailed; callers
// running inside a state overlay therefore leave no partial movement behind.
func (e *Engine) transferPayment(from, to [20]byte, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	fromBalance, err := e.state.PaymentBalance(from, token)
	if err != nil {
		return err
	}
	if fromBalance == nil {
		fromBalance = big.NewInt(0)
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: insufficient %s balance", ErrTransferFailed, token)
	}
	toBalance, err := e.state.PaymentBalance(to, token)
	if err != nil {
		return err
	}
	if toBalance == nil {
		toBalance = big.NewInt(0)
	}
	if err := e.state.SetPaymentBalance(from, token, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return e.state.SetPaymentBalance(to, token, new(big.Int).Add(toBalance, amount))
}

// fee computes the platform cut with integer arithmetic, rounding down.
// feeBps < 100% guarantees amount-fee never underflows.
func (e *Engine) fee(amount *big.Int) *big.Int {
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(e.feeBps)))
	return fee.Div(fee, big.NewInt(10_000))
}

// Create registers a new escrow record in Created state. The payment token
// must already be in the supported set and the amount positive; funds do not
// move until Fund.
func (e *Engine) Create(client, freelancer [20]byte, token string, amount *big.Int, nonce [32]byte) (*Project, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	supported, err := e.state.TokenSupported(normalized)
	if err != nil {
		return nil, err
	}
	if !supported {
		return nil, ErrUnsupportedToken
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	id := ProjectID(client, freelancer, nonce)
	if existing, ok, err := e.state.EscrowGet(id); err != nil {
		return nil, err
	} else if ok {
		// Idempotent creation: an identical definition returns the
		// stored record, a conflicting one is rejected.
		if existing.Client != client || existing.Freelancer != freelancer ||
			existing.Token != normalized || existing.Amount.Cmp(amount) != 0 {
			return nil, fmt.Errorf("escrow: id %x already exists with different definition", id)
		}
		return existing, nil
	}
	project := &Project{
		ID:         id,
		Client:     client,
		Freelancer: freelancer,
		Token:      normalized,
		Amount:     new(big.Int).Set(amount),
		FeeBps:     e.feeBps,
		Status:     StatusCreated,
		CreatedAt:  e.now(),
	}
	if err := e.state.EscrowPut(project); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(project))
	return project.Clone(), nil
}

// Fund locks the project amount into the escrow vault. Client only; the token
// must still be in the supported set at funding time. A transfer failure
// leaves the record in Created with no custody change.
func (e *Engine) Fund(id [32]byte, caller [20]byte) error {
	project, err := e.loadProject(id)
	if err != nil {
		return err
	}
	if project.Status != StatusCreated {
		return ErrInvalidState
	}
	if caller != project.Client {
		return roles.ErrUnauthorized
	}
	supported, err := e.state.TokenSupported(project.Token)
	if err != nil {
		return err
	}
	if !supported {
		return ErrUnsupportedToken
	}
	if project.Amount == nil || project.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	vault, err := e.state.EscrowVaultAddress(project.Token)
	if err != nil {
		return err
	}
	if err := e.transferPayment(project.Client, vault, project.Token, project.Amount); err != nil {
		return err
	}
	if err := e.state.EscrowCredit(id, project.Token, project.Amount); err != nil {
		return err
	}
	project.Status = StatusFunded
	if err := e.state.EscrowPut(project); err != nil {
		return err
	}
	e.emit(NewFundedEvent(project))
	return nil
}

// MarkDelivered records the freelancer's delivery signal. Freelancer only,
// Funded state only.
func (e *Engine) MarkDelivered(id [32]byte, caller [20]byte) error {
	project, err := e.loadProject(id)
	if err != nil {
		return err
	}
	if project.Status != StatusFunded {
		return ErrInvalidState
	}
	if caller != project.Freelancer {
		return roles.ErrUnauthorized
	}
	project.Status = StatusDelivered
	project.DeliveredAt = e.now()
	if err := e.state.EscrowPut(project); err != nil {
		return err
	}
	e.emit(NewDeliveredEvent(project))
	return nil
}

// Approve releases the escrow on the normal path: the client accepts the
// delivery, the freelancer receives amount minus the platform fee, the DAO
// treasury receives the fee, and the proof-of-work certificate is minted. A
// second call fails with ErrInvalidState and moves nothing.
func (e *Engine) Approve(id [32]byte, caller [20]byte) error {
	project, err := e.loadProject(id)
	if err != nil {
		return err
	}
	if project.Status != StatusDelivered {
		return ErrInvalidState
	}
	if caller != project.Client {
		return roles.ErrUnauthorized
	}
	if err := e.settle(project, project.Freelancer, StatusReleased); err != nil {
		return err
	}
	if err := e.mintCertificate(project); err != nil {
		return err
	}
	e.emit(NewReleasedEvent(project, e.fee(project.Amount)))
	return nil
}

// RaiseDispute transfers control to the DAO. Either party may raise it, but
// only after delivery; there is nothing to dispute before then.
func (e *Engine) RaiseDispute(id [32]byte, caller [20]byte) (uint64, error) {
	project, err := e.loadProject(id)
	if err != nil {
		return 0, err
	}
	if project.Status != StatusDelivered {
		return 0, ErrInvalidState
	}
	if caller != project.Client && caller != project.Freelancer {
		return 0, roles.ErrUnauthorized
	}
	if e.arbitrator == nil {
		return 0, errNilArbitrator
	}
	disputeID, err := e.arbitrator.OpenDispute(id, caller)
	if err != nil {
		return 0, err
	}
	project.Status = StatusDisputed
	project.DisputeID = disputeID
	if err := e.state.EscrowPut(project); err != nil {
		return 0, err
	}
	e.emit(NewDisputedEvent(project, caller))
	return disputeID, nil
}

// Resolve executes the DAO's decision on a disputed project. ROLE_DAO callers
// only. The winner receives amount minus the platform fee, the treasury
// receives the fee; the split is deterministic and sums to the escrowed
// amount. The certificate is minted only when the freelancer prevails.
func (e *Engine) Resolve(id [32]byte, caller [20]byte, outcome Outcome) error {
	project, err := e.loadProject(id)
	if err != nil {
		return err
	}
	if project.Status != StatusDisputed {
		return ErrInvalidState
	}
	if e.roles == nil || !e.roles.Has(roles.RoleDAO, caller) {
		return roles.ErrUnauthorized
	}
	if !outcome.Valid() {
		return errOutcomesDiffer
	}
	winner := project.Client
	if outcome == OutcomeFreelancerWins {
		winner = project.Freelancer
	}
	if err := e.settle(project, winner, StatusResolved); err != nil {
		return err
	}
	if outcome == OutcomeFreelancerWins {
		if err := e.mintCertificate(project); err != nil {
			return err
		}
	}
	e.emit(NewResolvedEvent(project, outcome, e.fee(project.Amount)))
	return nil
}

// settle pays out the full escrowed amount (winner gets amount-fee, treasury
// gets fee), debits the vault and moves the record into the terminal status.
func (e *Engine) settle(project *Project, winner [20]byte, terminal Status) error {
	if e.feeTreasury == ([20]byte{}) {
		return errNilTreasury
	}
	vault, err := e.state.EscrowVaultAddress(project.Token)
	if err != nil {
		return err
	}
	total := new(big.Int).Set(project.Amount)
	if total.Sign() <= 0 {
		return ErrInvalidAmount
	}
	held, err := e.state.EscrowBalance(project.ID, project.Token)
	if err != nil {
		return err
	}
	if held == nil || held.Cmp(total) < 0 {
		return fmt.Errorf("%w: vault balance below escrowed amount", ErrTransferFailed)
	}
	fee := e.fee(total)
	payout := new(big.Int).Sub(total, fee)
	if payout.Sign() > 0 {
		if err := e.transferPayment(vault, winner, project.Token, payout); err != nil {
			return err
		}
	}
	if fee.Sign() > 0 {
		if err := e.transferPayment(vault, e.feeTreasury, project.Token, fee); err != nil {
			return err
		}
	}
	if err := e.state.EscrowDebit(project.ID, project.Token, total); err != nil {
		return err
	}
	project.Status = terminal
	return e.state.EscrowPut(project)
}

func (e *Engine) mintCertificate(project *Project) error {
	if e.certifier == nil {
		return nil
	}
	return e.certifier.MintCertificate(project.ID, project.Freelancer)
}

// Get returns a copy of the stored project record.
func (e *Engine) Get(id [32]byte) (*Project, error) {
	project, err := e.loadProject(id)
	if err != nil {
		return nil, err
	}
	return project.Clone(), nil
}

// AddSupportedToken registers a payment token. Admin only; existing escrows
// are unaffected.
func (e *Engine) AddSupportedToken(caller [20]byte, symbol string) error {
	return e.setSupportedToken(caller, symbol, true)
}

// RemoveSupportedToken withdraws a payment token from the supported set.
// Admin only; in-flight escrows funded in the token still settle.
func (e *Engine) RemoveSupportedToken(caller [20]byte, symbol string) error {
	return e.setSupportedToken(caller, symbol, false)
}

func (e *Engine) setSupportedToken(caller [20]byte, symbol string, supported bool) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	normalized, err := NormalizeToken(symbol)
	if err != nil {
		return err
	}
	if e.roles == nil || !e.roles.Has(roles.RoleAdmin, caller) {
		return roles.ErrUnauthorized
	}
	return e.state.TokenSetSupported(normalized, supported)
}
