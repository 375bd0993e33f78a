package core

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"fariima/core/events"
	"fariima/core/state"
	"fariima/core/types"
	"fariima/native/certificate"
	"fariima/native/dao"
	"fariima/native/escrow"
	"fariima/native/roles"
	"fariima/native/token"
	"fariima/observability"
	"fariima/storage"
)

// Module account names. Their addresses are derived, never keyed.
const (
	ModuleDAO         = "dao"
	ModuleEscrow      = "escrow"
	ModuleDAOTreasury = "dao/treasury"
)

// Config carries the node-level wiring knobs.
type Config struct {
	SuperAdmin  [20]byte
	FeeTreasury [20]byte
	FeeBps      uint32
	DAOPolicy   dao.Policy
}

// Node owns the database and runs every marketplace operation as a unit: each
// call executes against a storage overlay and commits only when the whole
// operation succeeded, so a failure can never leave funds half-moved. Events
// emitted during the operation are appended to the sequenced log inside the
// same commit.
type Node struct {
	db      storage.Database
	cfg     Config
	stateMu sync.Mutex
	seed    [32]byte

	subMu       sync.Mutex
	subscribers map[uint64]chan state.EventRecord
	nextSubID   uint64

	nowFn func() time.Time
}

// NewNode wires a node over the given database. Zero-valued config fields get
// working defaults: the DAO treasury module account receives fees and the DAO
// policy falls back to launch parameters.
func NewNode(db storage.Database, cfg Config) (*Node, error) {
	if db == nil {
		return nil, errors.New("core: nil database")
	}
	if cfg.FeeTreasury == ([20]byte{}) {
		cfg.FeeTreasury = state.ModuleAddress(ModuleDAOTreasury)
	}
	if cfg.FeeBps == 0 {
		cfg.FeeBps = escrow.DefaultFeeBps
	}
	n := &Node{
		db:          db,
		cfg:         cfg,
		subscribers: make(map[uint64]chan state.EventRecord),
		nowFn:       time.Now,
	}
	if _, err := rand.Read(n.seed[:]); err != nil {
		return nil, fmt.Errorf("core: seed entropy: %w", err)
	}
	return n, nil
}

// SetNowFunc overrides the time source. Primarily for tests.
func (n *Node) SetNowFunc(now func() time.Time) {
	if now == nil {
		n.nowFn = time.Now
		return
	}
	n.nowFn = now
}

// SetSeed pins the juror-selection entropy. Primarily for tests; production
// nodes keep the random seed from construction, rotated on every use.
func (n *Node) SetSeed(seed [32]byte) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.seed = seed
}

// nextSeed rotates the node entropy and returns the fresh value. Called with
// stateMu held.
func (n *Node) nextSeed() [32]byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(n.nowFn().UnixNano()))
	n.seed = ethcrypto.Keccak256Hash(n.seed[:], ts[:])
	return n.seed
}

// bufferEmitter collects events during an operation so they can be appended
// to the log only when the operation commits.
type bufferEmitter struct {
	events []*types.Event
}

func (b *bufferEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	if payload := evt.Event(); payload != nil {
		b.events = append(b.events, payload)
	}
}

// engineSet is the fully wired set of settlement engines over one state
// manager. A fresh set is assembled per operation so every engine writes
// through the same overlay.
type engineSet struct {
	roles  *roles.Registry
	token  *token.Engine
	cert   *certificate.Issuer
	escrow *escrow.Engine
	dao    *dao.Engine
}

type escrowResolver struct {
	engine *escrow.Engine
	caller [20]byte
}

func (r escrowResolver) Resolve(projectID [32]byte, outcome escrow.Outcome) error {
	return r.engine.Resolve(projectID, r.caller, outcome)
}

type escrowCertifier struct {
	issuer *certificate.Issuer
	caller [20]byte
}

func (c escrowCertifier) MintCertificate(projectID [32]byte, owner [20]byte) error {
	uri := fmt.Sprintf("fariima://certificates/%x", projectID)
	_, err := c.issuer.Mint(c.caller, projectID, owner, uri)
	return err
}

func (n *Node) wireEngines(m *state.Manager, emitter events.Emitter) *engineSet {
	set := &engineSet{
		roles:  roles.NewRegistry(),
		token:  token.NewEngine(),
		cert:   certificate.NewIssuer(),
		escrow: escrow.NewEngine(),
		dao:    dao.NewEngine(),
	}
	now := n.nowFn()

	set.roles.SetState(m)
	set.roles.SetSuperAdmin(n.cfg.SuperAdmin)
	set.roles.SetEmitter(emitter)

	set.token.SetState(m)
	set.token.SetRoles(set.roles)
	set.token.SetEmitter(emitter)

	set.cert.SetState(m)
	set.cert.SetRoles(set.roles)
	set.cert.SetEmitter(emitter)
	set.cert.SetNowFunc(func() int64 { return now.Unix() })

	set.escrow.SetState(m)
	set.escrow.SetRoles(set.roles)
	set.escrow.SetEmitter(emitter)
	set.escrow.SetNowFunc(func() int64 { return now.Unix() })
	set.escrow.SetFeeTreasury(n.cfg.FeeTreasury)
	set.escrow.SetFeeBps(n.paramFeeBps(m))
	set.escrow.SetArbitrator(set.dao)
	set.escrow.SetCertifier(escrowCertifier{issuer: set.cert, caller: state.ModuleAddress(ModuleEscrow)})

	set.dao.SetState(m)
	set.dao.SetEmitter(emitter)
	set.dao.SetNowFunc(func() time.Time { return now })
	set.dao.SetSeedFunc(n.nextSeed)
	set.dao.SetPolicy(n.paramPolicy(m))
	set.dao.SetResolver(escrowResolver{engine: set.escrow, caller: state.ModuleAddress(ModuleDAO)})

	return set
}

// paramFeeBps resolves the effective fee rate, preferring a value set through
// governance over the static config.
func (n *Node) paramFeeBps(m *state.Manager) uint32 {
	if raw, ok, err := m.ParamGet("escrow.feeBps"); err == nil && ok {
		if bps, err := strconv.ParseUint(raw, 10, 32); err == nil && bps <= 10_000 {
			return uint32(bps)
		}
	}
	return n.cfg.FeeBps
}

// paramPolicy overlays governance-set parameters onto the configured DAO
// policy.
func (n *Node) paramPolicy(m *state.Manager) dao.Policy {
	policy := n.cfg.DAOPolicy
	if raw, ok, err := m.ParamGet("dao.jurorCount"); err == nil && ok {
		if count, err := strconv.Atoi(raw); err == nil && count > 0 {
			policy.JurorCount = count
		}
	}
	if raw, ok, err := m.ParamGet("dao.votingWindowSeconds"); err == nil && ok {
		if window, err := strconv.ParseInt(raw, 10, 64); err == nil && window > 0 {
			policy.VotingWindowSeconds = window
		}
	}
	if raw, ok, err := m.ParamGet("dao.quorumBps"); err == nil && ok {
		if bps, err := strconv.ParseUint(raw, 10, 64); err == nil && bps > 0 && bps <= 10_000 {
			policy.QuorumBps = bps
		}
	}
	if raw, ok, err := m.ParamGet("dao.passThresholdBps"); err == nil && ok {
		if bps, err := strconv.ParseUint(raw, 10, 64); err == nil && bps > 0 && bps <= 10_000 {
			policy.PassThresholdBps = bps
		}
	}
	return policy
}

// execute runs fn against an overlay-backed engine set and commits the
// overlay, the emitted events included, only if fn returns nil.
func (n *Node) execute(fn func(set *engineSet, m *state.Manager) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	overlay := storage.NewOverlay(n.db)
	manager := state.NewManager(overlay)
	buffer := &bufferEmitter{}
	set := n.wireEngines(manager, buffer)

	if err := fn(set, manager); err != nil {
		_ = overlay.Close()
		return err
	}

	now := n.nowFn().Unix()
	records := make([]state.EventRecord, 0, len(buffer.events))
	for _, evt := range buffer.events {
		seq, err := manager.AppendEvent(evt, now)
		if err != nil {
			_ = overlay.Close()
			return err
		}
		records = append(records, state.EventRecord{
			Seq:        seq,
			Timestamp:  now,
			Type:       evt.Type,
			Attributes: evt.Attributes,
		})
	}
	if err := overlay.Commit(); err != nil {
		return err
	}
	for _, record := range records {
		observability.SettlementMetrics().RecordEvent(record.Type)
	}
	n.publish(records)
	return nil
}

// run executes one named marketplace operation and records its outcome.
func (n *Node) run(operation string, fn func(set *engineSet, m *state.Manager) error) error {
	err := n.execute(fn)
	observability.SettlementMetrics().RecordOperation(operation, err)
	return err
}

// view runs fn against the committed state without staging writes.
func (n *Node) view(fn func(set *engineSet, m *state.Manager) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	manager := state.NewManager(n.db)
	return fn(n.wireEngines(manager, events.NoopEmitter{}), manager)
}

// Subscribe registers a live event feed. Slow consumers drop events rather
// than stall settlement; catch-up reads go through Events.
func (n *Node) Subscribe(buffer int) (<-chan state.EventRecord, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan state.EventRecord, buffer)
	n.subMu.Lock()
	n.nextSubID++
	id := n.nextSubID
	n.subscribers[id] = ch
	n.subMu.Unlock()

	cancel := func() {
		n.subMu.Lock()
		if existing, ok := n.subscribers[id]; ok {
			delete(n.subscribers, id)
			close(existing)
		}
		n.subMu.Unlock()
	}
	return ch, cancel
}

func (n *Node) publish(records []state.EventRecord) {
	if len(records) == 0 {
		return
	}
	n.subMu.Lock()
	defer n.subMu.Unlock()
	for _, ch := range n.subscribers {
		for _, record := range records {
			select {
			case ch <- record:
			default:
			}
		}
	}
}

// Events returns stored events with sequence numbers greater than after.
func (n *Node) Events(after uint64, limit int) ([]state.EventRecord, error) {
	var records []state.EventRecord
	err := n.view(func(_ *engineSet, m *state.Manager) error {
		var err error
		records, err = m.Events(after, limit)
		return err
	})
	return records, err
}

// LatestEventSeq returns the newest stored event sequence number.
func (n *Node) LatestEventSeq() (uint64, error) {
	var seq uint64
	err := n.view(func(_ *engineSet, m *state.Manager) error {
		var err error
		seq, err = m.LatestEventSeq()
		return err
	})
	return seq, err
}

// GrantRole assigns a role. Caller must hold ROLE_ADMIN or be the configured
// super admin.
func (n *Node) GrantRole(caller [20]byte, role string, addr [20]byte) error {
	return n.run("grant_role", func(set *engineSet, _ *state.Manager) error {
		return set.roles.Grant(caller, role, addr)
	})
}

// RevokeRole removes a role under the same authority rules as GrantRole.
func (n *Node) RevokeRole(caller [20]byte, role string, addr [20]byte) error {
	return n.run("revoke_role", func(set *engineSet, _ *state.Manager) error {
		return set.roles.Revoke(caller, role, addr)
	})
}

// HasRole reports whether addr currently holds the role.
func (n *Node) HasRole(role string, addr [20]byte) bool {
	var has bool
	_ = n.view(func(set *engineSet, _ *state.Manager) error {
		has = set.roles.Has(role, addr)
		return nil
	})
	return has
}

// RoleMembers lists the accounts holding the role.
func (n *Node) RoleMembers(role string) ([][20]byte, error) {
	var members [][20]byte
	err := n.view(func(set *engineSet, _ *state.Manager) error {
		var err error
		members, err = set.roles.Members(role)
		return err
	})
	return members, err
}

// MintToken credits FARI to the recipient. ROLE_MINTER only.
func (n *Node) MintToken(caller, to [20]byte, amount *big.Int) error {
	return n.run("mint_token", func(set *engineSet, _ *state.Manager) error {
		return set.token.Mint(caller, to, amount)
	})
}

// BurnToken destroys FARI from the caller's balance.
func (n *Node) BurnToken(caller [20]byte, amount *big.Int) error {
	return n.run("burn_token", func(set *engineSet, _ *state.Manager) error {
		return set.token.Burn(caller, amount)
	})
}

// TransferToken moves FARI between accounts.
func (n *Node) TransferToken(caller, to [20]byte, amount *big.Int) error {
	return n.run("transfer_token", func(set *engineSet, _ *state.Manager) error {
		return set.token.Transfer(caller, to, amount)
	})
}

// Stake locks FARI into the caller's staked bucket, making the caller a juror
// candidate and governance voter.
func (n *Node) Stake(caller [20]byte, amount *big.Int) error {
	return n.run("stake", func(set *engineSet, _ *state.Manager) error {
		return set.token.Stake(caller, amount)
	})
}

// Unstake releases staked FARI back to the liquid balance.
func (n *Node) Unstake(caller [20]byte, amount *big.Int) error {
	return n.run("unstake", func(set *engineSet, _ *state.Manager) error {
		return set.token.Unstake(caller, amount)
	})
}

// TokenBalance returns the liquid FARI balance of addr.
func (n *Node) TokenBalance(addr [20]byte) (*big.Int, error) {
	var balance *big.Int
	err := n.view(func(set *engineSet, _ *state.Manager) error {
		var err error
		balance, err = set.token.BalanceOf(addr)
		return err
	})
	return balance, err
}

// TokenStaked returns the staked FARI weight of addr.
func (n *Node) TokenStaked(addr [20]byte) (*big.Int, error) {
	var staked *big.Int
	err := n.view(func(set *engineSet, _ *state.Manager) error {
		var err error
		staked, err = set.token.StakedOf(addr)
		return err
	})
	return staked, err
}

// TokenSupply returns the total minted FARI supply.
func (n *Node) TokenSupply() (*big.Int, error) {
	var supply *big.Int
	err := n.view(func(set *engineSet, _ *state.Manager) error {
		var err error
		supply, err = set.token.Supply()
		return err
	})
	return supply, err
}

// CreditPayment tops up a payment-token balance, the on-ramp used by genesis
// wiring and deposit processing. ROLE_ADMIN only.
func (n *Node) CreditPayment(caller, to [20]byte, symbol string, amount *big.Int) error {
	return n.run("credit_payment", func(set *engineSet, m *state.Manager) error {
		if !set.roles.Has(roles.RoleAdmin, caller) && caller != n.cfg.SuperAdmin {
			return roles.ErrUnauthorized
		}
		normalized, err := escrow.NormalizeToken(symbol)
		if err != nil {
			return err
		}
		if amount == nil || amount.Sign() <= 0 {
			return escrow.ErrInvalidAmount
		}
		balance, err := m.PaymentBalance(to, normalized)
		if err != nil {
			return err
		}
		return m.SetPaymentBalance(to, normalized, new(big.Int).Add(balance, amount))
	})
}

// PaymentBalance returns addr's balance in the given payment token.
func (n *Node) PaymentBalance(addr [20]byte, symbol string) (*big.Int, error) {
	var balance *big.Int
	err := n.view(func(_ *engineSet, m *state.Manager) error {
		normalized, err := escrow.NormalizeToken(symbol)
		if err != nil {
			return err
		}
		balance, err = m.PaymentBalance(addr, normalized)
		return err
	})
	return balance, err
}

// CreateProject registers a new escrow between client and freelancer.
func (n *Node) CreateProject(client, freelancer [20]byte, tokenSymbol string, amount *big.Int, nonce [32]byte) (*escrow.Project, error) {
	var project *escrow.Project
	err := n.run("create_project", func(set *engineSet, _ *state.Manager) error {
		var err error
		project, err = set.escrow.Create(client, freelancer, tokenSymbol, amount, nonce)
		return err
	})
	return project, err
}

// FundProject locks the client's funds into escrow custody.
func (n *Node) FundProject(id [32]byte, caller [20]byte) error {
	return n.run("fund_project", func(set *engineSet, _ *state.Manager) error {
		return set.escrow.Fund(id, caller)
	})
}

// MarkDelivered records the freelancer's delivery signal.
func (n *Node) MarkDelivered(id [32]byte, caller [20]byte) error {
	return n.run("mark_delivered", func(set *engineSet, _ *state.Manager) error {
		return set.escrow.MarkDelivered(id, caller)
	})
}

// ApproveProject releases the escrow to the freelancer, routes the platform
// fee and mints the proof-of-work certificate.
func (n *Node) ApproveProject(id [32]byte, caller [20]byte) error {
	return n.run("approve_project", func(set *engineSet, _ *state.Manager) error {
		return set.escrow.Approve(id, caller)
	})
}

// RaiseDispute escalates a delivered project to DAO arbitration and returns
// the opened dispute id.
func (n *Node) RaiseDispute(id [32]byte, caller [20]byte) (uint64, error) {
	var disputeID uint64
	err := n.run("raise_dispute", func(set *engineSet, _ *state.Manager) error {
		var err error
		disputeID, err = set.escrow.RaiseDispute(id, caller)
		return err
	})
	return disputeID, err
}

// GetProject returns the stored escrow record.
func (n *Node) GetProject(id [32]byte) (*escrow.Project, error) {
	var project *escrow.Project
	err := n.view(func(set *engineSet, _ *state.Manager) error {
		var err error
		project, err = set.escrow.Get(id)
		return err
	})
	return project, err
}

// EscrowBalance returns the custody balance held for a project.
func (n *Node) EscrowBalance(id [32]byte, symbol string) (*big.Int, error) {
	var balance *big.Int
	err := n.view(func(_ *engineSet, m *state.Manager) error {
		normalized, err := escrow.NormalizeToken(symbol)
		if err != nil {
			return err
		}
		balance, err = m.EscrowBalance(id, normalized)
		return err
	})
	return balance, err
}

// AddSupportedToken registers a payment token for new escrows. Admin only.
func (n *Node) AddSupportedToken(caller [20]byte, symbol string) error {
	return n.run("add_supported_token", func(set *engineSet, _ *state.Manager) error {
		return set.escrow.AddSupportedToken(caller, symbol)
	})
}

// RemoveSupportedToken withdraws a payment token from the supported set.
// Admin only.
func (n *Node) RemoveSupportedToken(caller [20]byte, symbol string) error {
	return n.run("remove_supported_token", func(set *engineSet, _ *state.Manager) error {
		return set.escrow.RemoveSupportedToken(caller, symbol)
	})
}

// CastDisputeVote records a juror's verdict on an open dispute.
func (n *Node) CastDisputeVote(disputeID uint64, caller [20]byte, choice escrow.Outcome) error {
	return n.run("cast_dispute_vote", func(set *engineSet, _ *state.Manager) error {
		return set.dao.CastDisputeVote(disputeID, caller, choice)
	})
}

// FinalizeDispute tallies a dispute after its window and settles the project.
// The settlement runs under the DAO module identity inside the same commit.
func (n *Node) FinalizeDispute(disputeID uint64) (escrow.Outcome, error) {
	var outcome escrow.Outcome
	err := n.run("finalize_dispute", func(set *engineSet, _ *state.Manager) error {
		var err error
		outcome, err = set.dao.FinalizeDispute(disputeID)
		return err
	})
	return outcome, err
}

// GetDispute returns the stored dispute record.
func (n *Node) GetDispute(id uint64) (*dao.Dispute, error) {
	var dispute *dao.Dispute
	err := n.view(func(set *engineSet, _ *state.Manager) error {
		var err error
		dispute, err = set.dao.GetDispute(id)
		return err
	})
	return dispute, err
}

// SubmitProposal opens a governance proposal for voting.
func (n *Node) SubmitProposal(caller [20]byte, kind, payload string) (*dao.Proposal, error) {
	var proposal *dao.Proposal
	err := n.run("submit_proposal", func(set *engineSet, _ *state.Manager) error {
		var err error
		proposal, err = set.dao.Propose(caller, kind, payload)
		return err
	})
	return proposal, err
}

// CastProposalVote records a stake-weighted governance ballot.
func (n *Node) CastProposalVote(proposalID uint64, caller [20]byte, choice string) error {
	return n.run("cast_proposal_vote", func(set *engineSet, _ *state.Manager) error {
		return set.dao.CastVote(proposalID, caller, choice)
	})
}

// FinalizeProposal tallies a proposal after its voting window.
func (n *Node) FinalizeProposal(proposalID uint64) (dao.ProposalStatus, error) {
	var status dao.ProposalStatus
	err := n.run("finalize_proposal", func(set *engineSet, _ *state.Manager) error {
		var err error
		status, err = set.dao.FinalizeProposal(proposalID)
		return err
	})
	return status, err
}

// ExecuteProposal applies a passed proposal's parameter updates.
func (n *Node) ExecuteProposal(proposalID uint64) error {
	return n.run("execute_proposal", func(set *engineSet, _ *state.Manager) error {
		return set.dao.Execute(proposalID)
	})
}

// GetProposal returns the stored proposal record.
func (n *Node) GetProposal(id uint64) (*dao.Proposal, error) {
	var proposal *dao.Proposal
	err := n.view(func(set *engineSet, _ *state.Manager) error {
		var err error
		proposal, err = set.dao.GetProposal(id)
		return err
	})
	return proposal, err
}

// GetCertificate returns a certificate by token id.
func (n *Node) GetCertificate(tokenID uint64) (*certificate.Certificate, error) {
	var cert *certificate.Certificate
	err := n.view(func(set *engineSet, _ *state.Manager) error {
		var err error
		cert, err = set.cert.Get(tokenID)
		return err
	})
	return cert, err
}

// CertificateByProject returns the certificate minted for a project, if any.
func (n *Node) CertificateByProject(projectID [32]byte) (*certificate.Certificate, bool, error) {
	var (
		cert *certificate.Certificate
		ok   bool
	)
	err := n.view(func(set *engineSet, _ *state.Manager) error {
		var err error
		cert, ok, err = set.cert.ByProject(projectID)
		return err
	})
	return cert, ok, err
}
