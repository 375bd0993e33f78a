package dao

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"fariima/core/events"
	"fariima/core/types"
	"fariima/native/escrow"
)

var (
	ErrNotAJuror         = errors.New("dao: caller is not a selected juror")
	ErrAlreadyVoted      = errors.New("dao: juror has already voted")
	ErrVotingClosed      = errors.New("dao: voting window has closed")
	ErrVotingOpen        = errors.New("dao: voting window still open")
	ErrDisputeNotFound   = errors.New("dao: dispute not found")
	ErrProposalNotFound  = errors.New("dao: proposal not found")
	ErrInvalidState      = errors.New("dao: operation not valid for current state")
	ErrInvalidBallot     = errors.New("dao: invalid ballot selection")
	ErrInsufficientStake = errors.New("dao: staked balance below required minimum")
	ErrUnknownParam      = errors.New("dao: parameter not governable")

	errNilState    = errors.New("dao: state not configured")
	errNilResolver = errors.New("dao: escrow resolver not configured")
)

// Policy bundles the tunables of arbitration and governance. Every field has
// a working default so a zero-configured engine behaves sensibly.
type Policy struct {
	JurorCount          int
	VotingWindowSeconds int64
	TiePolicy           escrow.Outcome
	ProposalWindow      time.Duration
	QuorumBps           uint64
	PassThresholdBps    uint64
	MinProposalStake    *big.Int
	GovernableParams    map[string]struct{}
}

// DefaultPolicy returns the launch parameters.
func DefaultPolicy() Policy {
	return Policy{
		JurorCount:          5,
		VotingWindowSeconds: 3 * 24 * 60 * 60,
		TiePolicy:           escrow.OutcomeClientWins,
		ProposalWindow:      7 * 24 * time.Hour,
		QuorumBps:           2_000,
		PassThresholdBps:    5_000,
		MinProposalStake:    big.NewInt(1_000),
		GovernableParams: map[string]struct{}{
			"escrow.feeBps":           {},
			"dao.jurorCount":          {},
			"dao.votingWindowSeconds": {},
			"dao.quorumBps":           {},
			"dao.passThresholdBps":    {},
		},
	}
}

type engineState interface {
	DisputeNextID() (uint64, error)
	DisputePut(d *Dispute) error
	DisputeGet(id uint64) (*Dispute, bool, error)
	ProposalNextID() (uint64, error)
	ProposalPut(p *Proposal) error
	ProposalGet(id uint64) (*Proposal, bool, error)
	ProposalVotePut(v *ProposalVote) error
	ProposalVotes(id uint64) ([]*ProposalVote, error)
	StakedAccounts() ([]Staker, error)
	StakedWeight(addr [20]byte) (*big.Int, error)
	TotalStaked() (*big.Int, error)
	ProjectParties(id [32]byte) (client [20]byte, freelancer [20]byte, err error)
	ParamSet(name, value string) error
}

// Resolver is the capability the escrow engine hands back to the DAO so a
// finalized dispute can settle the underlying project. The caller identity is
// supplied by the wiring layer, not by jurors.
type Resolver interface {
	Resolve(projectID [32]byte, outcome escrow.Outcome) error
}

// Engine runs stake-weighted dispute arbitration and platform governance.
// Disputes are opened by the escrow engine, voted on by a sampled juror
// panel, and settled back through the Resolver capability. Proposals are open
// to any sufficiently staked holder and share the same weighted tally.
type Engine struct {
	state    engineState
	resolver Resolver
	emitter  events.Emitter
	policy   Policy
	nowFn    func() time.Time
	seedFn   func() [32]byte
}

// NewEngine creates a DAO engine with the default policy and a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		policy:  DefaultPolicy(),
		nowFn:   time.Now,
		seedFn:  func() [32]byte { return [32]byte{} },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetResolver wires the escrow settlement capability.
func (e *Engine) SetResolver(r Resolver) { e.resolver = r }

// SetPolicy replaces the arbitration and governance tunables. Zero-valued
// fields fall back to the defaults.
func (e *Engine) SetPolicy(p Policy) {
	defaults := DefaultPolicy()
	if p.JurorCount <= 0 {
		p.JurorCount = defaults.JurorCount
	}
	if p.VotingWindowSeconds <= 0 {
		p.VotingWindowSeconds = defaults.VotingWindowSeconds
	}
	if !p.TiePolicy.Valid() {
		p.TiePolicy = defaults.TiePolicy
	}
	if p.ProposalWindow <= 0 {
		p.ProposalWindow = defaults.ProposalWindow
	}
	if p.QuorumBps == 0 || p.QuorumBps > 10_000 {
		p.QuorumBps = defaults.QuorumBps
	}
	if p.PassThresholdBps == 0 || p.PassThresholdBps > 10_000 {
		p.PassThresholdBps = defaults.PassThresholdBps
	}
	if p.MinProposalStake == nil {
		p.MinProposalStake = defaults.MinProposalStake
	}
	if len(p.GovernableParams) == 0 {
		p.GovernableParams = defaults.GovernableParams
	}
	e.policy = p
}

// SetNowFunc overrides the time source. Primarily for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// SetSeedFunc configures the entropy source for juror sampling. The wiring
// layer rotates it per dispute; the derived seed is recorded on the record.
func (e *Engine) SetSeedFunc(seed func() [32]byte) {
	if seed == nil {
		e.seedFn = func() [32]byte { return [32]byte{} }
		return
	}
	e.seedFn = seed
}

// SetEmitter configures the event emitter. Nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

type daoEvent struct {
	evt *types.Event
}

func (e daoEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e daoEvent) Event() *types.Event { return e.evt }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(daoEvent{evt: evt})
}

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now()
	}
	return e.nowFn()
}

// OpenDispute starts arbitration for a disputed project. It is invoked by the
// escrow engine through its Arbitrator capability, never by end users
// directly. The juror panel is sampled stake-weighted from current stakers,
// excluding both project parties; the selection seed is stored on the record
// so the draw can be replayed.
func (e *Engine) OpenDispute(projectID [32]byte, claimant [20]byte) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	client, freelancer, err := e.state.ProjectParties(projectID)
	if err != nil {
		return 0, err
	}
	stakers, err := e.state.StakedAccounts()
	if err != nil {
		return 0, err
	}
	candidates := make([]Staker, 0, len(stakers))
	for _, s := range stakers {
		if s.Address == client || s.Address == freelancer {
			continue
		}
		candidates = append(candidates, s)
	}
	id, err := e.state.DisputeNextID()
	if err != nil {
		return 0, err
	}
	seed := deriveSeed(e.seedFn(), projectID)
	now := e.now().Unix()
	dispute := &Dispute{
		ID:        id,
		ProjectID: projectID,
		Claimant:  claimant,
		Jurors:    sampleJurors(candidates, e.policy.JurorCount, seed),
		Votes:     make(map[string]escrow.Outcome),
		Seed:      seed,
		Deadline:  now + e.policy.VotingWindowSeconds,
		CreatedAt: now,
		Status:    DisputeOpen,
	}
	if err := e.state.DisputePut(dispute); err != nil {
		return 0, err
	}
	e.emit(NewDisputeOpenedEvent(dispute))
	return id, nil
}

func (e *Engine) loadDispute(id uint64) (*Dispute, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	dispute, ok, err := e.state.DisputeGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return dispute, nil
}

func (d *Dispute) jurorWeight(addr [20]byte) (*big.Int, bool) {
	for _, juror := range d.Jurors {
		if juror.Address == addr {
			return juror.Weight, true
		}
	}
	return nil, false
}

// CastDisputeVote records a juror's verdict. Only selected jurors may vote,
// only while the window is open, and only once; a second ballot is rejected
// rather than overwritten.
func (e *Engine) CastDisputeVote(disputeID uint64, caller [20]byte, choice escrow.Outcome) error {
	dispute, err := e.loadDispute(disputeID)
	if err != nil {
		return err
	}
	if dispute.Status != DisputeOpen {
		return ErrInvalidState
	}
	if !choice.Valid() {
		return ErrInvalidBallot
	}
	if e.now().Unix() >= dispute.Deadline {
		return ErrVotingClosed
	}
	if _, ok := dispute.jurorWeight(caller); !ok {
		return ErrNotAJuror
	}
	voter := hex.EncodeToString(caller[:])
	if _, ok := dispute.Votes[voter]; ok {
		return ErrAlreadyVoted
	}
	if dispute.Votes == nil {
		dispute.Votes = make(map[string]escrow.Outcome)
	}
	dispute.Votes[voter] = choice
	if err := e.state.DisputePut(dispute); err != nil {
		return err
	}
	e.emit(NewDisputeVotedEvent(dispute, caller, choice))
	return nil
}

// FinalizeDispute tallies the juror panel once the window has closed and
// settles the project through the escrow resolver. Anyone may call it after
// the deadline; a repeated call returns the recorded outcome without moving
// funds again. Ties, including a panel that never voted, fall to the
// configured tie policy so no dispute can deadlock.
func (e *Engine) FinalizeDispute(disputeID uint64) (escrow.Outcome, error) {
	dispute, err := e.loadDispute(disputeID)
	if err != nil {
		return "", err
	}
	if dispute.Status == DisputeFinalized {
		return dispute.Outcome, nil
	}
	if e.now().Unix() < dispute.Deadline {
		return "", ErrVotingOpen
	}
	if e.resolver == nil {
		return "", errNilResolver
	}
	tally := NewTally()
	for voter, choice := range dispute.Votes {
		raw, err := hex.DecodeString(voter)
		if err != nil || len(raw) != 20 {
			continue
		}
		var addr [20]byte
		copy(addr[:], raw)
		weight, ok := dispute.jurorWeight(addr)
		if !ok {
			continue
		}
		ballot := BallotNo
		if choice == escrow.OutcomeFreelancerWins {
			ballot = BallotYes
		}
		tally.Add(ballot, weight)
	}
	outcome := e.policy.TiePolicy
	if yesLeads, tie := tally.Majority(); !tie {
		if yesLeads {
			outcome = escrow.OutcomeFreelancerWins
		} else {
			outcome = escrow.OutcomeClientWins
		}
	}
	if err := e.resolver.Resolve(dispute.ProjectID, outcome); err != nil {
		return "", err
	}
	dispute.Status = DisputeFinalized
	dispute.Outcome = outcome
	if err := e.state.DisputePut(dispute); err != nil {
		return "", err
	}
	e.emit(NewDisputeFinalizedEvent(dispute, tally))
	return outcome, nil
}

// GetDispute returns a copy of the stored dispute record.
func (e *Engine) GetDispute(id uint64) (*Dispute, error) {
	dispute, err := e.loadDispute(id)
	if err != nil {
		return nil, err
	}
	return dispute.Clone(), nil
}

// parseParamPayload validates a param.update payload against the governable
// allow list. Used both at submission, so malformed proposals never enter
// voting, and at execution.
func (e *Engine) parseParamPayload(payload string) (map[string]string, error) {
	var params map[string]string
	if err := json.Unmarshal([]byte(payload), &params); err != nil {
		return nil, fmt.Errorf("dao: malformed proposal payload: %w", err)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("dao: proposal payload sets no parameters")
	}
	for name := range params {
		if _, ok := e.policy.GovernableParams[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParam, name)
		}
	}
	return params, nil
}

// Propose submits a parameter-update proposal. The submitter must hold at
// least the minimum staked balance; the payload must be a JSON object mapping
// governable parameter names to values.
func (e *Engine) Propose(caller [20]byte, kind, payload string) (*Proposal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if kind != ProposalKindParamUpdate {
		return nil, fmt.Errorf("dao: unsupported proposal kind %q", kind)
	}
	if _, err := e.parseParamPayload(payload); err != nil {
		return nil, err
	}
	staked, err := e.state.StakedWeight(caller)
	if err != nil {
		return nil, err
	}
	if staked == nil || staked.Cmp(e.policy.MinProposalStake) < 0 {
		return nil, ErrInsufficientStake
	}
	id, err := e.state.ProposalNextID()
	if err != nil {
		return nil, err
	}
	now := e.now()
	proposal := &Proposal{
		ID:          id,
		Submitter:   caller,
		Kind:        kind,
		Payload:     payload,
		Status:      ProposalVotingPeriod,
		SubmitTime:  now,
		VotingStart: now,
		VotingEnd:   now.Add(e.policy.ProposalWindow),
	}
	if err := e.state.ProposalPut(proposal); err != nil {
		return nil, err
	}
	e.emit(NewProposalSubmittedEvent(proposal))
	return proposal.Clone(), nil
}

func (e *Engine) loadProposal(id uint64) (*Proposal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	proposal, ok, err := e.state.ProposalGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrProposalNotFound
	}
	return proposal, nil
}

// CastVote records a stake-weighted governance ballot. Any staker may vote
// while the window is open; unlike dispute votes, a later ballot from the
// same voter replaces the earlier one.
func (e *Engine) CastVote(proposalID uint64, caller [20]byte, choice string) error {
	proposal, err := e.loadProposal(proposalID)
	if err != nil {
		return err
	}
	if proposal.Status != ProposalVotingPeriod {
		return ErrInvalidState
	}
	now := e.now()
	if !now.Before(proposal.VotingEnd) {
		return ErrVotingClosed
	}
	ballot, ok := ParseBallot(choice)
	if !ok {
		return ErrInvalidBallot
	}
	weight, err := e.state.StakedWeight(caller)
	if err != nil {
		return err
	}
	if weight == nil || weight.Sign() <= 0 {
		return ErrInsufficientStake
	}
	vote := &ProposalVote{
		ProposalID: proposalID,
		Voter:      caller,
		Choice:     ballot,
		Weight:     new(big.Int).Set(weight),
		Timestamp:  now,
	}
	if err := e.state.ProposalVotePut(vote); err != nil {
		return err
	}
	e.emit(NewProposalVotedEvent(vote))
	return nil
}

// FinalizeProposal tallies a proposal once its window has closed. Quorum is
// measured as turnout against total staked supply; a proposal passes when the
// yes share of decided ballots reaches the pass threshold and yes strictly
// leads no. A repeated call returns the recorded status.
func (e *Engine) FinalizeProposal(proposalID uint64) (ProposalStatus, error) {
	proposal, err := e.loadProposal(proposalID)
	if err != nil {
		return 0, err
	}
	if proposal.Status != ProposalVotingPeriod {
		return proposal.Status, nil
	}
	now := e.now()
	if now.Before(proposal.VotingEnd) {
		return 0, ErrVotingOpen
	}
	votes, err := e.state.ProposalVotes(proposalID)
	if err != nil {
		return 0, err
	}
	tally := NewTally()
	for _, vote := range votes {
		tally.Add(vote.Choice, vote.Weight)
	}
	totalStaked, err := e.state.TotalStaked()
	if err != nil {
		return 0, err
	}
	status := ProposalRejected
	if e.quorumReached(tally, totalStaked) &&
		tally.YesRatioBps() >= e.policy.PassThresholdBps &&
		tally.Yes.Cmp(tally.No) > 0 {
		status = ProposalPassed
	}
	proposal.Status = status
	if err := e.state.ProposalPut(proposal); err != nil {
		return 0, err
	}
	e.emit(NewProposalFinalizedEvent(proposal, tally))
	return status, nil
}

// quorumReached checks turnout*10000 >= totalStaked*quorumBps without
// division.
func (e *Engine) quorumReached(tally *Tally, totalStaked *big.Int) bool {
	if totalStaked == nil || totalStaked.Sign() <= 0 {
		return false
	}
	lhs := new(big.Int).Mul(tally.Turnout(), big.NewInt(10_000))
	rhs := new(big.Int).Mul(totalStaked, new(big.Int).SetUint64(e.policy.QuorumBps))
	return lhs.Cmp(rhs) >= 0
}

// Execute applies a passed proposal's parameter updates and marks it
// executed. Anyone may trigger execution.
func (e *Engine) Execute(proposalID uint64) error {
	proposal, err := e.loadProposal(proposalID)
	if err != nil {
		return err
	}
	if proposal.Status != ProposalPassed {
		return ErrInvalidState
	}
	params, err := e.parseParamPayload(proposal.Payload)
	if err != nil {
		return err
	}
	for name, value := range params {
		if err := e.state.ParamSet(name, value); err != nil {
			return err
		}
	}
	proposal.Status = ProposalExecuted
	if err := e.state.ProposalPut(proposal); err != nil {
		return err
	}
	e.emit(NewProposalExecutedEvent(proposal))
	return nil
}

// GetProposal returns a copy of the stored proposal record.
func (e *Engine) GetProposal(id uint64) (*Proposal, error) {
	proposal, err := e.loadProposal(id)
	if err != nil {
		return nil, err
	}
	return proposal.Clone(), nil
}
