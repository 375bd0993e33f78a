package dao

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fariima/core/events"
	"fariima/native/escrow"
)

type mockState struct {
	disputes      map[uint64]*Dispute
	nextDispute   uint64
	proposals     map[uint64]*Proposal
	nextProposal  uint64
	proposalVotes map[uint64]map[[20]byte]*ProposalVote
	stakers       []Staker
	parties       map[[32]byte][2][20]byte
	params        map[string]string
}

func newMockState() *mockState {
	return &mockState{
		disputes:      make(map[uint64]*Dispute),
		proposals:     make(map[uint64]*Proposal),
		proposalVotes: make(map[uint64]map[[20]byte]*ProposalVote),
		parties:       make(map[[32]byte][2][20]byte),
		params:        make(map[string]string),
	}
}

func (m *mockState) DisputeNextID() (uint64, error) {
	m.nextDispute++
	return m.nextDispute, nil
}

func (m *mockState) DisputePut(d *Dispute) error {
	m.disputes[d.ID] = d.Clone()
	return nil
}

func (m *mockState) DisputeGet(id uint64) (*Dispute, bool, error) {
	d, ok := m.disputes[id]
	if !ok {
		return nil, false, nil
	}
	return d.Clone(), true, nil
}

func (m *mockState) ProposalNextID() (uint64, error) {
	m.nextProposal++
	return m.nextProposal, nil
}

func (m *mockState) ProposalPut(p *Proposal) error {
	m.proposals[p.ID] = p.Clone()
	return nil
}

func (m *mockState) ProposalGet(id uint64) (*Proposal, bool, error) {
	p, ok := m.proposals[id]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

func (m *mockState) ProposalVotePut(v *ProposalVote) error {
	ballots, ok := m.proposalVotes[v.ProposalID]
	if !ok {
		ballots = make(map[[20]byte]*ProposalVote)
		m.proposalVotes[v.ProposalID] = ballots
	}
	ballots[v.Voter] = v.Clone()
	return nil
}

func (m *mockState) ProposalVotes(id uint64) ([]*ProposalVote, error) {
	var votes []*ProposalVote
	for _, v := range m.proposalVotes[id] {
		votes = append(votes, v.Clone())
	}
	return votes, nil
}

func (m *mockState) StakedAccounts() ([]Staker, error) {
	out := make([]Staker, len(m.stakers))
	for i, s := range m.stakers {
		out[i] = Staker{Address: s.Address, Weight: new(big.Int).Set(s.Weight)}
	}
	return out, nil
}

func (m *mockState) StakedWeight(addr [20]byte) (*big.Int, error) {
	for _, s := range m.stakers {
		if s.Address == addr {
			return new(big.Int).Set(s.Weight), nil
		}
	}
	return big.NewInt(0), nil
}

func (m *mockState) TotalStaked() (*big.Int, error) {
	total := big.NewInt(0)
	for _, s := range m.stakers {
		total.Add(total, s.Weight)
	}
	return total, nil
}

func (m *mockState) ProjectParties(id [32]byte) ([20]byte, [20]byte, error) {
	parties := m.parties[id]
	return parties[0], parties[1], nil
}

func (m *mockState) ParamSet(name, value string) error {
	m.params[name] = value
	return nil
}

type mockResolver struct {
	calls []struct {
		projectID [32]byte
		outcome   escrow.Outcome
	}
	err error
}

func (m *mockResolver) Resolve(projectID [32]byte, outcome escrow.Outcome) error {
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, struct {
		projectID [32]byte
		outcome   escrow.Outcome
	}{projectID, outcome})
	return nil
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) { c.events = append(c.events, evt) }

func addr(b byte) [20]byte {
	var a [20]byte
	a[19] = b
	return a
}

func projectID(b byte) [32]byte {
	var id [32]byte
	id[31] = b
	return id
}

type fixture struct {
	engine   *Engine
	state    *mockState
	resolver *mockResolver
	emitter  *captureEmitter
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		state:    newMockState(),
		resolver: &mockResolver{},
		emitter:  &captureEmitter{},
		now:      time.Unix(1_700_000_000, 0).UTC(),
	}
	f.engine = NewEngine()
	f.engine.SetState(f.state)
	f.engine.SetResolver(f.resolver)
	f.engine.SetEmitter(f.emitter)
	f.engine.SetNowFunc(func() time.Time { return f.now })
	f.engine.SetSeedFunc(func() [32]byte {
		var seed [32]byte
		seed[0] = 0xAB
		return seed
	})
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) stake(a [20]byte, weight int64) {
	f.state.stakers = append(f.state.stakers, Staker{Address: a, Weight: big.NewInt(weight)})
}

var (
	client     = addr(0x01)
	freelancer = addr(0x02)
)

func (f *fixture) openDispute(t *testing.T, pid [32]byte) *Dispute {
	t.Helper()
	f.state.parties[pid] = [2][20]byte{client, freelancer}
	id, err := f.engine.OpenDispute(pid, client)
	require.NoError(t, err)
	dispute, err := f.engine.GetDispute(id)
	require.NoError(t, err)
	return dispute
}

func TestOpenDisputeSamplesPanel(t *testing.T) {
	f := newFixture(t)
	for b := byte(0x10); b < 0x18; b++ {
		f.stake(addr(b), int64(b)*10)
	}
	f.stake(client, 500)
	f.stake(freelancer, 500)

	dispute := f.openDispute(t, projectID(0xA1))

	require.Len(t, dispute.Jurors, DefaultPolicy().JurorCount)
	seen := make(map[[20]byte]bool)
	for _, juror := range dispute.Jurors {
		require.NotEqual(t, client, juror.Address)
		require.NotEqual(t, freelancer, juror.Address)
		require.False(t, seen[juror.Address], "juror selected twice")
		seen[juror.Address] = true
		require.Positive(t, juror.Weight.Sign())
	}
	require.Equal(t, f.now.Unix()+DefaultPolicy().VotingWindowSeconds, dispute.Deadline)
	require.NotEqual(t, [32]byte{}, dispute.Seed)
}

func TestOpenDisputeSelectionIsReplayable(t *testing.T) {
	f := newFixture(t)
	for b := byte(0x10); b < 0x20; b++ {
		f.stake(addr(b), int64(b))
	}
	dispute := f.openDispute(t, projectID(0xA2))

	candidates, err := f.state.StakedAccounts()
	require.NoError(t, err)
	replayed := sampleJurors(candidates, DefaultPolicy().JurorCount, dispute.Seed)
	require.Equal(t, dispute.Jurors, replayed)
}

func TestOpenDisputeSmallPoolTakesEveryone(t *testing.T) {
	f := newFixture(t)
	f.stake(addr(0x10), 100)
	f.stake(addr(0x11), 100)

	dispute := f.openDispute(t, projectID(0xA3))
	require.Len(t, dispute.Jurors, 2)
}

func TestCastDisputeVoteGuards(t *testing.T) {
	f := newFixture(t)
	f.stake(addr(0x10), 100)
	f.stake(addr(0x11), 100)
	dispute := f.openDispute(t, projectID(0xA4))
	juror := dispute.Jurors[0].Address

	err := f.engine.CastDisputeVote(dispute.ID, addr(0x55), escrow.OutcomeFreelancerWins)
	require.ErrorIs(t, err, ErrNotAJuror)

	err = f.engine.CastDisputeVote(dispute.ID, juror, escrow.Outcome("split"))
	require.ErrorIs(t, err, ErrInvalidBallot)

	require.NoError(t, f.engine.CastDisputeVote(dispute.ID, juror, escrow.OutcomeFreelancerWins))
	err = f.engine.CastDisputeVote(dispute.ID, juror, escrow.OutcomeClientWins)
	require.ErrorIs(t, err, ErrAlreadyVoted)

	stored, err := f.engine.GetDispute(dispute.ID)
	require.NoError(t, err)
	require.Len(t, stored.Votes, 1)
	for _, choice := range stored.Votes {
		require.Equal(t, escrow.OutcomeFreelancerWins, choice)
	}

	f.advance(100 * 24 * time.Hour)
	err = f.engine.CastDisputeVote(dispute.ID, dispute.Jurors[1].Address, escrow.OutcomeClientWins)
	require.ErrorIs(t, err, ErrVotingClosed)
}

func TestFinalizeDisputeWeightedMajority(t *testing.T) {
	f := newFixture(t)
	heavy := addr(0x10)
	f.stake(heavy, 1_000)
	f.stake(addr(0x11), 100)
	f.stake(addr(0x12), 100)
	dispute := f.openDispute(t, projectID(0xA5))

	// One heavy juror outvotes two light ones.
	require.NoError(t, f.engine.CastDisputeVote(dispute.ID, heavy, escrow.OutcomeFreelancerWins))
	require.NoError(t, f.engine.CastDisputeVote(dispute.ID, addr(0x11), escrow.OutcomeClientWins))
	require.NoError(t, f.engine.CastDisputeVote(dispute.ID, addr(0x12), escrow.OutcomeClientWins))

	_, err := f.engine.FinalizeDispute(dispute.ID)
	require.ErrorIs(t, err, ErrVotingOpen)
	require.Empty(t, f.resolver.calls)

	f.advance(4 * 24 * time.Hour)
	outcome, err := f.engine.FinalizeDispute(dispute.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.OutcomeFreelancerWins, outcome)
	require.Len(t, f.resolver.calls, 1)
	require.Equal(t, dispute.ProjectID, f.resolver.calls[0].projectID)
	require.Equal(t, escrow.OutcomeFreelancerWins, f.resolver.calls[0].outcome)

	stored, err := f.engine.GetDispute(dispute.ID)
	require.NoError(t, err)
	require.Equal(t, DisputeFinalized, stored.Status)
	require.Equal(t, escrow.OutcomeFreelancerWins, stored.Outcome)
}

func TestFinalizeDisputeIsNotRepeatable(t *testing.T) {
	f := newFixture(t)
	f.stake(addr(0x10), 100)
	dispute := f.openDispute(t, projectID(0xA6))
	require.NoError(t, f.engine.CastDisputeVote(dispute.ID, addr(0x10), escrow.OutcomeFreelancerWins))

	f.advance(4 * 24 * time.Hour)
	first, err := f.engine.FinalizeDispute(dispute.ID)
	require.NoError(t, err)
	second, err := f.engine.FinalizeDispute(dispute.ID)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, f.resolver.calls, 1, "settlement must not run twice")
}

func TestFinalizeDisputeTieFavorsClient(t *testing.T) {
	f := newFixture(t)
	f.stake(addr(0x10), 100)
	f.stake(addr(0x11), 100)
	dispute := f.openDispute(t, projectID(0xA7))
	require.NoError(t, f.engine.CastDisputeVote(dispute.ID, addr(0x10), escrow.OutcomeFreelancerWins))
	require.NoError(t, f.engine.CastDisputeVote(dispute.ID, addr(0x11), escrow.OutcomeClientWins))

	f.advance(4 * 24 * time.Hour)
	outcome, err := f.engine.FinalizeDispute(dispute.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.OutcomeClientWins, outcome)
}

func TestFinalizeDisputeNoVotesFallsToTiePolicy(t *testing.T) {
	f := newFixture(t)
	f.stake(addr(0x10), 100)
	dispute := f.openDispute(t, projectID(0xA8))

	f.advance(4 * 24 * time.Hour)
	outcome, err := f.engine.FinalizeDispute(dispute.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.OutcomeClientWins, outcome)
}

func TestFinalizeDisputeTiePolicyConfigurable(t *testing.T) {
	f := newFixture(t)
	policy := DefaultPolicy()
	policy.TiePolicy = escrow.OutcomeFreelancerWins
	f.engine.SetPolicy(policy)
	f.stake(addr(0x10), 100)
	dispute := f.openDispute(t, projectID(0xA9))

	f.advance(4 * 24 * time.Hour)
	outcome, err := f.engine.FinalizeDispute(dispute.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.OutcomeFreelancerWins, outcome)
}

func TestFinalizeDisputeSettlementFailureKeepsDisputeOpen(t *testing.T) {
	f := newFixture(t)
	f.stake(addr(0x10), 100)
	dispute := f.openDispute(t, projectID(0xAA))
	f.resolver.err = escrow.ErrTransferFailed

	f.advance(4 * 24 * time.Hour)
	_, err := f.engine.FinalizeDispute(dispute.ID)
	require.ErrorIs(t, err, escrow.ErrTransferFailed)

	stored, err := f.engine.GetDispute(dispute.ID)
	require.NoError(t, err)
	require.Equal(t, DisputeOpen, stored.Status)
}

func TestProposeRequiresStakeAndValidPayload(t *testing.T) {
	f := newFixture(t)
	proposer := addr(0x30)

	_, err := f.engine.Propose(proposer, ProposalKindParamUpdate, `{"escrow.feeBps":"250"}`)
	require.ErrorIs(t, err, ErrInsufficientStake)

	f.stake(proposer, 5_000)
	_, err = f.engine.Propose(proposer, ProposalKindParamUpdate, `{"chain.id":"7"}`)
	require.ErrorIs(t, err, ErrUnknownParam)

	_, err = f.engine.Propose(proposer, "text", `{}`)
	require.Error(t, err)

	proposal, err := f.engine.Propose(proposer, ProposalKindParamUpdate, `{"escrow.feeBps":"250"}`)
	require.NoError(t, err)
	require.Equal(t, ProposalVotingPeriod, proposal.Status)
	require.Equal(t, f.now.Add(DefaultPolicy().ProposalWindow), proposal.VotingEnd)
}

func TestProposalVoteWindowAndRevote(t *testing.T) {
	f := newFixture(t)
	proposer := addr(0x30)
	voter := addr(0x31)
	f.stake(proposer, 5_000)
	f.stake(voter, 200)
	proposal, err := f.engine.Propose(proposer, ProposalKindParamUpdate, `{"escrow.feeBps":"250"}`)
	require.NoError(t, err)

	err = f.engine.CastVote(proposal.ID, addr(0x66), "yes")
	require.ErrorIs(t, err, ErrInsufficientStake)

	err = f.engine.CastVote(proposal.ID, voter, "maybe")
	require.ErrorIs(t, err, ErrInvalidBallot)

	require.NoError(t, f.engine.CastVote(proposal.ID, voter, "no"))
	// Governance ballots are revisable while the window is open.
	require.NoError(t, f.engine.CastVote(proposal.ID, voter, "yes"))
	votes, err := f.state.ProposalVotes(proposal.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	require.Equal(t, BallotYes, votes[0].Choice)

	f.advance(8 * 24 * time.Hour)
	err = f.engine.CastVote(proposal.ID, voter, "no")
	require.ErrorIs(t, err, ErrVotingClosed)
}

func TestFinalizeProposalQuorumAndThreshold(t *testing.T) {
	f := newFixture(t)
	proposer := addr(0x30)
	f.stake(proposer, 5_000)
	f.stake(addr(0x31), 4_000)
	f.stake(addr(0x32), 1_000)

	proposal, err := f.engine.Propose(proposer, ProposalKindParamUpdate, `{"escrow.feeBps":"250"}`)
	require.NoError(t, err)

	// 1000 of 10000 staked turns out: below the 20% quorum.
	require.NoError(t, f.engine.CastVote(proposal.ID, addr(0x32), "yes"))
	f.advance(8 * 24 * time.Hour)
	status, err := f.engine.FinalizeProposal(proposal.ID)
	require.NoError(t, err)
	require.Equal(t, ProposalRejected, status)

	// Already decided: finalize reports the stored status.
	status, err = f.engine.FinalizeProposal(proposal.ID)
	require.NoError(t, err)
	require.Equal(t, ProposalRejected, status)
}

func TestProposalPassesAndExecutes(t *testing.T) {
	f := newFixture(t)
	proposer := addr(0x30)
	f.stake(proposer, 5_000)
	f.stake(addr(0x31), 4_000)
	f.stake(addr(0x32), 1_000)

	proposal, err := f.engine.Propose(proposer, ProposalKindParamUpdate, `{"escrow.feeBps":"250","dao.jurorCount":"7"}`)
	require.NoError(t, err)

	require.Error(t, f.engine.Execute(proposal.ID), "cannot execute before passing")

	require.NoError(t, f.engine.CastVote(proposal.ID, proposer, "yes"))
	require.NoError(t, f.engine.CastVote(proposal.ID, addr(0x31), "yes"))
	require.NoError(t, f.engine.CastVote(proposal.ID, addr(0x32), "no"))

	_, err = f.engine.FinalizeProposal(proposal.ID)
	require.ErrorIs(t, err, ErrVotingOpen)

	f.advance(8 * 24 * time.Hour)
	status, err := f.engine.FinalizeProposal(proposal.ID)
	require.NoError(t, err)
	require.Equal(t, ProposalPassed, status)

	require.NoError(t, f.engine.Execute(proposal.ID))
	require.Equal(t, "250", f.state.params["escrow.feeBps"])
	require.Equal(t, "7", f.state.params["dao.jurorCount"])

	stored, err := f.engine.GetProposal(proposal.ID)
	require.NoError(t, err)
	require.Equal(t, ProposalExecuted, stored.Status)
	require.ErrorIs(t, f.engine.Execute(proposal.ID), ErrInvalidState)
}

func TestProposalRejectedWhenNoSideLeads(t *testing.T) {
	f := newFixture(t)
	proposer := addr(0x30)
	f.stake(proposer, 5_000)
	f.stake(addr(0x31), 5_000)

	proposal, err := f.engine.Propose(proposer, ProposalKindParamUpdate, `{"escrow.feeBps":"250"}`)
	require.NoError(t, err)
	require.NoError(t, f.engine.CastVote(proposal.ID, proposer, "yes"))
	require.NoError(t, f.engine.CastVote(proposal.ID, addr(0x31), "no"))

	f.advance(8 * 24 * time.Hour)
	status, err := f.engine.FinalizeProposal(proposal.ID)
	require.NoError(t, err)
	require.Equal(t, ProposalRejected, status)
}

func TestTallyWeights(t *testing.T) {
	tally := NewTally()
	tally.Add(BallotYes, big.NewInt(60))
	tally.Add(BallotNo, big.NewInt(40))
	tally.Add(BallotAbstain, big.NewInt(100))

	require.Equal(t, uint64(3), tally.Ballots)
	require.Equal(t, big.NewInt(200), tally.Turnout())
	require.Equal(t, uint64(6_000), tally.YesRatioBps())
	yesLeads, tie := tally.Majority()
	require.True(t, yesLeads)
	require.False(t, tie)
}
