package core

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fariima/core/state"
	"fariima/native/dao"
	"fariima/native/escrow"
	"fariima/native/roles"
	"fariima/storage"
)

func addr(b byte) [20]byte {
	var a [20]byte
	a[19] = b
	return a
}

type nodeFixture struct {
	node *Node
	now  time.Time

	admin      [20]byte
	client     [20]byte
	freelancer [20]byte
	jurors     [][20]byte
}

func newNodeFixture(t *testing.T) *nodeFixture {
	t.Helper()
	f := &nodeFixture{
		now:        time.Unix(1_700_000_000, 0).UTC(),
		admin:      addr(0xA0),
		client:     addr(0x01),
		freelancer: addr(0x02),
		jurors:     [][20]byte{addr(0x10), addr(0x11), addr(0x12)},
	}
	node, err := NewNode(storage.NewMemDB(), Config{SuperAdmin: f.admin})
	require.NoError(t, err)
	node.SetNowFunc(func() time.Time { return f.now })
	node.SetSeed([32]byte{0xAB})
	f.node = node

	genesis := Genesis{
		SupportedTokens: []string{"USDC", "USDT"},
		Roles:           map[string][][20]byte{roles.RoleAdmin: {f.admin}},
		Accounts: []GenesisAccount{
			{Address: f.jurors[0], Staked: big.NewInt(5_000)},
			{Address: f.jurors[1], Staked: big.NewInt(3_000)},
			{Address: f.jurors[2], Staked: big.NewInt(2_000)},
		},
		Payments: []GenesisPayment{
			{Address: f.client, Token: "USDC", Amount: big.NewInt(10_000)},
		},
	}
	require.NoError(t, node.ApplyGenesis(genesis))
	return f
}

func (f *nodeFixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *nodeFixture) deliveredProject(t *testing.T, amount int64, nonce byte) *escrow.Project {
	t.Helper()
	var n [32]byte
	n[31] = nonce
	project, err := f.node.CreateProject(f.client, f.freelancer, "USDC", big.NewInt(amount), n)
	require.NoError(t, err)
	require.NoError(t, f.node.FundProject(project.ID, f.client))
	require.NoError(t, f.node.MarkDelivered(project.ID, f.freelancer))
	return project
}

func (f *nodeFixture) paymentBalance(t *testing.T, a [20]byte) *big.Int {
	t.Helper()
	balance, err := f.node.PaymentBalance(a, "USDC")
	require.NoError(t, err)
	return balance
}

func TestApproveSettlesAndCertifies(t *testing.T) {
	f := newNodeFixture(t)
	project := f.deliveredProject(t, 1_000, 0x01)

	require.NoError(t, f.node.ApproveProject(project.ID, f.client))

	require.Equal(t, big.NewInt(9_000), f.paymentBalance(t, f.client))
	require.Equal(t, big.NewInt(950), f.paymentBalance(t, f.freelancer))
	require.Equal(t, big.NewInt(50), f.paymentBalance(t, state.ModuleAddress(ModuleDAOTreasury)))

	stored, err := f.node.GetProject(project.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusReleased, stored.Status)

	cert, ok, err := f.node.CertificateByProject(project.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, f.freelancer, cert.Owner)
}

func TestEventLogRecordsLifecycle(t *testing.T) {
	f := newNodeFixture(t)
	before, err := f.node.LatestEventSeq()
	require.NoError(t, err)

	project := f.deliveredProject(t, 1_000, 0x02)
	require.NoError(t, f.node.ApproveProject(project.ID, f.client))

	records, err := f.node.Events(before, 100)
	require.NoError(t, err)
	var kinds []string
	for _, record := range records {
		kinds = append(kinds, record.Type)
	}
	require.Equal(t, []string{
		escrow.EventTypeCreated,
		escrow.EventTypeFunded,
		escrow.EventTypeDelivered,
		"certificate.minted",
		escrow.EventTypeReleased,
	}, kinds)
	for i := 1; i < len(records); i++ {
		require.Equal(t, records[i-1].Seq+1, records[i].Seq)
	}
}

func TestFailedFundLeavesNoTrace(t *testing.T) {
	f := newNodeFixture(t)
	var nonce [32]byte
	nonce[31] = 0x03
	project, err := f.node.CreateProject(f.client, f.freelancer, "USDC", big.NewInt(50_000), nonce)
	require.NoError(t, err)
	before, err := f.node.LatestEventSeq()
	require.NoError(t, err)

	err = f.node.FundProject(project.ID, f.client)
	require.ErrorIs(t, err, escrow.ErrTransferFailed)

	stored, err := f.node.GetProject(project.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCreated, stored.Status)
	require.Equal(t, big.NewInt(10_000), f.paymentBalance(t, f.client))

	held, err := f.node.EscrowBalance(project.ID, "USDC")
	require.NoError(t, err)
	require.Zero(t, held.Sign())

	after, err := f.node.LatestEventSeq()
	require.NoError(t, err)
	require.Equal(t, before, after, "failed operation must log nothing")
}

func TestDisputeEndToEnd(t *testing.T) {
	f := newNodeFixture(t)
	project := f.deliveredProject(t, 1_000, 0x04)

	disputeID, err := f.node.RaiseDispute(project.ID, f.client)
	require.NoError(t, err)

	dispute, err := f.node.GetDispute(disputeID)
	require.NoError(t, err)
	require.Len(t, dispute.Jurors, 3, "every staker outside the parties serves")

	for _, juror := range dispute.Jurors {
		require.NoError(t, f.node.CastDisputeVote(disputeID, juror.Address, escrow.OutcomeFreelancerWins))
	}

	_, err = f.node.FinalizeDispute(disputeID)
	require.ErrorIs(t, err, dao.ErrVotingOpen)

	f.advance(4 * 24 * time.Hour)
	outcome, err := f.node.FinalizeDispute(disputeID)
	require.NoError(t, err)
	require.Equal(t, escrow.OutcomeFreelancerWins, outcome)

	require.Equal(t, big.NewInt(950), f.paymentBalance(t, f.freelancer))
	require.Equal(t, big.NewInt(50), f.paymentBalance(t, state.ModuleAddress(ModuleDAOTreasury)))

	stored, err := f.node.GetProject(project.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusResolved, stored.Status)
	require.Equal(t, disputeID, stored.DisputeID)

	_, ok, err := f.node.CertificateByProject(project.ID)
	require.NoError(t, err)
	require.True(t, ok, "freelancer win mints the certificate")
}

func TestDisputeClientWinRefunds(t *testing.T) {
	f := newNodeFixture(t)
	project := f.deliveredProject(t, 1_000, 0x05)

	disputeID, err := f.node.RaiseDispute(project.ID, f.freelancer)
	require.NoError(t, err)
	dispute, err := f.node.GetDispute(disputeID)
	require.NoError(t, err)
	for _, juror := range dispute.Jurors {
		require.NoError(t, f.node.CastDisputeVote(disputeID, juror.Address, escrow.OutcomeClientWins))
	}

	f.advance(4 * 24 * time.Hour)
	outcome, err := f.node.FinalizeDispute(disputeID)
	require.NoError(t, err)
	require.Equal(t, escrow.OutcomeClientWins, outcome)

	// Client gets back 950 of the 1000 escrowed; the fee is still charged.
	require.Equal(t, big.NewInt(9_950), f.paymentBalance(t, f.client))
	require.Zero(t, f.paymentBalance(t, f.freelancer).Sign())

	_, ok, err := f.node.CertificateByProject(project.ID)
	require.NoError(t, err)
	require.False(t, ok, "no certificate on a client win")
}

func TestGovernanceChangesFeeRate(t *testing.T) {
	f := newNodeFixture(t)
	proposer := f.jurors[0]

	proposal, err := f.node.SubmitProposal(proposer, dao.ProposalKindParamUpdate, `{"escrow.feeBps":"250"}`)
	require.NoError(t, err)
	require.NoError(t, f.node.CastProposalVote(proposal.ID, f.jurors[0], "yes"))
	require.NoError(t, f.node.CastProposalVote(proposal.ID, f.jurors[1], "yes"))

	f.advance(8 * 24 * time.Hour)
	status, err := f.node.FinalizeProposal(proposal.ID)
	require.NoError(t, err)
	require.Equal(t, dao.ProposalPassed, status)
	require.NoError(t, f.node.ExecuteProposal(proposal.ID))

	// Settlements after execution charge the governed 2.5% rate.
	project := f.deliveredProject(t, 1_000, 0x06)
	require.NoError(t, f.node.ApproveProject(project.ID, f.client))
	require.Equal(t, big.NewInt(975), f.paymentBalance(t, f.freelancer))
	require.Equal(t, big.NewInt(25), f.paymentBalance(t, state.ModuleAddress(ModuleDAOTreasury)))
}

func TestGenesisRefusesSecondRun(t *testing.T) {
	f := newNodeFixture(t)
	err := f.node.ApplyGenesis(Genesis{})
	require.ErrorIs(t, err, ErrGenesisApplied)
}

func TestSubscriptionDeliversCommittedEvents(t *testing.T) {
	f := newNodeFixture(t)
	ch, cancel := f.node.Subscribe(16)
	defer cancel()

	var nonce [32]byte
	nonce[31] = 0x07
	_, err := f.node.CreateProject(f.client, f.freelancer, "USDC", big.NewInt(100), nonce)
	require.NoError(t, err)

	select {
	case record := <-ch:
		require.Equal(t, escrow.EventTypeCreated, record.Type)
		require.NotZero(t, record.Seq)
	default:
		t.Fatal("expected a delivered event record")
	}
}

func TestStakeUnstakeThroughNode(t *testing.T) {
	f := newNodeFixture(t)
	holder := addr(0x30)

	require.NoError(t, f.node.GrantRole(f.admin, roles.RoleMinter, f.admin))
	require.NoError(t, f.node.MintToken(f.admin, holder, big.NewInt(500)))
	require.NoError(t, f.node.Stake(holder, big.NewInt(300)))

	staked, err := f.node.TokenStaked(holder)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(300), staked)
	balance, err := f.node.TokenBalance(holder)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(200), balance)

	require.NoError(t, f.node.Unstake(holder, big.NewInt(300)))
	balance, err = f.node.TokenBalance(holder)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(500), balance)
}

func TestCreditPaymentRequiresAdmin(t *testing.T) {
	f := newNodeFixture(t)
	outsider := addr(0x40)

	err := f.node.CreditPayment(outsider, outsider, "USDC", big.NewInt(100))
	require.ErrorIs(t, err, roles.ErrUnauthorized)

	require.NoError(t, f.node.CreditPayment(f.admin, outsider, "USDC", big.NewInt(100)))
	balance, err := f.node.PaymentBalance(outsider, "USDC")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100), balance)
}
