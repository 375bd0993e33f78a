package escrow

import (
	"bytes"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"fariima/core/events"
	"fariima/native/roles"
)

type balanceKey struct {
	addr  [20]byte
	token string
}

type mockState struct {
	projects  map[[32]byte]*Project
	balances  map[balanceKey]*big.Int
	vault     map[string]map[[32]byte]*big.Int
	supported map[string]bool
	vaultAddr map[string][20]byte
}

func newMockState() *mockState {
	return &mockState{
		projects:  make(map[[32]byte]*Project),
		balances:  make(map[balanceKey]*big.Int),
		vault:     make(map[string]map[[32]byte]*big.Int),
		supported: map[string]bool{"USDC": true, "USDT": true},
		vaultAddr: map[string][20]byte{
			"USDC": testAddr(0xAA),
			"USDT": testAddr(0xAB),
		},
	}
}

func (m *mockState) EscrowPut(p *Project) error {
	sanitized, err := SanitizeProject(p)
	if err != nil {
		return err
	}
	m.projects[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) EscrowGet(id [32]byte) (*Project, bool, error) {
	p, ok := m.projects[id]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

func (m *mockState) EscrowCredit(id [32]byte, token string, amount *big.Int) error {
	if m.vault[token] == nil {
		m.vault[token] = make(map[[32]byte]*big.Int)
	}
	current := big.NewInt(0)
	if existing := m.vault[token][id]; existing != nil {
		current = new(big.Int).Set(existing)
	}
	m.vault[token][id] = current.Add(current, amount)
	return nil
}

func (m *mockState) EscrowDebit(id [32]byte, token string, amount *big.Int) error {
	current := big.NewInt(0)
	if balances := m.vault[token]; balances != nil && balances[id] != nil {
		current = new(big.Int).Set(balances[id])
	}
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("vault underflow")
	}
	m.vault[token][id] = current.Sub(current, amount)
	return nil
}

func (m *mockState) EscrowBalance(id [32]byte, token string) (*big.Int, error) {
	if balances := m.vault[token]; balances != nil && balances[id] != nil {
		return new(big.Int).Set(balances[id]), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) EscrowVaultAddress(token string) ([20]byte, error) {
	addr, ok := m.vaultAddr[token]
	if !ok {
		return [20]byte{}, fmt.Errorf("no vault for %s", token)
	}
	return addr, nil
}

func (m *mockState) TokenSupported(symbol string) (bool, error) {
	return m.supported[symbol], nil
}

func (m *mockState) TokenSetSupported(symbol string, supported bool) error {
	m.supported[symbol] = supported
	return nil
}

func (m *mockState) PaymentBalance(addr [20]byte, symbol string) (*big.Int, error) {
	if balance := m.balances[balanceKey{addr, symbol}]; balance != nil {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) SetPaymentBalance(addr [20]byte, symbol string, amount *big.Int) error {
	m.balances[balanceKey{addr, symbol}] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) fund(addr [20]byte, token string, amount int64) {
	m.balances[balanceKey{addr, token}] = big.NewInt(amount)
}

func (m *mockState) balance(addr [20]byte, token string) *big.Int {
	if balance := m.balances[balanceKey{addr, token}]; balance != nil {
		return new(big.Int).Set(balance)
	}
	return big.NewInt(0)
}

type mockRoles struct {
	dao   map[[20]byte]bool
	admin map[[20]byte]bool
}

func (m *mockRoles) Has(role string, addr [20]byte) bool {
	switch role {
	case roles.RoleDAO:
		return m.dao[addr]
	case roles.RoleAdmin:
		return m.admin[addr]
	default:
		return false
	}
}

type mockArbitrator struct {
	nextID uint64
	opened [][32]byte
	err    error
}

func (m *mockArbitrator) OpenDispute(projectID [32]byte, claimant [20]byte) (uint64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.nextID++
	m.opened = append(m.opened, projectID)
	return m.nextID, nil
}

type mockCertifier struct {
	minted map[[32]byte][20]byte
	err    error
}

func (m *mockCertifier) MintCertificate(projectID [32]byte, owner [20]byte) error {
	if m.err != nil {
		return m.err
	}
	if m.minted == nil {
		m.minted = make(map[[32]byte][20]byte)
	}
	if _, ok := m.minted[projectID]; ok {
		return fmt.Errorf("certificate already minted")
	}
	m.minted[projectID] = owner
	return nil
}

type captureEmitter struct {
	types []string
}

func (c *captureEmitter) Emit(evt events.Event) { c.types = append(c.types, evt.EventType()) }

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func testNonce(fill byte) [32]byte {
	var nonce [32]byte
	copy(nonce[:], bytes.Repeat([]byte{fill}, 32))
	return nonce
}

type fixture struct {
	engine     *Engine
	state      *mockState
	arbitrator *mockArbitrator
	certifier  *mockCertifier
	emitter    *captureEmitter
	client     [20]byte
	freelancer [20]byte
	daoAccount [20]byte
	admin      [20]byte
	treasury   [20]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		state:      newMockState(),
		arbitrator: &mockArbitrator{},
		certifier:  &mockCertifier{},
		emitter:    &captureEmitter{},
		client:     testAddr(0x01),
		freelancer: testAddr(0x02),
		daoAccount: testAddr(0x03),
		admin:      testAddr(0x04),
		treasury:   testAddr(0x05),
	}
	f.engine = NewEngine()
	f.engine.SetState(f.state)
	f.engine.SetRoles(&mockRoles{
		dao:   map[[20]byte]bool{f.daoAccount: true},
		admin: map[[20]byte]bool{f.admin: true},
	})
	f.engine.SetArbitrator(f.arbitrator)
	f.engine.SetCertifier(f.certifier)
	f.engine.SetFeeTreasury(f.treasury)
	f.engine.SetEmitter(f.emitter)
	f.engine.SetNowFunc(func() int64 { return 1700000000 })
	return f
}

func (f *fixture) createFunded(t *testing.T, amount int64) *Project {
	t.Helper()
	f.state.fund(f.client, "USDC", amount)
	project, err := f.engine.Create(f.client, f.freelancer, "USDC", big.NewInt(amount), testNonce(0x11))
	require.NoError(t, err)
	require.NoError(t, f.engine.Fund(project.ID, f.client))
	return project
}

func (f *fixture) createDelivered(t *testing.T, amount int64) *Project {
	t.Helper()
	project := f.createFunded(t, amount)
	require.NoError(t, f.engine.MarkDelivered(project.ID, f.freelancer))
	return project
}

func TestApproveReleasesWithFee(t *testing.T) {
	f := newFixture(t)
	project := f.createDelivered(t, 1000)

	require.NoError(t, f.engine.Approve(project.ID, f.client))

	require.Equal(t, big.NewInt(950), f.state.balance(f.freelancer, "USDC"))
	require.Equal(t, big.NewInt(50), f.state.balance(f.treasury, "USDC"))
	require.Equal(t, big.NewInt(0), f.state.balance(f.client, "USDC"))

	stored, err := f.engine.Get(project.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, stored.Status)
	require.Equal(t, f.freelancer, f.certifier.minted[project.ID])

	held, err := f.state.EscrowBalance(project.ID, "USDC")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(0), held)
}

func TestApproveIsNotRepeatable(t *testing.T) {
	f := newFixture(t)
	project := f.createDelivered(t, 1000)
	require.NoError(t, f.engine.Approve(project.ID, f.client))

	before := f.state.balance(f.freelancer, "USDC")
	require.ErrorIs(t, f.engine.Approve(project.ID, f.client), ErrInvalidState)
	require.Equal(t, before, f.state.balance(f.freelancer, "USDC"))
	require.Len(t, f.certifier.minted, 1)
}

func TestApproveRequiresClient(t *testing.T) {
	f := newFixture(t)
	project := f.createDelivered(t, 1000)
	require.ErrorIs(t, f.engine.Approve(project.ID, f.freelancer), roles.ErrUnauthorized)
}

func TestFeeRoundsDown(t *testing.T) {
	f := newFixture(t)
	project := f.createDelivered(t, 999)

	require.NoError(t, f.engine.Approve(project.ID, f.client))
	// 999 * 500 / 10000 = 49.95, truncated to 49.
	require.Equal(t, big.NewInt(49), f.state.balance(f.treasury, "USDC"))
	require.Equal(t, big.NewInt(950), f.state.balance(f.freelancer, "USDC"))
}

func TestConservationOnSettlement(t *testing.T) {
	f := newFixture(t)
	for i, amount := range []int64{1, 3, 100, 999, 12345} {
		f.state.fund(f.client, "USDC", amount)
		project, err := f.engine.Create(f.client, f.freelancer, "USDC", big.NewInt(amount), testNonce(byte(0x20+i)))
		require.NoError(t, err)
		require.NoError(t, f.engine.Fund(project.ID, f.client))
		require.NoError(t, f.engine.MarkDelivered(project.ID, f.freelancer))

		freelancerBefore := f.state.balance(f.freelancer, "USDC")
		treasuryBefore := f.state.balance(f.treasury, "USDC")
		require.NoError(t, f.engine.Approve(project.ID, f.client))

		paid := new(big.Int).Sub(f.state.balance(f.freelancer, "USDC"), freelancerBefore)
		fee := new(big.Int).Sub(f.state.balance(f.treasury, "USDC"), treasuryBefore)
		require.Equal(t, big.NewInt(amount), new(big.Int).Add(paid, fee), "payout + fee must equal amount")
	}
}

func TestCreateRejectsUnsupportedToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Create(f.client, f.freelancer, "DOGE", big.NewInt(100), testNonce(0x11))
	require.ErrorIs(t, err, ErrUnsupportedToken)
}

func TestCreateRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Create(f.client, f.freelancer, "USDC", big.NewInt(0), testNonce(0x11))
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.engine.Create(f.client, f.freelancer, "USDC", nil, testNonce(0x11))
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestFundChecksSupportAtFundingTime(t *testing.T) {
	f := newFixture(t)
	f.state.fund(f.client, "USDC", 100)
	project, err := f.engine.Create(f.client, f.freelancer, "USDC", big.NewInt(100), testNonce(0x11))
	require.NoError(t, err)

	// Token withdrawn from the supported set between create and fund.
	require.NoError(t, f.engine.RemoveSupportedToken(f.admin, "USDC"))
	require.ErrorIs(t, f.engine.Fund(project.ID, f.client), ErrUnsupportedToken)

	stored, err := f.engine.Get(project.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCreated, stored.Status)
	require.Equal(t, big.NewInt(100), f.state.balance(f.client, "USDC"))
}

func TestFundFailsWithoutBalance(t *testing.T) {
	f := newFixture(t)
	project, err := f.engine.Create(f.client, f.freelancer, "USDC", big.NewInt(100), testNonce(0x11))
	require.NoError(t, err)

	err = f.engine.Fund(project.ID, f.client)
	require.ErrorIs(t, err, ErrTransferFailed)

	stored, err := f.engine.Get(project.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCreated, stored.Status)
	held, err := f.state.EscrowBalance(project.ID, "USDC")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(0), held)
}

func TestFundRequiresClient(t *testing.T) {
	f := newFixture(t)
	f.state.fund(f.freelancer, "USDC", 100)
	project, err := f.engine.Create(f.client, f.freelancer, "USDC", big.NewInt(100), testNonce(0x11))
	require.NoError(t, err)
	require.ErrorIs(t, f.engine.Fund(project.ID, f.freelancer), roles.ErrUnauthorized)
}

func TestMarkDeliveredGuards(t *testing.T) {
	f := newFixture(t)
	project := f.createFunded(t, 100)

	require.ErrorIs(t, f.engine.MarkDelivered(project.ID, f.client), roles.ErrUnauthorized)
	require.NoError(t, f.engine.MarkDelivered(project.ID, f.freelancer))
	require.ErrorIs(t, f.engine.MarkDelivered(project.ID, f.freelancer), ErrInvalidState)

	stored, err := f.engine.Get(project.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1700000000), stored.DeliveredAt)
}

func TestDisputeOnlyAfterDelivery(t *testing.T) {
	f := newFixture(t)
	project := f.createFunded(t, 100)

	_, err := f.engine.RaiseDispute(project.ID, f.client)
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, f.engine.MarkDelivered(project.ID, f.freelancer))
	disputeID, err := f.engine.RaiseDispute(project.ID, f.freelancer)
	require.NoError(t, err)
	require.Equal(t, uint64(1), disputeID)

	stored, err := f.engine.Get(project.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDisputed, stored.Status)
	require.Equal(t, disputeID, stored.DisputeID)

	// Approval is no longer possible once disputed.
	require.ErrorIs(t, f.engine.Approve(project.ID, f.client), ErrInvalidState)
}

func TestDisputeRequiresParty(t *testing.T) {
	f := newFixture(t)
	project := f.createDelivered(t, 100)
	_, err := f.engine.RaiseDispute(project.ID, testAddr(0x77))
	require.ErrorIs(t, err, roles.ErrUnauthorized)
}

func TestDisputeAbortsWhenArbitrationFails(t *testing.T) {
	f := newFixture(t)
	project := f.createDelivered(t, 100)
	f.arbitrator.err = fmt.Errorf("arbitration offline")

	_, err := f.engine.RaiseDispute(project.ID, f.client)
	require.Error(t, err)

	stored, err := f.engine.Get(project.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, stored.Status)
}

func TestResolveFreelancerWins(t *testing.T) {
	f := newFixture(t)
	project := f.createDelivered(t, 500)
	_, err := f.engine.RaiseDispute(project.ID, f.freelancer)
	require.NoError(t, err)

	require.NoError(t, f.engine.Resolve(project.ID, f.daoAccount, OutcomeFreelancerWins))

	require.Equal(t, big.NewInt(475), f.state.balance(f.freelancer, "USDC"))
	require.Equal(t, big.NewInt(25), f.state.balance(f.treasury, "USDC"))
	require.Equal(t, f.freelancer, f.certifier.minted[project.ID])

	stored, err := f.engine.Get(project.ID)
	require.NoError(t, err)
	require.Equal(t, StatusResolved, stored.Status)
}

func TestResolveClientWins(t *testing.T) {
	f := newFixture(t)
	project := f.createDelivered(t, 500)
	_, err := f.engine.RaiseDispute(project.ID, f.client)
	require.NoError(t, err)

	require.NoError(t, f.engine.Resolve(project.ID, f.daoAccount, OutcomeClientWins))

	require.Equal(t, big.NewInt(475), f.state.balance(f.client, "USDC"))
	require.Equal(t, big.NewInt(25), f.state.balance(f.treasury, "USDC"))
	require.Equal(t, big.NewInt(0), f.state.balance(f.freelancer, "USDC"))
	require.Empty(t, f.certifier.minted, "no certificate on client-favorable outcome")
}

func TestResolveRequiresDAORole(t *testing.T) {
	f := newFixture(t)
	project := f.createDelivered(t, 500)
	_, err := f.engine.RaiseDispute(project.ID, f.client)
	require.NoError(t, err)

	require.ErrorIs(t, f.engine.Resolve(project.ID, f.client, OutcomeClientWins), roles.ErrUnauthorized)
	require.ErrorIs(t, f.engine.Resolve(project.ID, f.admin, OutcomeClientWins), roles.ErrUnauthorized)
}

func TestResolveIsNotRepeatable(t *testing.T) {
	f := newFixture(t)
	project := f.createDelivered(t, 500)
	_, err := f.engine.RaiseDispute(project.ID, f.client)
	require.NoError(t, err)
	require.NoError(t, f.engine.Resolve(project.ID, f.daoAccount, OutcomeFreelancerWins))

	before := f.state.balance(f.freelancer, "USDC")
	require.ErrorIs(t, f.engine.Resolve(project.ID, f.daoAccount, OutcomeFreelancerWins), ErrInvalidState)
	require.Equal(t, before, f.state.balance(f.freelancer, "USDC"))
}

func TestResolveRejectsUndecidedOutcome(t *testing.T) {
	f := newFixture(t)
	project := f.createDelivered(t, 500)
	_, err := f.engine.RaiseDispute(project.ID, f.client)
	require.NoError(t, err)
	require.Error(t, f.engine.Resolve(project.ID, f.daoAccount, OutcomeUnspecified))
}

func TestCreateIdempotency(t *testing.T) {
	f := newFixture(t)
	first, err := f.engine.Create(f.client, f.freelancer, "USDC", big.NewInt(100), testNonce(0x11))
	require.NoError(t, err)

	same, err := f.engine.Create(f.client, f.freelancer, "USDC", big.NewInt(100), testNonce(0x11))
	require.NoError(t, err)
	require.Equal(t, first.ID, same.ID)

	_, err = f.engine.Create(f.client, f.freelancer, "USDC", big.NewInt(200), testNonce(0x11))
	require.Error(t, err)
}

func TestSupportedTokenAdminOnly(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.engine.AddSupportedToken(f.client, "DAI"), roles.ErrUnauthorized)
	require.NoError(t, f.engine.AddSupportedToken(f.admin, "dai"))
	supported, err := f.state.TokenSupported("DAI")
	require.NoError(t, err)
	require.True(t, supported)
}

func TestEventSequence(t *testing.T) {
	f := newFixture(t)
	project := f.createDelivered(t, 1000)
	require.NoError(t, f.engine.Approve(project.ID, f.client))

	require.Equal(t, []string{
		EventTypeCreated,
		EventTypeFunded,
		EventTypeDelivered,
		EventTypeReleased,
	}, f.emitter.types)
}
