package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"fariima/core/types"
	"fariima/native/certificate"
	"fariima/native/dao"
	"fariima/native/escrow"
	"fariima/storage"
)

// Manager is the single state backend behind every settlement engine. Each
// engine sees only its own narrow interface; the manager maps all of them onto
// one key-value database so an operation staged in a storage overlay commits
// or discards as a unit.
//
// Records are stored as JSON. The engines never hash state, so a canonical
// binary encoding buys nothing here; JSON keeps the stored records inspectable
// with standard tooling.
type Manager struct {
	db storage.Database
}

// NewManager wraps the given database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Key prefixes. Every record lives under a module namespace so backends can
// be inspected or migrated per concern.
const (
	prefixAccount        = "acct/"
	prefixRole           = "role/"
	prefixTokenSupported = "token/supported/"
	prefixPayment        = "pay/"
	prefixEscrowProject  = "escrow/proj/"
	prefixEscrowVault    = "escrow/vault/"
	prefixCertToken      = "cert/token/"
	prefixCertProject    = "cert/project/"
	prefixDispute        = "dispute/"
	prefixProposal       = "proposal/"
	prefixProposalVote   = "propvote/"
	prefixProposalVoters = "propvoters/"
	prefixParam          = "params/"
	prefixEvent          = "events/"
	prefixSeq            = "seq/"

	keyTokenSupply = "token/supply"
	keyStakers     = "stakers"
)

// ModuleAddress derives the deterministic account address of a named module,
// such as the escrow vault or the DAO treasury. Module addresses have no
// signing key; only engine code can move funds held by them.
func ModuleAddress(name string) [20]byte {
	digest := ethcrypto.Keccak256([]byte("fariima/module/" + name))
	var addr [20]byte
	copy(addr[:], digest[12:])
	return addr
}

func (m *Manager) getJSON(key []byte, out interface{}) (bool, error) {
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

func (m *Manager) putJSON(key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return m.db.Put(key, raw)
}

func (m *Manager) getBig(key []byte) (*big.Int, error) {
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("state: corrupt amount under %q", key)
	}
	return value, nil
}

func (m *Manager) putBig(key []byte, value *big.Int) error {
	if value == nil {
		value = big.NewInt(0)
	}
	if value.Sign() == 0 {
		return m.db.Put(key, []byte("0"))
	}
	return m.db.Put(key, []byte(value.String()))
}

// nextSeq increments and returns the named counter. The first issued value is
// 1; zero is reserved as "none".
func (m *Manager) nextSeq(name string) (uint64, error) {
	key := []byte(prefixSeq + name)
	current, err := m.readSeq(name)
	if err != nil {
		return 0, err
	}
	next := current + 1
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := m.db.Put(key, buf[:]); err != nil {
		return 0, err
	}
	return next, nil
}

func (m *Manager) readSeq(name string) (uint64, error) {
	raw, err := m.db.Get([]byte(prefixSeq + name))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("state: corrupt sequence %q", name)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func accountKey(addr [20]byte) []byte {
	return append([]byte(prefixAccount), addr[:]...)
}

// GetAccount loads the FARI account for addr; missing accounts come back
// zeroed, never nil.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	account := &types.Account{}
	if _, err := m.getJSON(accountKey(addr), account); err != nil {
		return nil, err
	}
	return account.Normalize(), nil
}

// PutAccount stores the account and keeps the staker index in sync: addresses
// with positive staked weight are candidates for juror selection.
func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	account = account.Normalize()
	if err := m.putJSON(accountKey(addr), account); err != nil {
		return err
	}
	return m.updateStakerIndex(addr, account.Staked.Sign() > 0)
}

func (m *Manager) stakerIndex() ([][20]byte, error) {
	var stakers [][20]byte
	if _, err := m.getJSON([]byte(keyStakers), &stakers); err != nil {
		return nil, err
	}
	return stakers, nil
}

func (m *Manager) updateStakerIndex(addr [20]byte, staking bool) error {
	stakers, err := m.stakerIndex()
	if err != nil {
		return err
	}
	found := -1
	for i, s := range stakers {
		if s == addr {
			found = i
			break
		}
	}
	switch {
	case staking && found < 0:
		stakers = append(stakers, addr)
	case !staking && found >= 0:
		stakers = append(stakers[:found], stakers[found+1:]...)
	default:
		return nil
	}
	return m.putJSON([]byte(keyStakers), stakers)
}

// StakedAccounts returns every address with positive staked weight, the
// candidate pool for juror selection.
func (m *Manager) StakedAccounts() ([]dao.Staker, error) {
	index, err := m.stakerIndex()
	if err != nil {
		return nil, err
	}
	stakers := make([]dao.Staker, 0, len(index))
	for _, addr := range index {
		account, err := m.GetAccount(addr)
		if err != nil {
			return nil, err
		}
		if account.Staked.Sign() <= 0 {
			continue
		}
		stakers = append(stakers, dao.Staker{Address: addr, Weight: account.Staked})
	}
	return stakers, nil
}

// StakedWeight returns the staked balance of addr.
func (m *Manager) StakedWeight(addr [20]byte) (*big.Int, error) {
	account, err := m.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return account.Staked, nil
}

// TotalStaked sums the staked weight across all stakers, the quorum
// denominator for governance.
func (m *Manager) TotalStaked() (*big.Int, error) {
	stakers, err := m.StakedAccounts()
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, s := range stakers {
		total.Add(total, s.Weight)
	}
	return total, nil
}

// TokenSupply returns the total minted FARI supply.
func (m *Manager) TokenSupply() (*big.Int, error) {
	return m.getBig([]byte(keyTokenSupply))
}

// SetTokenSupply stores the total minted FARI supply.
func (m *Manager) SetTokenSupply(supply *big.Int) error {
	return m.putBig([]byte(keyTokenSupply), supply)
}

func roleKey(role string) []byte {
	return []byte(prefixRole + role)
}

func (m *Manager) roleMembers(role string) ([][20]byte, error) {
	var members [][20]byte
	if _, err := m.getJSON(roleKey(role), &members); err != nil {
		return nil, err
	}
	return members, nil
}

// RoleSet adds addr to the role's member set.
func (m *Manager) RoleSet(role string, addr [20]byte) error {
	members, err := m.roleMembers(role)
	if err != nil {
		return err
	}
	for _, member := range members {
		if member == addr {
			return nil
		}
	}
	return m.putJSON(roleKey(role), append(members, addr))
}

// RoleUnset removes addr from the role's member set.
func (m *Manager) RoleUnset(role string, addr [20]byte) error {
	members, err := m.roleMembers(role)
	if err != nil {
		return err
	}
	for i, member := range members {
		if member == addr {
			return m.putJSON(roleKey(role), append(members[:i], members[i+1:]...))
		}
	}
	return nil
}

// RoleHas reports whether addr is in the role's member set.
func (m *Manager) RoleHas(role string, addr [20]byte) (bool, error) {
	members, err := m.roleMembers(role)
	if err != nil {
		return false, err
	}
	for _, member := range members {
		if member == addr {
			return true, nil
		}
	}
	return false, nil
}

// RoleMembers lists the role's member set.
func (m *Manager) RoleMembers(role string) ([][20]byte, error) {
	return m.roleMembers(role)
}

func supportedTokenKey(symbol string) []byte {
	return []byte(prefixTokenSupported + symbol)
}

// TokenSupported reports whether the payment token is accepted for new
// escrows.
func (m *Manager) TokenSupported(symbol string) (bool, error) {
	return m.db.Has(supportedTokenKey(symbol))
}

// TokenSetSupported adds or removes a payment token from the supported set.
func (m *Manager) TokenSetSupported(symbol string, supported bool) error {
	if supported {
		return m.db.Put(supportedTokenKey(symbol), []byte{1})
	}
	return m.db.Delete(supportedTokenKey(symbol))
}

func paymentKey(addr [20]byte, symbol string) []byte {
	key := []byte(prefixPayment + symbol + "/")
	return append(key, addr[:]...)
}

// PaymentBalance returns addr's balance in the given payment token.
func (m *Manager) PaymentBalance(addr [20]byte, symbol string) (*big.Int, error) {
	return m.getBig(paymentKey(addr, symbol))
}

// SetPaymentBalance stores addr's balance in the given payment token.
func (m *Manager) SetPaymentBalance(addr [20]byte, symbol string, amount *big.Int) error {
	return m.putBig(paymentKey(addr, symbol), amount)
}

func escrowProjectKey(id [32]byte) []byte {
	return append([]byte(prefixEscrowProject), id[:]...)
}

func escrowVaultKey(id [32]byte, token string) []byte {
	key := append([]byte(prefixEscrowVault), id[:]...)
	return append(key, []byte("/"+token)...)
}

// EscrowPut stores a sanitized copy of the project record.
func (m *Manager) EscrowPut(p *escrow.Project) error {
	sanitized, err := escrow.SanitizeProject(p)
	if err != nil {
		return err
	}
	return m.putJSON(escrowProjectKey(sanitized.ID), sanitized)
}

// EscrowGet loads a project record by id.
func (m *Manager) EscrowGet(id [32]byte) (*escrow.Project, bool, error) {
	project := &escrow.Project{}
	ok, err := m.getJSON(escrowProjectKey(id), project)
	if err != nil || !ok {
		return nil, false, err
	}
	return project, true, nil
}

// EscrowCredit increases the custody balance held for the project.
func (m *Manager) EscrowCredit(id [32]byte, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return escrow.ErrInvalidAmount
	}
	held, err := m.getBig(escrowVaultKey(id, token))
	if err != nil {
		return err
	}
	return m.putBig(escrowVaultKey(id, token), new(big.Int).Add(held, amount))
}

// EscrowDebit decreases the custody balance held for the project. Draining
// below zero is refused.
func (m *Manager) EscrowDebit(id [32]byte, token string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return escrow.ErrInvalidAmount
	}
	held, err := m.getBig(escrowVaultKey(id, token))
	if err != nil {
		return err
	}
	if held.Cmp(amount) < 0 {
		return fmt.Errorf("%w: custody balance below debit", escrow.ErrTransferFailed)
	}
	return m.putBig(escrowVaultKey(id, token), new(big.Int).Sub(held, amount))
}

// EscrowBalance returns the custody balance held for the project.
func (m *Manager) EscrowBalance(id [32]byte, token string) (*big.Int, error) {
	return m.getBig(escrowVaultKey(id, token))
}

// EscrowVaultAddress returns the module account holding custody for the given
// payment token.
func (m *Manager) EscrowVaultAddress(token string) ([20]byte, error) {
	return ModuleAddress("escrow/vault/" + token), nil
}

// ProjectParties returns the client and freelancer of the project, for juror
// exclusion.
func (m *Manager) ProjectParties(id [32]byte) ([20]byte, [20]byte, error) {
	project, ok, err := m.EscrowGet(id)
	if err != nil {
		return [20]byte{}, [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, [20]byte{}, escrow.ErrNotFound
	}
	return project.Client, project.Freelancer, nil
}

func certTokenKey(tokenID uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], tokenID)
	return append([]byte(prefixCertToken), buf[:]...)
}

func certProjectKey(projectID [32]byte) []byte {
	return append([]byte(prefixCertProject), projectID[:]...)
}

// CertificatePut stores the certificate under both its token id and its
// project id.
func (m *Manager) CertificatePut(cert *certificate.Certificate) error {
	if cert == nil {
		return fmt.Errorf("state: nil certificate")
	}
	if err := m.putJSON(certTokenKey(cert.TokenID), cert); err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], cert.TokenID)
	return m.db.Put(certProjectKey(cert.ProjectID), buf[:])
}

// CertificateGet loads a certificate by token id.
func (m *Manager) CertificateGet(tokenID uint64) (*certificate.Certificate, bool, error) {
	cert := &certificate.Certificate{}
	ok, err := m.getJSON(certTokenKey(tokenID), cert)
	if err != nil || !ok {
		return nil, false, err
	}
	return cert, true, nil
}

// CertificateByProject resolves the certificate minted for a project, if any.
func (m *Manager) CertificateByProject(projectID [32]byte) (*certificate.Certificate, bool, error) {
	raw, err := m.db.Get(certProjectKey(projectID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(raw) != 8 {
		return nil, false, fmt.Errorf("state: corrupt certificate index for project %x", projectID)
	}
	return m.CertificateGet(binary.BigEndian.Uint64(raw))
}

// CertificateNextTokenID issues the next certificate token id.
func (m *Manager) CertificateNextTokenID() (uint64, error) {
	return m.nextSeq("certificate")
}

func disputeKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append([]byte(prefixDispute), buf[:]...)
}

// DisputeNextID issues the next dispute id.
func (m *Manager) DisputeNextID() (uint64, error) {
	return m.nextSeq("dispute")
}

// DisputePut stores the dispute record.
func (m *Manager) DisputePut(d *dao.Dispute) error {
	if d == nil {
		return fmt.Errorf("state: nil dispute")
	}
	return m.putJSON(disputeKey(d.ID), d)
}

// DisputeGet loads a dispute record by id.
func (m *Manager) DisputeGet(id uint64) (*dao.Dispute, bool, error) {
	dispute := &dao.Dispute{}
	ok, err := m.getJSON(disputeKey(id), dispute)
	if err != nil || !ok {
		return nil, false, err
	}
	return dispute, true, nil
}

func proposalKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append([]byte(prefixProposal), buf[:]...)
}

func proposalVoteKey(id uint64, voter [20]byte) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	key := append([]byte(prefixProposalVote), buf[:]...)
	return append(key, voter[:]...)
}

func proposalVotersKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append([]byte(prefixProposalVoters), buf[:]...)
}

// ProposalNextID issues the next proposal id.
func (m *Manager) ProposalNextID() (uint64, error) {
	return m.nextSeq("proposal")
}

// ProposalPut stores the proposal record.
func (m *Manager) ProposalPut(p *dao.Proposal) error {
	if p == nil {
		return fmt.Errorf("state: nil proposal")
	}
	return m.putJSON(proposalKey(p.ID), p)
}

// ProposalGet loads a proposal record by id.
func (m *Manager) ProposalGet(id uint64) (*dao.Proposal, bool, error) {
	proposal := &dao.Proposal{}
	ok, err := m.getJSON(proposalKey(id), proposal)
	if err != nil || !ok {
		return nil, false, err
	}
	return proposal, true, nil
}

// ProposalVotePut stores the voter's ballot, replacing any earlier one, and
// records the voter in the proposal's voter index.
func (m *Manager) ProposalVotePut(v *dao.ProposalVote) error {
	if v == nil {
		return fmt.Errorf("state: nil proposal vote")
	}
	if err := m.putJSON(proposalVoteKey(v.ProposalID, v.Voter), v); err != nil {
		return err
	}
	var voters [][20]byte
	if _, err := m.getJSON(proposalVotersKey(v.ProposalID), &voters); err != nil {
		return err
	}
	for _, voter := range voters {
		if voter == v.Voter {
			return nil
		}
	}
	return m.putJSON(proposalVotersKey(v.ProposalID), append(voters, v.Voter))
}

// ProposalVotes lists the current ballots on the proposal, one per voter.
func (m *Manager) ProposalVotes(id uint64) ([]*dao.ProposalVote, error) {
	var voters [][20]byte
	if _, err := m.getJSON(proposalVotersKey(id), &voters); err != nil {
		return nil, err
	}
	votes := make([]*dao.ProposalVote, 0, len(voters))
	for _, voter := range voters {
		vote := &dao.ProposalVote{}
		ok, err := m.getJSON(proposalVoteKey(id, voter), vote)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		votes = append(votes, vote)
	}
	return votes, nil
}

// ParamSet stores a governance-controlled parameter value.
func (m *Manager) ParamSet(name, value string) error {
	return m.db.Put([]byte(prefixParam+name), []byte(value))
}

// ParamGet reads a governance-controlled parameter value.
func (m *Manager) ParamGet(name string) (string, bool, error) {
	raw, err := m.db.Get([]byte(prefixParam + name))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(raw), true, nil
}

// EventRecord is one entry of the sequenced event log consumed by the RPC
// layer and the notification gateway.
type EventRecord struct {
	Seq        uint64            `json:"seq"`
	Timestamp  int64             `json:"timestamp"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func eventKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append([]byte(prefixEvent), buf[:]...)
}

// AppendEvent assigns the next sequence number to the event and stores it.
func (m *Manager) AppendEvent(evt *types.Event, timestamp int64) (uint64, error) {
	if evt == nil {
		return 0, fmt.Errorf("state: nil event")
	}
	seq, err := m.nextSeq("event")
	if err != nil {
		return 0, err
	}
	record := EventRecord{
		Seq:        seq,
		Timestamp:  timestamp,
		Type:       evt.Type,
		Attributes: evt.Attributes,
	}
	return seq, m.putJSON(eventKey(seq), &record)
}

// LatestEventSeq returns the sequence number of the newest stored event, zero
// when the log is empty.
func (m *Manager) LatestEventSeq() (uint64, error) {
	return m.readSeq("event")
}

// Events returns up to limit events with sequence numbers strictly greater
// than after, in order.
func (m *Manager) Events(after uint64, limit int) ([]EventRecord, error) {
	latest, err := m.LatestEventSeq()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	records := make([]EventRecord, 0, limit)
	for seq := after + 1; seq <= latest && len(records) < limit; seq++ {
		record := EventRecord{}
		ok, err := m.getJSON(eventKey(seq), &record)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}
