package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Status tracks the lifecycle of a project escrow. Released and Resolved are
// terminal; a record in a terminal state accepts no further writes.
type Status uint8

const (
	StatusCreated Status = iota
	StatusFunded
	StatusDelivered
	StatusDisputed
	StatusReleased
	StatusResolved
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusFunded, StatusDelivered, StatusDisputed, StatusReleased, StatusResolved:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusResolved
}

// String implements fmt.Stringer for logs and event emission.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusFunded:
		return "funded"
	case StatusDelivered:
		return "delivered"
	case StatusDisputed:
		return "disputed"
	case StatusReleased:
		return "released"
	case StatusResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Outcome is the final disposition of a disputed escrow as decided by the DAO.
type Outcome string

const (
	OutcomeUnspecified    Outcome = ""
	OutcomeFreelancerWins Outcome = "freelancer_wins"
	OutcomeClientWins     Outcome = "client_wins"
)

// Valid reports whether the outcome represents a decided disposition.
func (o Outcome) Valid() bool {
	return o == OutcomeFreelancerWins || o == OutcomeClientWins
}

// String implements fmt.Stringer.
func (o Outcome) String() string { return string(o) }

// ParseOutcome normalises a textual outcome.
func ParseOutcome(raw string) (Outcome, error) {
	switch Outcome(strings.ToLower(strings.TrimSpace(raw))) {
	case OutcomeFreelancerWins:
		return OutcomeFreelancerWins, nil
	case OutcomeClientWins:
		return OutcomeClientWins, nil
	default:
		return OutcomeUnspecified, fmt.Errorf("escrow: invalid outcome %q", raw)
	}
}

// Project is the per-engagement escrow record. The identifier is the keccak256
// hash of client, freelancer and a caller-supplied nonce, so ids are
// deterministic without storing the nonce. Client, freelancer, token and
// amount are immutable once funds are locked.
type Project struct {
	ID          [32]byte `json:"id"`
	Client      [20]byte `json:"client"`
	Freelancer  [20]byte `json:"freelancer"`
	Token       string   `json:"token"`
	Amount      *big.Int `json:"amount"`
	FeeBps      uint32   `json:"feeBps"`
	Status      Status   `json:"status"`
	DisputeID   uint64   `json:"disputeId,omitempty"`
	CreatedAt   int64    `json:"createdAt"`
	DeliveredAt int64    `json:"deliveredAt,omitempty"`
}

// Clone returns a deep copy so callers can mutate safely.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Amount != nil {
		clone.Amount = new(big.Int).Set(p.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// NormalizeToken canonicalises a payment-token symbol. Membership in the
// supported set is checked separately against state.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", ErrUnsupportedToken
	}
	return trimmed, nil
}

// SanitizeProject validates and normalises the record, returning a clone with
// canonical token casing and a non-nil amount. The original is not mutated.
func SanitizeProject(p *Project) (*Project, error) {
	if p == nil {
		return nil, errors.New("escrow: nil project")
	}
	clone := p.Clone()
	token, err := NormalizeToken(clone.Token)
	if err != nil {
		return nil, err
	}
	clone.Token = token
	if clone.Amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if clone.FeeBps > 10_000 {
		return nil, fmt.Errorf("escrow: fee bps out of range: %d", clone.FeeBps)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow: invalid status: %d", clone.Status)
	}
	return clone, nil
}
