package dao

import (
	"math/big"
	"strings"
)

// Ballot is the normalised voting selection shared by governance proposals
// and dispute arbitration. Dispute choices map onto it (freelancer-favorable
// = yes, client-favorable = no) so both paths run through one tally.
type Ballot string

const (
	BallotYes     Ballot = "yes"
	BallotNo      Ballot = "no"
	BallotAbstain Ballot = "abstain"
)

// Valid reports whether the ballot is a supported selection.
func (b Ballot) Valid() bool {
	switch b {
	case BallotYes, BallotNo, BallotAbstain:
		return true
	default:
		return false
	}
}

// ParseBallot normalises a textual ballot selection.
func ParseBallot(raw string) (Ballot, bool) {
	ballot := Ballot(strings.ToLower(strings.TrimSpace(raw)))
	return ballot, ballot.Valid()
}

// Tally accumulates stake-weighted ballots. It is the single vote-counting
// primitive used by both dispute finalization and proposal finalization.
type Tally struct {
	Yes     *big.Int
	No      *big.Int
	Abstain *big.Int
	Ballots uint64
}

// NewTally returns an empty tally.
func NewTally() *Tally {
	return &Tally{Yes: big.NewInt(0), No: big.NewInt(0), Abstain: big.NewInt(0)}
}

// Add records one weighted ballot. Nil weights count as zero.
func (t *Tally) Add(choice Ballot, weight *big.Int) {
	if t == nil || !choice.Valid() {
		return
	}
	w := big.NewInt(0)
	if weight != nil && weight.Sign() > 0 {
		w = weight
	}
	switch choice {
	case BallotYes:
		t.Yes = new(big.Int).Add(t.Yes, w)
	case BallotNo:
		t.No = new(big.Int).Add(t.No, w)
	case BallotAbstain:
		t.Abstain = new(big.Int).Add(t.Abstain, w)
	}
	t.Ballots++
}

// Turnout is the total weight that participated, abstentions included.
func (t *Tally) Turnout() *big.Int {
	turnout := new(big.Int).Add(t.Yes, t.No)
	return turnout.Add(turnout, t.Abstain)
}

// Majority reports the leading side among yes/no. Equal weights (including a
// completely empty tally) report tie=true so callers can apply their
// configured tie policy deterministically.
func (t *Tally) Majority() (yesLeads bool, tie bool) {
	switch t.Yes.Cmp(t.No) {
	case 1:
		return true, false
	case -1:
		return false, false
	default:
		return false, true
	}
}

// YesRatioBps returns yes/(yes+no) in basis points; zero when nobody picked a
// side.
func (t *Tally) YesRatioBps() uint64 {
	denom := new(big.Int).Add(t.Yes, t.No)
	if denom.Sign() == 0 {
		return 0
	}
	ratio := new(big.Int).Mul(t.Yes, big.NewInt(10_000))
	return ratio.Div(ratio, denom).Uint64()
}
