package dao

import (
	"math/big"
	"time"

	"fariima/native/escrow"
)

// DisputeStatus tracks an arbitration case from opening to its decided end.
type DisputeStatus uint8

const (
	DisputeOpen DisputeStatus = iota
	DisputeFinalized
)

// String implements fmt.Stringer.
func (s DisputeStatus) String() string {
	switch s {
	case DisputeOpen:
		return "open"
	case DisputeFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Juror is a selected voter together with the stake weight snapshotted at
// selection time. The snapshot makes the later tally independent of stake
// movements during the voting window.
type Juror struct {
	Address [20]byte `json:"address"`
	Weight  *big.Int `json:"weight"`
}

// Clone returns a copy with an independent weight value.
func (j Juror) Clone() Juror {
	clone := Juror{Address: j.Address}
	if j.Weight != nil {
		clone.Weight = new(big.Int).Set(j.Weight)
	} else {
		clone.Weight = big.NewInt(0)
	}
	return clone
}

// Dispute is the arbitration record for a disputed project. The juror set is
// fixed for the dispute's lifetime and each juror may vote at most once;
// later votes are rejected, never overwritten. Seed records the entropy used
// for juror selection so the sample is auditable after the fact.
type Dispute struct {
	ID        uint64                    `json:"id"`
	ProjectID [32]byte                  `json:"projectId"`
	Claimant  [20]byte                  `json:"claimant"`
	Jurors    []Juror                   `json:"jurors"`
	Votes     map[string]escrow.Outcome `json:"votes"`
	Seed      [32]byte                  `json:"seed"`
	Deadline  int64                     `json:"deadline"`
	CreatedAt int64                     `json:"createdAt"`
	Status    DisputeStatus             `json:"status"`
	Outcome   escrow.Outcome            `json:"outcome,omitempty"`
}

// Clone returns a deep copy safe for callers to hold.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Jurors = make([]Juror, len(d.Jurors))
	for i, juror := range d.Jurors {
		clone.Jurors[i] = juror.Clone()
	}
	clone.Votes = make(map[string]escrow.Outcome, len(d.Votes))
	for voter, choice := range d.Votes {
		clone.Votes[voter] = choice
	}
	return &clone
}

// ProposalStatus enumerates the governance proposal lifecycle.
type ProposalStatus uint8

const (
	ProposalVotingPeriod ProposalStatus = iota
	ProposalPassed
	ProposalRejected
	ProposalExecuted
)

// String implements fmt.Stringer.
func (s ProposalStatus) String() string {
	switch s {
	case ProposalVotingPeriod:
		return "voting_period"
	case ProposalPassed:
		return "passed"
	case ProposalRejected:
		return "rejected"
	case ProposalExecuted:
		return "executed"
	default:
		return "unknown"
	}
}

// ProposalKindParamUpdate is the only proposal kind currently executable.
const ProposalKindParamUpdate = "param.update"

// Proposal captures a platform-governance question put to token holders.
type Proposal struct {
	ID          uint64         `json:"id"`
	Submitter   [20]byte       `json:"submitter"`
	Kind        string         `json:"kind"`
	Payload     string         `json:"payload"`
	Status      ProposalStatus `json:"status"`
	SubmitTime  time.Time      `json:"submitTime"`
	VotingStart time.Time      `json:"votingStart"`
	VotingEnd   time.Time      `json:"votingEnd"`
}

// Clone returns a copy of the proposal.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// ProposalVote is a single stake-weighted governance ballot. Unlike dispute
// votes, the latest submission per voter replaces any earlier one.
type ProposalVote struct {
	ProposalID uint64    `json:"proposalId"`
	Voter      [20]byte  `json:"voter"`
	Choice     Ballot    `json:"choice"`
	Weight     *big.Int  `json:"weight"`
	Timestamp  time.Time `json:"timestamp"`
}

// Clone returns a copy with an independent weight value.
func (v *ProposalVote) Clone() *ProposalVote {
	if v == nil {
		return nil
	}
	clone := *v
	if v.Weight != nil {
		clone.Weight = new(big.Int).Set(v.Weight)
	} else {
		clone.Weight = big.NewInt(0)
	}
	return &clone
}
