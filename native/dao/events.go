package dao

import (
	"encoding/hex"
	"strconv"

	"fariima/core/types"
	"fariima/native/escrow"
)

const (
	EventTypeDisputeOpened     = "dispute.opened"
	EventTypeDisputeVoted      = "dispute.voted"
	EventTypeDisputeFinalized  = "dispute.finalized"
	EventTypeProposalSubmitted = "gov.proposed"
	EventTypeProposalVoted     = "gov.voted"
	EventTypeProposalFinalized = "gov.finalized"
	EventTypeProposalExecuted  = "gov.executed"
)

// NewDisputeOpenedEvent returns the payload for a freshly opened arbitration
// case, including the juror panel and the recorded selection seed.
func NewDisputeOpenedEvent(d *Dispute) *types.Event {
	evt := newDisputeEvent(EventTypeDisputeOpened, d)
	if d == nil {
		return evt
	}
	evt.Attributes["claimant"] = hex.EncodeToString(d.Claimant[:])
	evt.Attributes["seed"] = hex.EncodeToString(d.Seed[:])
	evt.Attributes["jurorCount"] = strconv.Itoa(len(d.Jurors))
	for i, juror := range d.Jurors {
		evt.Attributes["juror."+strconv.Itoa(i)] = hex.EncodeToString(juror.Address[:])
	}
	return evt
}

// NewDisputeVotedEvent returns the payload for a recorded juror ballot. The
// chosen side is published; votes are not secret.
func NewDisputeVotedEvent(d *Dispute, voter [20]byte, choice escrow.Outcome) *types.Event {
	evt := newDisputeEvent(EventTypeDisputeVoted, d)
	evt.Attributes["voter"] = hex.EncodeToString(voter[:])
	evt.Attributes["choice"] = choice.String()
	return evt
}

// NewDisputeFinalizedEvent returns the payload for a decided dispute with the
// final weighted tally.
func NewDisputeFinalizedEvent(d *Dispute, tally *Tally) *types.Event {
	evt := newDisputeEvent(EventTypeDisputeFinalized, d)
	if d != nil {
		evt.Attributes["outcome"] = d.Outcome.String()
	}
	addTally(evt, tally)
	return evt
}

// NewProposalSubmittedEvent returns the payload for a proposal entering its
// voting period.
func NewProposalSubmittedEvent(p *Proposal) *types.Event {
	evt := newProposalEvent(EventTypeProposalSubmitted, p)
	if p != nil {
		evt.Attributes["submitter"] = hex.EncodeToString(p.Submitter[:])
		evt.Attributes["kind"] = p.Kind
		evt.Attributes["votingEnd"] = strconv.FormatInt(p.VotingEnd.Unix(), 10)
	}
	return evt
}

// NewProposalVotedEvent returns the payload for a governance ballot.
func NewProposalVotedEvent(v *ProposalVote) *types.Event {
	attrs := make(map[string]string)
	evt := &types.Event{Type: EventTypeProposalVoted, Attributes: attrs}
	if v == nil {
		return evt
	}
	attrs["proposalId"] = strconv.FormatUint(v.ProposalID, 10)
	attrs["voter"] = hex.EncodeToString(v.Voter[:])
	attrs["choice"] = string(v.Choice)
	if v.Weight != nil {
		attrs["weight"] = v.Weight.String()
	}
	return evt
}

// NewProposalFinalizedEvent returns the payload for a tallied proposal.
func NewProposalFinalizedEvent(p *Proposal, tally *Tally) *types.Event {
	evt := newProposalEvent(EventTypeProposalFinalized, p)
	addTally(evt, tally)
	return evt
}

// NewProposalExecutedEvent returns the payload for an applied proposal.
func NewProposalExecutedEvent(p *Proposal) *types.Event {
	return newProposalEvent(EventTypeProposalExecuted, p)
}

func newDisputeEvent(eventType string, d *Dispute) *types.Event {
	attrs := make(map[string]string)
	evt := &types.Event{Type: eventType, Attributes: attrs}
	if d == nil {
		return evt
	}
	attrs["disputeId"] = strconv.FormatUint(d.ID, 10)
	attrs["projectId"] = hex.EncodeToString(d.ProjectID[:])
	attrs["status"] = d.Status.String()
	attrs["deadline"] = strconv.FormatInt(d.Deadline, 10)
	return evt
}

func newProposalEvent(eventType string, p *Proposal) *types.Event {
	attrs := make(map[string]string)
	evt := &types.Event{Type: eventType, Attributes: attrs}
	if p == nil {
		return evt
	}
	attrs["proposalId"] = strconv.FormatUint(p.ID, 10)
	attrs["status"] = p.Status.String()
	return evt
}

func addTally(evt *types.Event, tally *Tally) {
	if evt == nil || tally == nil {
		return
	}
	evt.Attributes["tally.yes"] = tally.Yes.String()
	evt.Attributes["tally.no"] = tally.No.String()
	evt.Attributes["tally.abstain"] = tally.Abstain.String()
	evt.Attributes["tally.ballots"] = strconv.FormatUint(tally.Ballots, 10)
}
