package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"fariima/core/types"
)

const (
	EventTypeCreated   = "escrow.created"
	EventTypeFunded    = "escrow.funded"
	EventTypeDelivered = "escrow.delivered"
	EventTypeReleased  = "escrow.released"
	EventTypeDisputed  = "escrow.disputed"
	EventTypeResolved  = "escrow.resolved"
)

// NewCreatedEvent returns the canonical payload for a newly registered escrow.
func NewCreatedEvent(p *Project) *types.Event { return newProjectEvent(EventTypeCreated, p) }

// NewFundedEvent returns the payload emitted when the client locks funds.
func NewFundedEvent(p *Project) *types.Event { return newProjectEvent(EventTypeFunded, p) }

// NewDeliveredEvent returns the payload emitted when the freelancer signals
// delivery.
func NewDeliveredEvent(p *Project) *types.Event {
	evt := newProjectEvent(EventTypeDelivered, p)
	if p != nil && p.DeliveredAt != 0 {
		evt.Attributes["deliveredAt"] = strconv.FormatInt(p.DeliveredAt, 10)
	}
	return evt
}

// NewReleasedEvent returns the payload for a client-approved release,
// including the fee routed to the DAO treasury.
func NewReleasedEvent(p *Project, fee *big.Int) *types.Event {
	evt := newProjectEvent(EventTypeReleased, p)
	addSettlement(evt, p, fee)
	return evt
}

// NewDisputedEvent returns the payload emitted when a party escalates to the
// DAO.
func NewDisputedEvent(p *Project, claimant [20]byte) *types.Event {
	evt := newProjectEvent(EventTypeDisputed, p)
	evt.Attributes["claimant"] = hex.EncodeToString(claimant[:])
	if p != nil {
		evt.Attributes["disputeId"] = strconv.FormatUint(p.DisputeID, 10)
	}
	return evt
}

// NewResolvedEvent returns the payload for a DAO-decided settlement.
func NewResolvedEvent(p *Project, outcome Outcome, fee *big.Int) *types.Event {
	evt := newProjectEvent(EventTypeResolved, p)
	evt.Attributes["outcome"] = outcome.String()
	if p != nil {
		evt.Attributes["disputeId"] = strconv.FormatUint(p.DisputeID, 10)
	}
	addSettlement(evt, p, fee)
	return evt
}

func newProjectEvent(eventType string, p *Project) *types.Event {
	attrs := make(map[string]string)
	evt := &types.Event{Type: eventType, Attributes: attrs}
	if p == nil {
		return evt
	}
	sanitized, err := SanitizeProject(p)
	if err != nil {
		return evt
	}
	attrs["projectId"] = hex.EncodeToString(sanitized.ID[:])
	attrs["client"] = hex.EncodeToString(sanitized.Client[:])
	attrs["freelancer"] = hex.EncodeToString(sanitized.Freelancer[:])
	attrs["token"] = sanitized.Token
	attrs["amount"] = sanitized.Amount.String()
	attrs["feeBps"] = strconv.FormatUint(uint64(sanitized.FeeBps), 10)
	attrs["status"] = sanitized.Status.String()
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	return evt
}

func addSettlement(evt *types.Event, p *Project, fee *big.Int) {
	if evt == nil || p == nil || p.Amount == nil || fee == nil {
		return
	}
	evt.Attributes["fee"] = fee.String()
	evt.Attributes["payout"] = new(big.Int).Sub(p.Amount, fee).String()
}
