package main

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Notification kinds pushed to subscribers. Project updates cover lifecycle
// status changes, escrow updates cover funds moving in or out of custody.
const (
	KindProjectUpdate    = "project_update"
	KindEscrowUpdate     = "escrow_update"
	KindDisputeUpdate    = "dispute_update"
	KindGovernanceUpdate = "governance_update"
	KindCertificate      = "certificate_minted"
)

// Notification is one message delivered to websocket subscribers and kept in
// the local store for replay.
type Notification struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Kind      string            `json:"kind"`
	Sequence  uint64            `json:"sequence"`
	Payload   map[string]string `json:"payload"`
	CreatedAt time.Time         `json:"createdAt"`
}

// notificationFromEvent maps a node event onto a subscriber notification. The
// topic groups events by project where one is named and by stream otherwise,
// so a client can follow a single engagement or a whole category. Events with
// no subscriber-facing meaning return false.
func notificationFromEvent(evt NodeEvent, now time.Time) (Notification, bool) {
	kind, topic := classify(evt)
	if kind == "" {
		return Notification{}, false
	}
	payload := make(map[string]string, len(evt.Attributes)+1)
	for k, v := range evt.Attributes {
		payload[k] = v
	}
	payload["event"] = evt.Type

	created := time.Unix(evt.Timestamp, 0).UTC()
	if evt.Timestamp == 0 {
		created = now.UTC()
	}
	return Notification{
		ID:        uuid.NewString(),
		Topic:     topic,
		Kind:      kind,
		Sequence:  evt.Sequence,
		Payload:   payload,
		CreatedAt: created,
	}, true
}

func classify(evt NodeEvent) (kind, topic string) {
	projectID := normalizeHex(evt.Attributes["projectId"])
	switch {
	case strings.HasPrefix(evt.Type, "escrow."):
		if projectID == "" {
			return "", ""
		}
		switch evt.Type {
		case "escrow.funded", "escrow.released", "escrow.resolved":
			return KindEscrowUpdate, "project:" + projectID
		}
		return KindProjectUpdate, "project:" + projectID
	case strings.HasPrefix(evt.Type, "dispute."):
		if projectID == "" {
			return "", ""
		}
		return KindDisputeUpdate, "project:" + projectID
	case evt.Type == "certificate.minted":
		if projectID == "" {
			return "", ""
		}
		return KindCertificate, "project:" + projectID
	case strings.HasPrefix(evt.Type, "gov."):
		return KindGovernanceUpdate, "governance"
	default:
		return "", ""
	}
}

func normalizeHex(raw string) string {
	cleaned := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	if cleaned == "" {
		return ""
	}
	return "0x" + strings.ToLower(cleaned)
}
