package types

// Event is a typed record emitted during a state transition. Attributes carry
// enough identifying data (project id, parties, amounts) for an off-chain
// indexer to reconstruct full escrow history without re-reading state.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
