package certificate

import (
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"fariima/core/events"
	"fariima/core/types"
	"fariima/native/roles"
)

const EventTypeMinted = "certificate.minted"

var (
	// ErrAlreadyIssued guards the one-certificate-per-project invariant.
	ErrAlreadyIssued = errors.New("certificate: already issued for project")
	// ErrNotFound is returned for lookups of unknown certificates.
	ErrNotFound = errors.New("certificate: not found")

	errNilState = errors.New("certificate: state not configured")
)

// Certificate is the non-transferable proof-of-work record minted to a
// freelancer on successful project completion. There is no transfer
// operation; the record is immutable after mint.
type Certificate struct {
	TokenID   uint64   `json:"tokenId"`
	ProjectID [32]byte `json:"projectId"`
	Owner     [20]byte `json:"owner"`
	URI       string   `json:"uri"`
	MintedAt  int64    `json:"mintedAt"`
}

// Clone returns a copy safe for the caller to hold.
func (c *Certificate) Clone() *Certificate {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

type issuerState interface {
	CertificatePut(cert *Certificate) error
	CertificateGet(tokenID uint64) (*Certificate, bool, error)
	CertificateByProject(projectID [32]byte) (*Certificate, bool, error)
	CertificateNextTokenID() (uint64, error)
}

type roleView interface {
	Has(role string, addr [20]byte) bool
}

// Issuer mints proof-of-work certificates. The escrow module account is the
// only expected ROLE_MINTER holder in production wiring.
type Issuer struct {
	state   issuerState
	roles   roleView
	emitter events.Emitter
	nowFn   func() int64
}

// NewIssuer creates an issuer with a no-op emitter and wall-clock time source.
func NewIssuer() *Issuer {
	return &Issuer{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the issuer.
func (i *Issuer) SetState(state issuerState) { i.state = state }

// SetRoles wires the access-control registry consulted for mint authority.
func (i *Issuer) SetRoles(view roleView) { i.roles = view }

// SetEmitter configures the event emitter. Nil resets to a no-op.
func (i *Issuer) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		i.emitter = events.NoopEmitter{}
		return
	}
	i.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily for tests.
func (i *Issuer) SetNowFunc(now func() int64) {
	if now == nil {
		i.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	i.nowFn = now
}

type certificateEvent struct {
	evt *types.Event
}

func (c certificateEvent) EventType() string {
	if c.evt == nil {
		return ""
	}
	return c.evt.Type
}

func (c certificateEvent) Event() *types.Event { return c.evt }

func (i *Issuer) emit(evt *types.Event) {
	if i == nil || i.emitter == nil || evt == nil {
		return
	}
	i.emitter.Emit(certificateEvent{evt: evt})
}

// Mint issues the certificate for projectID to owner. ROLE_MINTER only; at
// most one certificate may ever exist per project.
func (i *Issuer) Mint(caller [20]byte, projectID [32]byte, owner [20]byte, uri string) (*Certificate, error) {
	if i == nil || i.state == nil {
		return nil, errNilState
	}
	if i.roles == nil || !i.roles.Has(roles.RoleMinter, caller) {
		return nil, roles.ErrUnauthorized
	}
	if _, exists, err := i.state.CertificateByProject(projectID); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrAlreadyIssued
	}
	tokenID, err := i.state.CertificateNextTokenID()
	if err != nil {
		return nil, err
	}
	cert := &Certificate{
		TokenID:   tokenID,
		ProjectID: projectID,
		Owner:     owner,
		URI:       strings.TrimSpace(uri),
		MintedAt:  i.nowFn(),
	}
	if err := i.state.CertificatePut(cert); err != nil {
		return nil, err
	}
	i.emit(newMintedEvent(cert))
	return cert.Clone(), nil
}

// Get fetches a certificate by token id.
func (i *Issuer) Get(tokenID uint64) (*Certificate, error) {
	if i == nil || i.state == nil {
		return nil, errNilState
	}
	cert, ok, err := i.state.CertificateGet(tokenID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return cert.Clone(), nil
}

// ByProject fetches the certificate minted for the project, if any.
func (i *Issuer) ByProject(projectID [32]byte) (*Certificate, bool, error) {
	if i == nil || i.state == nil {
		return nil, false, errNilState
	}
	cert, ok, err := i.state.CertificateByProject(projectID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return cert.Clone(), true, nil
}

// OwnerOf resolves the holder of the given token id.
func (i *Issuer) OwnerOf(tokenID uint64) ([20]byte, error) {
	cert, err := i.Get(tokenID)
	if err != nil {
		return [20]byte{}, err
	}
	return cert.Owner, nil
}

func newMintedEvent(cert *Certificate) *types.Event {
	attrs := make(map[string]string)
	if cert != nil {
		attrs["tokenId"] = strconv.FormatUint(cert.TokenID, 10)
		attrs["projectId"] = hex.EncodeToString(cert.ProjectID[:])
		attrs["owner"] = hex.EncodeToString(cert.Owner[:])
		attrs["mintedAt"] = strconv.FormatInt(cert.MintedAt, 10)
		if cert.URI != "" {
			attrs["uri"] = cert.URI
		}
	}
	return &types.Event{Type: EventTypeMinted, Attributes: attrs}
}
