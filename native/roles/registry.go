package roles

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"fariima/core/events"
	"fariima/core/types"
)

// Canonical role names gating privileged operations across the settlement
// engines. The DAO module account holds RoleDAO inside the escrow engine so it
// can force-resolve disputes; the escrow module account holds RoleMinter on
// the certificate issuer.
const (
	RoleAdmin  = "ROLE_ADMIN"
	RoleDAO    = "ROLE_DAO"
	RoleMinter = "ROLE_MINTER"
)

const (
	EventTypeRoleGranted = "roles.granted"
	EventTypeRoleRevoked = "roles.revoked"
)

var (
	// ErrUnauthorized is returned when the caller lacks the role required
	// for the attempted operation. The failed call has no side effects.
	ErrUnauthorized = errors.New("roles: unauthorized")

	errNilState    = errors.New("roles: state not configured")
	errInvalidRole = errors.New("roles: unknown role")
)

type registryState interface {
	RoleSet(role string, addr [20]byte) error
	RoleUnset(role string, addr [20]byte) error
	RoleHas(role string, addr [20]byte) (bool, error)
	RoleMembers(role string) ([][20]byte, error)
}

// Registry authorizes privileged calls across the other engines. It is a leaf
// dependency: every operation takes an explicit caller identity and checks it
// against the stored grants before any side effect.
type Registry struct {
	state      registryState
	emitter    events.Emitter
	superAdmin [20]byte
}

// NewRegistry constructs a registry with a no-op emitter.
func NewRegistry() *Registry {
	return &Registry{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the registry.
func (r *Registry) SetState(state registryState) { r.state = state }

// SetSuperAdmin configures the account that may manage grants even before any
// ROLE_ADMIN grant exists. Typically the deployer account from genesis wiring.
func (r *Registry) SetSuperAdmin(addr [20]byte) { r.superAdmin = addr }

// SetEmitter configures the event emitter. Nil resets to a no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

type roleEvent struct {
	evt *types.Event
}

func (e roleEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e roleEvent) Event() *types.Event { return e.evt }

func (r *Registry) emit(evt *types.Event) {
	if r == nil || r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(roleEvent{evt: evt})
}

func normalizeRole(role string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(role))
	switch trimmed {
	case RoleAdmin, RoleDAO, RoleMinter:
		return trimmed, nil
	default:
		return "", fmt.Errorf("%w: %s", errInvalidRole, role)
	}
}

func (r *Registry) authorize(caller [20]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if r.superAdmin != ([20]byte{}) && caller == r.superAdmin {
		return nil
	}
	ok, err := r.state.RoleHas(RoleAdmin, caller)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// Grant assigns the role to addr. Only an account holding ROLE_ADMIN (or the
// configured super-admin) may grant. Duplicate grants succeed without emitting
// a second event.
func (r *Registry) Grant(caller [20]byte, role string, addr [20]byte) error {
	normalized, err := normalizeRole(role)
	if err != nil {
		return err
	}
	if err := r.authorize(caller); err != nil {
		return err
	}
	already, err := r.state.RoleHas(normalized, addr)
	if err != nil {
		return err
	}
	if already {
		return nil
	}
	if err := r.state.RoleSet(normalized, addr); err != nil {
		return err
	}
	r.emit(newRoleEvent(EventTypeRoleGranted, normalized, caller, addr))
	return nil
}

// Revoke removes the role from addr under the same authority rules as Grant.
// Revoking an absent grant succeeds silently.
func (r *Registry) Revoke(caller [20]byte, role string, addr [20]byte) error {
	normalized, err := normalizeRole(role)
	if err != nil {
		return err
	}
	if err := r.authorize(caller); err != nil {
		return err
	}
	held, err := r.state.RoleHas(normalized, addr)
	if err != nil {
		return err
	}
	if !held {
		return nil
	}
	if err := r.state.RoleUnset(normalized, addr); err != nil {
		return err
	}
	r.emit(newRoleEvent(EventTypeRoleRevoked, normalized, caller, addr))
	return nil
}

// Has reports whether addr holds the role. Read errors and unknown roles
// report false; the privileged write paths surface errors instead.
func (r *Registry) Has(role string, addr [20]byte) bool {
	if r == nil || r.state == nil {
		return false
	}
	normalized, err := normalizeRole(role)
	if err != nil {
		return false
	}
	ok, err := r.state.RoleHas(normalized, addr)
	if err != nil {
		return false
	}
	return ok
}

// Members lists the accounts currently holding the role.
func (r *Registry) Members(role string) ([][20]byte, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	normalized, err := normalizeRole(role)
	if err != nil {
		return nil, err
	}
	return r.state.RoleMembers(normalized)
}

func newRoleEvent(eventType, role string, caller, addr [20]byte) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"role":    role,
			"caller":  hex.EncodeToString(caller[:]),
			"account": hex.EncodeToString(addr[:]),
		},
	}
}
