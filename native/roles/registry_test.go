package roles

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"fariima/core/events"
)

type mockState struct {
	grants map[string]map[[20]byte]bool
}

func newMockState() *mockState {
	return &mockState{grants: make(map[string]map[[20]byte]bool)}
}

func (m *mockState) RoleSet(role string, addr [20]byte) error {
	if m.grants[role] == nil {
		m.grants[role] = make(map[[20]byte]bool)
	}
	m.grants[role][addr] = true
	return nil
}

func (m *mockState) RoleUnset(role string, addr [20]byte) error {
	delete(m.grants[role], addr)
	return nil
}

func (m *mockState) RoleHas(role string, addr [20]byte) (bool, error) {
	return m.grants[role][addr], nil
}

func (m *mockState) RoleMembers(role string) ([][20]byte, error) {
	var members [][20]byte
	for addr := range m.grants[role] {
		members = append(members, addr)
	}
	return members, nil
}

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) { c.events = append(c.events, evt) }

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestRegistry() (*Registry, *mockState, *captureEmitter) {
	state := newMockState()
	emitter := &captureEmitter{}
	registry := NewRegistry()
	registry.SetState(state)
	registry.SetEmitter(emitter)
	registry.SetSuperAdmin(testAddr(0x01))
	return registry, state, emitter
}

func TestGrantRequiresAdmin(t *testing.T) {
	registry, _, _ := newTestRegistry()
	intruder := testAddr(0x99)

	err := registry.Grant(intruder, RoleDAO, testAddr(0x02))
	require.ErrorIs(t, err, ErrUnauthorized)
	require.False(t, registry.Has(RoleDAO, testAddr(0x02)))
}

func TestSuperAdminBootstrapsGrants(t *testing.T) {
	registry, _, emitter := newTestRegistry()
	superAdmin := testAddr(0x01)
	operator := testAddr(0x02)

	require.NoError(t, registry.Grant(superAdmin, RoleAdmin, operator))
	require.True(t, registry.Has(RoleAdmin, operator))

	// The newly granted admin can manage further grants.
	require.NoError(t, registry.Grant(operator, RoleMinter, testAddr(0x03)))
	require.True(t, registry.Has(RoleMinter, testAddr(0x03)))
	require.Len(t, emitter.events, 2)
}

func TestDuplicateGrantIsSilent(t *testing.T) {
	registry, _, emitter := newTestRegistry()
	superAdmin := testAddr(0x01)

	require.NoError(t, registry.Grant(superAdmin, RoleDAO, testAddr(0x04)))
	require.NoError(t, registry.Grant(superAdmin, RoleDAO, testAddr(0x04)))
	require.Len(t, emitter.events, 1)
}

func TestRevoke(t *testing.T) {
	registry, _, _ := newTestRegistry()
	superAdmin := testAddr(0x01)
	account := testAddr(0x05)

	require.NoError(t, registry.Grant(superAdmin, RoleMinter, account))
	require.NoError(t, registry.Revoke(superAdmin, RoleMinter, account))
	require.False(t, registry.Has(RoleMinter, account))

	// Revoking an absent grant is a no-op.
	require.NoError(t, registry.Revoke(superAdmin, RoleMinter, account))
}

func TestUnknownRoleRejected(t *testing.T) {
	registry, _, _ := newTestRegistry()
	err := registry.Grant(testAddr(0x01), "ROLE_BOGUS", testAddr(0x06))
	require.Error(t, err)
	require.False(t, registry.Has("ROLE_BOGUS", testAddr(0x06)))
}

func TestHasNormalizesRoleName(t *testing.T) {
	registry, _, _ := newTestRegistry()
	require.NoError(t, registry.Grant(testAddr(0x01), " role_dao ", testAddr(0x07)))
	require.True(t, registry.Has(RoleDAO, testAddr(0x07)))
}
