package rpc

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"fariima/core"
	"fariima/core/types"
	"fariima/native/roles"
	"fariima/storage"
)

const testToken = "local-test-token"

func testAddr(b byte) [20]byte {
	var addr [20]byte
	addr[19] = b
	return addr
}

var (
	testAdmin      = testAddr(0xA0)
	testClient     = testAddr(0x01)
	testFreelancer = testAddr(0x02)
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	node, err := core.NewNode(storage.NewMemDB(), core.Config{SuperAdmin: testAdmin})
	require.NoError(t, err)
	require.NoError(t, node.ApplyGenesis(core.Genesis{
		SupportedTokens: []string{"USDC"},
		Roles:           map[string][][20]byte{roles.RoleAdmin: {testAdmin}},
		Accounts: []core.GenesisAccount{
			{Address: testAddr(0x10), Staked: big.NewInt(5000)},
		},
		Payments: []core.GenesisPayment{
			{Address: testClient, Token: "USDC", Amount: big.NewInt(10_000)},
		},
	}))
	server := httptest.NewServer(NewServer(node, testToken, slog.Default()).Router())
	t.Cleanup(server.Close)
	return server
}

type callResult struct {
	status int
	result json.RawMessage
	rpcErr *rpcError
}

func call(t *testing.T, url, token, method string, params interface{}) callResult {
	t.Helper()
	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		body["params"] = []interface{}{params}
	}
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return callResult{status: resp.StatusCode, result: envelope.Result, rpcErr: envelope.Error}
}

func mustResult(t *testing.T, res callResult, out interface{}) {
	t.Helper()
	require.Nil(t, res.rpcErr, "unexpected rpc error: %+v", res.rpcErr)
	require.Equal(t, http.StatusOK, res.status)
	require.NoError(t, json.Unmarshal(res.result, out))
}

func TestMutationsRequireBearerToken(t *testing.T) {
	server := newTestServer(t)

	res := call(t, server.URL, "", "escrow_addSupportedToken", map[string]string{
		"caller": types.FormatAddress(testAdmin),
		"token":  "DAI",
	})
	require.Equal(t, http.StatusUnauthorized, res.status)
	require.NotNil(t, res.rpcErr)
	require.Equal(t, codeUnauthorized, res.rpcErr.Code)

	res = call(t, server.URL, "wrong-token", "escrow_addSupportedToken", map[string]string{
		"caller": types.FormatAddress(testAdmin),
		"token":  "DAI",
	})
	require.Equal(t, http.StatusUnauthorized, res.status)
}

func TestUnknownMethodReturnsNotFound(t *testing.T) {
	server := newTestServer(t)

	res := call(t, server.URL, testToken, "escrow_teleport", nil)
	require.Equal(t, http.StatusNotFound, res.status)
	require.Equal(t, codeMethodNotFound, res.rpcErr.Code)
}

func TestInvalidAddressRejected(t *testing.T) {
	server := newTestServer(t)

	res := call(t, server.URL, testToken, "escrow_create", map[string]string{
		"client":     "0x1234",
		"freelancer": types.FormatAddress(testFreelancer),
		"token":      "USDC",
		"amount":     "100",
		"nonce":      types.FormatHash([32]byte{1}),
	})
	require.Equal(t, http.StatusBadRequest, res.status)
	require.Equal(t, codeInvalidParams, res.rpcErr.Code)
}

func TestEscrowLifecycleOverRPC(t *testing.T) {
	server := newTestServer(t)

	var created projectResult
	mustResult(t, call(t, server.URL, testToken, "escrow_create", map[string]string{
		"client":     types.FormatAddress(testClient),
		"freelancer": types.FormatAddress(testFreelancer),
		"token":      "USDC",
		"amount":     "9000",
		"nonce":      types.FormatHash([32]byte{0x42}),
	}), &created)
	require.Equal(t, "created", created.Status)
	require.Equal(t, "9000", created.Amount)

	var funded projectResult
	mustResult(t, call(t, server.URL, testToken, "escrow_fund", map[string]string{
		"id":     created.ID,
		"caller": types.FormatAddress(testClient),
	}), &funded)
	require.Equal(t, "funded", funded.Status)

	var delivered projectResult
	mustResult(t, call(t, server.URL, testToken, "escrow_markDelivered", map[string]string{
		"id":     created.ID,
		"caller": types.FormatAddress(testFreelancer),
	}), &delivered)
	require.Equal(t, "delivered", delivered.Status)

	var released projectResult
	mustResult(t, call(t, server.URL, testToken, "escrow_approve", map[string]string{
		"id":     created.ID,
		"caller": types.FormatAddress(testClient),
	}), &released)
	require.Equal(t, "released", released.Status)

	var balance map[string]string
	mustResult(t, call(t, server.URL, "", "pay_balance", map[string]string{
		"address": types.FormatAddress(testFreelancer),
		"token":   "USDC",
	}), &balance)
	require.Equal(t, "8550", balance["balance"], "freelancer receives amount less the 5%% fee")

	var cert certificateResult
	mustResult(t, call(t, server.URL, "", "cert_byProject", map[string]string{
		"projectId": created.ID,
	}), &cert)
	require.Equal(t, types.FormatAddress(testFreelancer), cert.Owner)
}

func TestEngineErrorsMapToNotFound(t *testing.T) {
	server := newTestServer(t)

	res := call(t, server.URL, "", "escrow_get", map[string]string{
		"id": types.FormatHash([32]byte{0xFF}),
	})
	require.Equal(t, http.StatusNotFound, res.status)
	require.Equal(t, codeNotFound, res.rpcErr.Code)
}

func TestEventsListCursorAdvances(t *testing.T) {
	server := newTestServer(t)

	var created projectResult
	mustResult(t, call(t, server.URL, testToken, "escrow_create", map[string]string{
		"client":     types.FormatAddress(testClient),
		"freelancer": types.FormatAddress(testFreelancer),
		"token":      "USDC",
		"amount":     "1000",
		"nonce":      types.FormatHash([32]byte{0x07}),
	}), &created)
	mustResult(t, call(t, server.URL, testToken, "escrow_fund", map[string]string{
		"id":     created.ID,
		"caller": types.FormatAddress(testClient),
	}), new(projectResult))

	var page struct {
		Events []struct {
			Seq  uint64 `json:"seq"`
			Type string `json:"type"`
		} `json:"events"`
		NextCursor uint64 `json:"nextCursor"`
	}
	mustResult(t, call(t, server.URL, "", "events_list", map[string]interface{}{"after": 0}), &page)
	require.NotEmpty(t, page.Events)
	require.Equal(t, page.Events[len(page.Events)-1].Seq, page.NextCursor)
	for i := 1; i < len(page.Events); i++ {
		require.Equal(t, page.Events[i-1].Seq+1, page.Events[i].Seq)
	}

	var empty struct {
		Events     []json.RawMessage `json:"events"`
		NextCursor uint64            `json:"nextCursor"`
	}
	mustResult(t, call(t, server.URL, "", "events_list", map[string]interface{}{"after": page.NextCursor}), &empty)
	require.Empty(t, empty.Events)
	require.Equal(t, page.NextCursor, empty.NextCursor)
}

func TestRoleQueriesNeedNoAuth(t *testing.T) {
	server := newTestServer(t)

	var has map[string]bool
	mustResult(t, call(t, server.URL, "", "roles_has", map[string]string{
		"role":    roles.RoleAdmin,
		"address": types.FormatAddress(testAdmin),
	}), &has)
	require.True(t, has["has"])

	var members struct {
		Members []string `json:"members"`
	}
	mustResult(t, call(t, server.URL, "", "roles_members", map[string]string{
		"role": roles.RoleAdmin,
	}), &members)
	require.Contains(t, members.Members, types.FormatAddress(testAdmin))
}
