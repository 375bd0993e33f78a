package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"fariima/core"
	"fariima/native/certificate"
	"fariima/native/dao"
	"fariima/native/escrow"
	"fariima/native/roles"
	"fariima/native/token"
	"fariima/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB

	sourceRatePerSecond = 10
	sourceRateBurst     = 20
)

const (
	codeParseError       = -32700
	codeInvalidRequest   = -32600
	codeMethodNotFound   = -32601
	codeInvalidParams    = -32602
	codeServerError      = -32000
	codeUnauthorized     = -32001
	codeRateLimited      = -32020
	codeInvalidState     = -32030
	codeUnsupportedToken = -32031
	codeInvalidAmount    = -32032
	codeTransferFailed   = -32033
	codeNotFound         = -32040
	codeVotingWindow     = -32050
)

// Server exposes the marketplace node over JSON-RPC 2.0 with a websocket
// event stream and Prometheus metrics on the side.
type Server struct {
	node      *core.Node
	log       *slog.Logger
	authToken string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer wires an RPC server over the node. An empty auth token disables
// every mutating method rather than opening it up.
func NewServer(node *core.Node, authToken string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		node:      node,
		log:       log,
		authToken: strings.TrimSpace(authToken),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Router assembles the HTTP surface: JSON-RPC on POST /, the event stream on
// /ws/events and Prometheus metrics on /metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/", s.handleRPC)
	r.Get("/ws/events", s.handleEventsWS)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves the router on addr until the listener fails.
func (s *Server) Start(addr string) error {
	s.log.Info("starting JSON-RPC server", "addr", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return server.ListenAndServe()
}

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &rpcError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

// writeEngineError maps engine sentinels onto the RPC error taxonomy so
// clients can branch on stable codes while the message carries the engine's
// own words.
func writeEngineError(w http.ResponseWriter, id interface{}, err error) {
	status := http.StatusInternalServerError
	code := codeServerError
	switch {
	case errors.Is(err, roles.ErrUnauthorized):
		status, code = http.StatusForbidden, codeUnauthorized
	case errors.Is(err, escrow.ErrInvalidState), errors.Is(err, dao.ErrInvalidState):
		status, code = http.StatusConflict, codeInvalidState
	case errors.Is(err, escrow.ErrUnsupportedToken):
		status, code = http.StatusBadRequest, codeUnsupportedToken
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, token.ErrInvalidAmount),
		errors.Is(err, dao.ErrInsufficientStake):
		status, code = http.StatusBadRequest, codeInvalidAmount
	case errors.Is(err, escrow.ErrTransferFailed), errors.Is(err, token.ErrInsufficientBalance):
		status, code = http.StatusConflict, codeTransferFailed
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, certificate.ErrNotFound),
		errors.Is(err, dao.ErrDisputeNotFound),
		errors.Is(err, dao.ErrProposalNotFound):
		status, code = http.StatusNotFound, codeNotFound
	case errors.Is(err, dao.ErrVotingOpen),
		errors.Is(err, dao.ErrVotingClosed),
		errors.Is(err, dao.ErrNotAJuror),
		errors.Is(err, dao.ErrAlreadyVoted),
		errors.Is(err, dao.ErrInvalidBallot),
		errors.Is(err, dao.ErrUnknownParam):
		status, code = http.StatusConflict, codeVotingWindow
	}
	writeError(w, status, id, code, err.Error(), nil)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

	reader := http.MaxBytesReader(sw, r.Body, maxRequestBytes)
	defer func() { _ = reader.Close() }()
	sw.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(sw, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(sw, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &rpcRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(sw, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(sw, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(sw, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	s.dispatch(sw, r, req)
	observability.RPCMetrics().Observe(req.Method, sw.status, time.Since(started))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	handler, mutating := s.route(req.Method)
	if handler == nil {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
		return
	}
	if mutating {
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		if !s.allowSource(clientSource(r)) {
			observability.RPCMetrics().RecordThrottle(req.Method)
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "request rate limit exceeded", nil)
			return
		}
	}
	handler(w, req)
}

type handlerFunc func(w http.ResponseWriter, req *rpcRequest)

// route resolves a method to its handler and whether it mutates state.
func (s *Server) route(method string) (handlerFunc, bool) {
	switch method {
	case "escrow_create":
		return s.handleEscrowCreate, true
	case "escrow_fund":
		return s.handleEscrowFund, true
	case "escrow_markDelivered":
		return s.handleEscrowMarkDelivered, true
	case "escrow_approve":
		return s.handleEscrowApprove, true
	case "escrow_raiseDispute":
		return s.handleEscrowRaiseDispute, true
	case "escrow_addSupportedToken":
		return s.handleEscrowAddSupportedToken, true
	case "escrow_removeSupportedToken":
		return s.handleEscrowRemoveSupportedToken, true
	case "escrow_get":
		return s.handleEscrowGet, false
	case "escrow_balance":
		return s.handleEscrowBalance, false
	case "dao_castDisputeVote":
		return s.handleDisputeVote, true
	case "dao_finalizeDispute":
		return s.handleDisputeFinalize, true
	case "dao_getDispute":
		return s.handleDisputeGet, false
	case "dao_propose":
		return s.handleProposalSubmit, true
	case "dao_castVote":
		return s.handleProposalVote, true
	case "dao_finalizeProposal":
		return s.handleProposalFinalize, true
	case "dao_execute":
		return s.handleProposalExecute, true
	case "dao_getProposal":
		return s.handleProposalGet, false
	case "token_mint":
		return s.handleTokenMint, true
	case "token_burn":
		return s.handleTokenBurn, true
	case "token_transfer":
		return s.handleTokenTransfer, true
	case "token_stake":
		return s.handleTokenStake, true
	case "token_unstake":
		return s.handleTokenUnstake, true
	case "token_balance":
		return s.handleTokenBalance, false
	case "token_supply":
		return s.handleTokenSupply, false
	case "pay_credit":
		return s.handlePaymentCredit, true
	case "pay_balance":
		return s.handlePaymentBalance, false
	case "roles_grant":
		return s.handleRoleGrant, true
	case "roles_revoke":
		return s.handleRoleRevoke, true
	case "roles_has":
		return s.handleRoleHas, false
	case "roles_members":
		return s.handleRoleMembers, false
	case "cert_get":
		return s.handleCertificateGet, false
	case "cert_byProject":
		return s.handleCertificateByProject, false
	case "events_list":
		return s.handleEventsList, false
	default:
		return nil, false
	}
}

func (s *Server) requireAuth(r *http.Request) *rpcError {
	if s.authToken == "" {
		return &rpcError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &rpcError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &rpcError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &rpcError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &rpcError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(sourceRatePerSecond), sourceRateBurst)
		s.limiters[source] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// singleParam extracts the one parameter object handlers expect.
func singleParam(req *rpcRequest) (json.RawMessage, error) {
	if len(req.Params) != 1 {
		return nil, fmt.Errorf("parameter object required")
	}
	return req.Params[0], nil
}

func decodeParams(req *rpcRequest, out interface{}) error {
	raw, err := singleParam(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}
