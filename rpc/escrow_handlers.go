package rpc

import (
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"fariima/core/types"
	"fariima/native/escrow"
)

type projectResult struct {
	ID          string `json:"id"`
	Client      string `json:"client"`
	Freelancer  string `json:"freelancer"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	FeeBps      uint32 `json:"feeBps"`
	Status      string `json:"status"`
	DisputeID   uint64 `json:"disputeId,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	DeliveredAt int64  `json:"deliveredAt,omitempty"`
}

func projectToResult(p *escrow.Project) projectResult {
	amount := "0"
	if p.Amount != nil {
		amount = p.Amount.String()
	}
	return projectResult{
		ID:          types.FormatHash(p.ID),
		Client:      types.FormatAddress(p.Client),
		Freelancer:  types.FormatAddress(p.Freelancer),
		Token:       p.Token,
		Amount:      amount,
		FeeBps:      p.FeeBps,
		Status:      p.Status.String(),
		DisputeID:   p.DisputeID,
		CreatedAt:   p.CreatedAt,
		DeliveredAt: p.DeliveredAt,
	}
}

func parseAmountField(field, raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative decimal string", field)
	}
	return value, nil
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		Client     string `json:"client"`
		Freelancer string `json:"freelancer"`
		Token      string `json:"token"`
		Amount     string `json:"amount"`
		Nonce      string `json:"nonce"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	client, err := types.ParseAddress(params.Client)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("client: %v", err), nil)
		return
	}
	freelancer, err := types.ParseAddress(params.Freelancer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("freelancer: %v", err), nil)
		return
	}
	amount, err := parseAmountField("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	nonce, err := types.ParseHash(params.Nonce)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("nonce: %v", err), nil)
		return
	}
	project, err := s.node.CreateProject(client, freelancer, params.Token, amount, nonce)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, projectToResult(project))
}

// projectCallParams covers every operation addressed by project id plus the
// acting caller.
type projectCallParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

func (s *Server) projectCall(w http.ResponseWriter, req *rpcRequest, fn func(id [32]byte, caller [20]byte) error) {
	var params projectCallParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := types.ParseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("id: %v", err), nil)
		return
	}
	caller, err := types.ParseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("caller: %v", err), nil)
		return
	}
	if err := fn(id, caller); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	project, err := s.node.GetProject(id)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, projectToResult(project))
}

func (s *Server) handleEscrowFund(w http.ResponseWriter, req *rpcRequest) {
	s.projectCall(w, req, s.node.FundProject)
}

func (s *Server) handleEscrowMarkDelivered(w http.ResponseWriter, req *rpcRequest) {
	s.projectCall(w, req, s.node.MarkDelivered)
}

func (s *Server) handleEscrowApprove(w http.ResponseWriter, req *rpcRequest) {
	s.projectCall(w, req, s.node.ApproveProject)
}

func (s *Server) handleEscrowRaiseDispute(w http.ResponseWriter, req *rpcRequest) {
	var params projectCallParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := types.ParseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("id: %v", err), nil)
		return
	}
	caller, err := types.ParseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("caller: %v", err), nil)
		return
	}
	disputeID, err := s.node.RaiseDispute(id, caller)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"projectId": types.FormatHash(id),
		"disputeId": disputeID,
	})
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		ID string `json:"id"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := types.ParseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("id: %v", err), nil)
		return
	}
	project, err := s.node.GetProject(id)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, projectToResult(project))
}

func (s *Server) handleEscrowBalance(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		ID    string `json:"id"`
		Token string `json:"token"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := types.ParseHash(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("id: %v", err), nil)
		return
	}
	balance, err := s.node.EscrowBalance(id, params.Token)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{
		"projectId": types.FormatHash(id),
		"balance":   balance.String(),
	})
}

type tokenAdminParams struct {
	Caller string `json:"caller"`
	Token  string `json:"token"`
}

func (s *Server) supportedTokenCall(w http.ResponseWriter, req *rpcRequest, fn func(caller [20]byte, symbol string) error) {
	var params tokenAdminParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := types.ParseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("caller: %v", err), nil)
		return
	}
	if err := fn(caller, params.Token); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleEscrowAddSupportedToken(w http.ResponseWriter, req *rpcRequest) {
	s.supportedTokenCall(w, req, s.node.AddSupportedToken)
}

func (s *Server) handleEscrowRemoveSupportedToken(w http.ResponseWriter, req *rpcRequest) {
	s.supportedTokenCall(w, req, s.node.RemoveSupportedToken)
}
