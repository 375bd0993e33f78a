package rpc

import (
	"fmt"
	"math/big"
	"net/http"

	"fariima/core/types"
)

type transferParams struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (s *Server) transferCall(w http.ResponseWriter, req *rpcRequest, fn func(caller, to [20]byte, amount *big.Int) error) {
	var params transferParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := types.ParseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("caller: %v", err), nil)
		return
	}
	to, err := types.ParseAddress(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("to: %v", err), nil)
		return
	}
	amount, err := parseAmountField("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := fn(caller, to, amount); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) selfAmountCall(w http.ResponseWriter, req *rpcRequest, fn func(caller [20]byte, amount *big.Int) error) {
	var params struct {
		Caller string `json:"caller"`
		Amount string `json:"amount"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := types.ParseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("caller: %v", err), nil)
		return
	}
	amount, err := parseAmountField("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := fn(caller, amount); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleTokenMint(w http.ResponseWriter, req *rpcRequest) {
	s.transferCall(w, req, s.node.MintToken)
}

func (s *Server) handleTokenBurn(w http.ResponseWriter, req *rpcRequest) {
	s.selfAmountCall(w, req, s.node.BurnToken)
}

func (s *Server) handleTokenTransfer(w http.ResponseWriter, req *rpcRequest) {
	s.transferCall(w, req, s.node.TransferToken)
}

func (s *Server) handleTokenStake(w http.ResponseWriter, req *rpcRequest) {
	s.selfAmountCall(w, req, s.node.Stake)
}

func (s *Server) handleTokenUnstake(w http.ResponseWriter, req *rpcRequest) {
	s.selfAmountCall(w, req, s.node.Unstake)
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		Address string `json:"address"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	addr, err := types.ParseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("address: %v", err), nil)
		return
	}
	balance, err := s.node.TokenBalance(addr)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	staked, err := s.node.TokenStaked(addr)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{
		"address": types.FormatAddress(addr),
		"balance": balance.String(),
		"staked":  staked.String(),
	})
}

func (s *Server) handleTokenSupply(w http.ResponseWriter, req *rpcRequest) {
	if len(req.Params) > 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "token_supply takes no parameters", nil)
		return
	}
	supply, err := s.node.TokenSupply()
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"supply": supply.String()})
}

func (s *Server) handlePaymentCredit(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		Caller string `json:"caller"`
		To     string `json:"to"`
		Token  string `json:"token"`
		Amount string `json:"amount"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := types.ParseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("caller: %v", err), nil)
		return
	}
	to, err := types.ParseAddress(params.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("to: %v", err), nil)
		return
	}
	amount, err := parseAmountField("amount", params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.CreditPayment(caller, to, params.Token, amount); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handlePaymentBalance(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		Address string `json:"address"`
		Token   string `json:"token"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	addr, err := types.ParseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("address: %v", err), nil)
		return
	}
	balance, err := s.node.PaymentBalance(addr, params.Token)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{
		"address": types.FormatAddress(addr),
		"token":   params.Token,
		"balance": balance.String(),
	})
}
