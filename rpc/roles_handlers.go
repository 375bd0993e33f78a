package rpc

import (
	"fmt"
	"net/http"

	"fariima/core/state"
	"fariima/core/types"
	"fariima/native/certificate"
)

type roleChangeParams struct {
	Caller  string `json:"caller"`
	Role    string `json:"role"`
	Address string `json:"address"`
}

func (s *Server) roleChangeCall(w http.ResponseWriter, req *rpcRequest, fn func(caller [20]byte, role string, addr [20]byte) error) {
	var params roleChangeParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	caller, err := types.ParseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("caller: %v", err), nil)
		return
	}
	addr, err := types.ParseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("address: %v", err), nil)
		return
	}
	if err := fn(caller, params.Role, addr); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleRoleGrant(w http.ResponseWriter, req *rpcRequest) {
	s.roleChangeCall(w, req, s.node.GrantRole)
}

func (s *Server) handleRoleRevoke(w http.ResponseWriter, req *rpcRequest) {
	s.roleChangeCall(w, req, s.node.RevokeRole)
}

func (s *Server) handleRoleHas(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		Role    string `json:"role"`
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
	writeResult(w, req.ID, map[string]bool{"has": s.node.HasRole(params.Role, addr)})
}

func (s *Server) handleRoleMembers(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		Role string `json:"role"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	members, err := s.node.RoleMembers(params.Role)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	formatted := make([]string, 0, len(members))
	for _, member := range members {
		formatted = append(formatted, types.FormatAddress(member))
	}
	writeResult(w, req.ID, map[string]interface{}{
		"role":    params.Role,
		"members": formatted,
	})
}

type certificateResult struct {
	TokenID   uint64 `json:"tokenId"`
	ProjectID string `json:"projectId"`
	Owner     string `json:"owner"`
	URI       string `json:"uri"`
	MintedAt  int64  `json:"mintedAt"`
}

func certificateToResult(c *certificate.Certificate) certificateResult {
	return certificateResult{
		TokenID:   c.TokenID,
		ProjectID: types.FormatHash(c.ProjectID),
		Owner:     types.FormatAddress(c.Owner),
		URI:       c.URI,
		MintedAt:  c.MintedAt,
	}
}

func (s *Server) handleCertificateGet(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		TokenID uint64 `json:"tokenId"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	cert, err := s.node.GetCertificate(params.TokenID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, certificateToResult(cert))
}

func (s *Server) handleCertificateByProject(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		ProjectID string `json:"projectId"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	projectID, err := types.ParseHash(params.ProjectID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("projectId: %v", err), nil)
		return
	}
	cert, ok, err := s.node.CertificateByProject(projectID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeNotFound, "no certificate minted for project", nil)
		return
	}
	writeResult(w, req.ID, certificateToResult(cert))
}

const maxEventPage = 500

func (s *Server) handleEventsList(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		After uint64 `json:"after"`
		Limit int    `json:"limit"`
	}
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
	}
	if params.Limit <= 0 || params.Limit > maxEventPage {
		params.Limit = maxEventPage
	}
	records, err := s.node.Events(params.After, params.Limit)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	if records == nil {
		records = []state.EventRecord{}
	}
	next := params.After
	if len(records) > 0 {
		next = records[len(records)-1].Seq
	}
	writeResult(w, req.ID, map[string]interface{}{
		"events":     records,
		"nextCursor": next,
	})
}
