package rpc

import (
	"fmt"
	"net/http"
	"time"

	"fariima/core/types"
	"fariima/native/dao"
	"fariima/native/escrow"
)

type jurorResult struct {
	Address string `json:"address"`
	Weight  string `json:"weight"`
}

type disputeResult struct {
	ID        uint64            `json:"id"`
	ProjectID string            `json:"projectId"`
	Claimant  string            `json:"claimant"`
	Jurors    []jurorResult     `json:"jurors"`
	Votes     map[string]string `json:"votes"`
	Seed      string            `json:"seed"`
	Deadline  int64             `json:"deadline"`
	CreatedAt int64             `json:"createdAt"`
	Status    string            `json:"status"`
	Outcome   string            `json:"outcome,omitempty"`
}

func disputeToResult(d *dao.Dispute) disputeResult {
	jurors := make([]jurorResult, 0, len(d.Jurors))
	for _, juror := range d.Jurors {
		weight := "0"
		if juror.Weight != nil {
			weight = juror.Weight.String()
		}
		jurors = append(jurors, jurorResult{
			Address: types.FormatAddress(juror.Address),
			Weight:  weight,
		})
	}
	votes := make(map[string]string, len(d.Votes))
	for voter, choice := range d.Votes {
		votes[voter] = choice.String()
	}
	return disputeResult{
		ID:        d.ID,
		ProjectID: types.FormatHash(d.ProjectID),
		Claimant:  types.FormatAddress(d.Claimant),
		Jurors:    jurors,
		Votes:     votes,
		Seed:      types.FormatHash(d.Seed),
		Deadline:  d.Deadline,
		CreatedAt: d.CreatedAt,
		Status:    d.Status.String(),
		Outcome:   d.Outcome.String(),
	}
}

type proposalResult struct {
	ID          uint64 `json:"id"`
	Submitter   string `json:"submitter"`
	Kind        string `json:"kind"`
	Payload     string `json:"payload"`
	Status      string `json:"status"`
	SubmitTime  string `json:"submitTime"`
	VotingStart string `json:"votingStart"`
	VotingEnd   string `json:"votingEnd"`
}

func proposalToResult(p *dao.Proposal) proposalResult {
	return proposalResult{
		ID:          p.ID,
		Submitter:   types.FormatAddress(p.Submitter),
		Kind:        p.Kind,
		Payload:     p.Payload,
		Status:      p.Status.String(),
		SubmitTime:  p.SubmitTime.UTC().Format(time.RFC3339),
		VotingStart: p.VotingStart.UTC().Format(time.RFC3339),
		VotingEnd:   p.VotingEnd.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleDisputeVote(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		DisputeID uint64 `json:"disputeId"`
		Caller    string `json:"caller"`
		Choice    string `json:"choice"`
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
	choice, err := escrow.ParseOutcome(params.Choice)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("choice: %v", err), nil)
		return
	}
	if err := s.node.CastDisputeVote(params.DisputeID, caller, choice); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleDisputeFinalize(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		DisputeID uint64 `json:"disputeId"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	outcome, err := s.node.FinalizeDispute(params.DisputeID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"disputeId": params.DisputeID,
		"outcome":   outcome.String(),
	})
}

func (s *Server) handleDisputeGet(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		DisputeID uint64 `json:"disputeId"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	dispute, err := s.node.GetDispute(params.DisputeID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, disputeToResult(dispute))
}

func (s *Server) handleProposalSubmit(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		Caller  string `json:"caller"`
		Kind    string `json:"kind"`
		Payload string `json:"payload"`
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
	proposal, err := s.node.SubmitProposal(caller, params.Kind, params.Payload)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, proposalToResult(proposal))
}

func (s *Server) handleProposalVote(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		ProposalID uint64 `json:"proposalId"`
		Caller     string `json:"caller"`
		Choice     string `json:"choice"`
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
	if err := s.node.CastProposalVote(params.ProposalID, caller, params.Choice); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleProposalFinalize(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		ProposalID uint64 `json:"proposalId"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	status, err := s.node.FinalizeProposal(params.ProposalID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]interface{}{
		"proposalId": params.ProposalID,
		"status":     status.String(),
	})
}

func (s *Server) handleProposalExecute(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		ProposalID uint64 `json:"proposalId"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.ExecuteProposal(params.ProposalID); err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	proposal, err := s.node.GetProposal(params.ProposalID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, proposalToResult(proposal))
}

func (s *Server) handleProposalGet(w http.ResponseWriter, req *rpcRequest) {
	var params struct {
		ProposalID uint64 `json:"proposalId"`
	}
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	proposal, err := s.node.GetProposal(params.ProposalID)
	if err != nil {
		writeEngineError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, proposalToResult(proposal))
}
