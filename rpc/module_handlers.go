package rpc

import (
	"fmt"
	"net/http"

	"artisanpay/crypto"
	"artisanpay/native/reputation"
)

type ledgerBalanceParams struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
}

type ledgerBalanceResult struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

type reputationSubmitParams struct {
	Engagement uint64 `json:"engagement"`
	Rater      string `json:"rater"`
	Ratee      string `json:"ratee"`
	Score      uint8  `json:"score"`
}

type reputationStatsParams struct {
	Address string `json:"address"`
}

type reputationStatsResult struct {
	Address         string `json:"address"`
	AverageTimes100 uint32 `json:"averageTimes100"`
	Count           uint32 `json:"count"`
}

func (s *Server) handleLedgerBalance(w http.ResponseWriter, req *RPCRequest) {
	var params ledgerBalanceParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	addr, err := crypto.DecodeAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("address: %v", err), nil)
		return
	}
	amount, err := s.ledger.Balance(addr.Bytes(), params.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, ledgerBalanceResult{
		Address: params.Address,
		Asset:   params.Asset,
		Amount:  amount.String(),
	})
}

func (s *Server) handleReputationSubmit(w http.ResponseWriter, req *RPCRequest) {
	var params reputationSubmitParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	rater, err := crypto.DecodeAddress(params.Rater)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("rater: %v", err), nil)
		return
	}
	ratee, err := crypto.DecodeAddress(params.Ratee)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("ratee: %v", err), nil)
		return
	}
	err = s.reputation.SubmitRating(&reputation.Rating{
		Engagement: params.Engagement,
		Rater:      rater.Bytes(),
		Ratee:      ratee.Bytes(),
		Score:      params.Score,
	})
	if err != nil {
		writeError(w, http.StatusConflict, req.ID, codeServerError, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, map[string]bool{"recorded": true})
}

func (s *Server) handleReputationStats(w http.ResponseWriter, req *RPCRequest) {
	var params reputationStatsParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	addr, err := crypto.DecodeAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, fmt.Sprintf("address: %v", err), nil)
		return
	}
	avg, count, err := s.reputation.GetStats(addr.Bytes())
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, reputationStatsResult{
		Address:         params.Address,
		AverageTimes100: avg,
		Count:           count,
	})
}
