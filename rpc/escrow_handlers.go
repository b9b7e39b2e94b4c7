package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"

	"artisanpay/crypto"
	"artisanpay/native/escrow"
)

type escrowInitializeParams struct {
	Client   string `json:"client"`
	Artisan  string `json:"artisan"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	Deadline uint64 `json:"deadline"`
}

type escrowDepositParams struct {
	ID    uint64 `json:"id"`
	Asset string `json:"asset"`
}

// escrowActionParams carries a client-authorized call. Either the caller
// signs the canonical digest (signature + timestamp) or the request arrives
// on the bearer-authenticated trusted channel with an explicit caller.
type escrowActionParams struct {
	ID        uint64 `json:"id"`
	Asset     string `json:"asset"`
	Caller    string `json:"caller,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type escrowGetParams struct {
	ID uint64 `json:"id"`
}

type escrowEventsParams struct {
	After uint64 `json:"after"`
}

type escrowInitializeResult struct {
	ID uint64 `json:"id"`
}

type escrowJSON struct {
	ID        uint64 `json:"id"`
	Client    string `json:"client"`
	Artisan   string `json:"artisan"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Deadline  uint64 `json:"deadline"`
	CreatedAt uint64 `json:"createdAt"`
	Status    string `json:"status"`
}

func escrowToJSON(esc *escrow.Escrow) escrowJSON {
	return escrowJSON{
		ID:        esc.ID,
		Client:    crypto.MustNewAddress(esc.Client[:]).String(),
		Artisan:   crypto.MustNewAddress(esc.Artisan[:]).String(),
		Asset:     esc.Asset,
		Amount:    esc.Amount.String(),
		Deadline:  esc.Deadline,
		CreatedAt: esc.CreatedAt,
		Status:    esc.Status.String(),
	}
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected exactly one params object")
	}
	return json.Unmarshal(req.Params[0], out)
}

func (s *Server) handleEscrowInitialize(w http.ResponseWriter, req *RPCRequest) {
	var params escrowInitializeParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	client, err := crypto.DecodeAddress(params.Client)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, fmt.Sprintf("client: %v", err), nil)
		return
	}
	artisan, err := crypto.DecodeAddress(params.Artisan)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, fmt.Sprintf("artisan: %v", err), nil)
		return
	}
	amount, ok := new(big.Int).SetString(params.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "amount must be a decimal string", nil)
		return
	}
	id, err := s.engine.Initialize(client.Bytes(), artisan.Bytes(), params.Asset, amount, params.Deadline)
	if err != nil {
		status, code := escrowError(err)
		writeError(w, status, req.ID, code, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, escrowInitializeResult{ID: id})
}

func (s *Server) handleEscrowDeposit(w http.ResponseWriter, req *RPCRequest) {
	var params escrowDepositParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.engine.Deposit(params.ID, params.Asset); err != nil {
		status, code := escrowError(err)
		writeError(w, status, req.ID, code, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": escrow.StatusFunded.String()})
}

// gateForAction resolves the authorization gate for release/reclaim calls.
func (s *Server) gateForAction(r *http.Request, method string, params *escrowActionParams) (escrow.Authorizer, *authError) {
	if params.Signature != "" {
		gate, err := s.gateFromSignature(method, params.ID, params.Asset, params.Signature, params.Timestamp)
		if err != nil {
			return nil, &authError{Code: codeEscrowForbidden, Message: err.Error()}
		}
		return gate, nil
	}
	if authErr := s.requireAuth(r); authErr != nil {
		return nil, authErr
	}
	caller, err := crypto.DecodeAddress(params.Caller)
	if err != nil {
		return nil, &authError{Code: codeEscrowInvalidParams, Message: fmt.Sprintf("caller: %v", err)}
	}
	return escrow.CallerGate(caller.Bytes()), nil
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowActionParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	gate, authErr := s.gateForAction(r, "escrow_release", &params)
	if authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, nil)
		return
	}
	if err := s.engine.Release(params.ID, params.Asset, gate); err != nil {
		status, code := escrowError(err)
		writeError(w, status, req.ID, code, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, map[string]string{"status": escrow.StatusReleased.String()})
}

func (s *Server) handleEscrowReclaim(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowActionParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	gate, authErr := s.gateForAction(r, "escrow_reclaim", &params)
	if authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, nil)
		return
	}
	reclaimed, err := s.engine.Reclaim(params.ID, params.Asset, gate)
	if err != nil {
		status, code := escrowError(err)
		writeError(w, status, req.ID, code, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, map[string]bool{"reclaimed": reclaimed})
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, req *RPCRequest) {
	var params escrowGetParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	esc, err := s.engine.Get(params.ID)
	if err != nil {
		status, code := escrowError(err)
		writeError(w, status, req.ID, code, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, escrowToJSON(esc))
}

func (s *Server) handleEscrowEvents(w http.ResponseWriter, req *RPCRequest) {
	params := escrowEventsParams{}
	if len(req.Params) > 0 {
		if err := decodeSingleParam(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
	}
	if s.events == nil {
		writeResult(w, req.ID, []struct{}{})
		return
	}
	writeResult(w, req.ID, s.events.Since(params.After))
}
