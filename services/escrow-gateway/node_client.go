package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// NodeClient is a thin JSON-RPC client used by the gateway.
type NodeClient interface {
	EscrowInitialize(ctx context.Context, req EscrowInitializeRequest) (uint64, error)
	EscrowDeposit(ctx context.Context, id uint64, asset string) error
	EscrowRelease(ctx context.Context, id uint64, asset, caller string) error
	EscrowReclaim(ctx context.Context, id uint64, asset, caller string) (bool, error)
	EscrowGet(ctx context.Context, id uint64) (*EscrowState, error)
	FetchEvents(ctx context.Context, after uint64) ([]NodeEvent, error)
	LedgerBalance(ctx context.Context, address, asset string) (string, error)
}

// RPCNodeClient implements NodeClient against the escrowd JSON-RPC server.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

func NewRPCNodeClient(baseURL, authToken string) *RPCNodeClient {
	return &RPCNodeClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NodeError carries the JSON-RPC error code so handlers can map node
// failures onto HTTP statuses.
type NodeError struct {
	Code    int
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

// EscrowInitializeRequest is the request payload accepted by the gateway.
type EscrowInitializeRequest struct {
	Client   string `json:"client"`
	Artisan  string `json:"artisan"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	Deadline uint64 `json:"deadline"`
}

// EscrowState mirrors the JSON returned by the node for escrow_get.
type EscrowState struct {
	ID        uint64 `json:"id"`
	Client    string `json:"client"`
	Artisan   string `json:"artisan"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Deadline  uint64 `json:"deadline"`
	CreatedAt uint64 `json:"createdAt"`
	Status    string `json:"status"`
}

// NodeEvent represents an emitted engagement event returned by the node.
type NodeEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func (c *RPCNodeClient) EscrowInitialize(ctx context.Context, req EscrowInitializeRequest) (uint64, error) {
	var result struct {
		ID uint64 `json:"id"`
	}
	if err := c.call(ctx, "escrow_initialize", []interface{}{req}, &result); err != nil {
		return 0, err
	}
	return result.ID, nil
}

func (c *RPCNodeClient) EscrowDeposit(ctx context.Context, id uint64, asset string) error {
	params := map[string]interface{}{"id": id, "asset": asset}
	return c.call(ctx, "escrow_deposit", []interface{}{params}, nil)
}

func (c *RPCNodeClient) EscrowRelease(ctx context.Context, id uint64, asset, caller string) error {
	params := map[string]interface{}{"id": id, "asset": asset, "caller": caller}
	return c.call(ctx, "escrow_release", []interface{}{params}, nil)
}

func (c *RPCNodeClient) EscrowReclaim(ctx context.Context, id uint64, asset, caller string) (bool, error) {
	params := map[string]interface{}{"id": id, "asset": asset, "caller": caller}
	var result struct {
		Reclaimed bool `json:"reclaimed"`
	}
	if err := c.call(ctx, "escrow_reclaim", []interface{}{params}, &result); err != nil {
		return false, err
	}
	return result.Reclaimed, nil
}

func (c *RPCNodeClient) EscrowGet(ctx context.Context, id uint64) (*EscrowState, error) {
	var result EscrowState
	if err := c.call(ctx, "escrow_get", []interface{}{map[string]uint64{"id": id}}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) FetchEvents(ctx context.Context, after uint64) ([]NodeEvent, error) {
	var result []NodeEvent
	if err := c.call(ctx, "escrow_events", []interface{}{map[string]uint64{"after": after}}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *RPCNodeClient) LedgerBalance(ctx context.Context, address, asset string) (string, error) {
	var result struct {
		Amount string `json:"amount"`
	}
	params := map[string]string{"address": address, "asset": asset}
	if err := c.call(ctx, "ledger_balance", []interface{}{params}, &result); err != nil {
		return "", err
	}
	return result.Amount, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rpcResp); err != nil {
		return fmt.Errorf("node rpc %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return &NodeError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
