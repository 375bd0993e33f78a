package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// NodeEvent mirrors one entry of the node's sequenced event log.
type NodeEvent struct {
	Sequence   uint64            `json:"seq"`
	Timestamp  int64             `json:"timestamp"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// NodeClient is the thin JSON-RPC surface the watcher needs.
type NodeClient interface {
	FetchEvents(ctx context.Context, after uint64, limit int) ([]NodeEvent, error)
}

// RPCNodeClient implements NodeClient against the marketplace JSON-RPC server.
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

func (c *RPCNodeClient) FetchEvents(ctx context.Context, after uint64, limit int) ([]NodeEvent, error) {
	params := []interface{}{map[string]interface{}{
		"after": after,
		"limit": limit,
	}}
	var result struct {
		Events []NodeEvent `json:"events"`
	}
	if err := c.call(ctx, "events_list", params, &result); err != nil {
		return nil, err
	}
	return result.Events, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	payload, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var decoded jsonRPCResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("decode node response: %w", err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("node rpc %s: %d %s", method, decoded.Error.Code, decoded.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(decoded.Result, out)
}
