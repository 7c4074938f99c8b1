package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// rpcTimeout bounds every chain read; RPC nodes are the slow external edge.
const rpcTimeout = 15 * time.Second

// RPCReader reads transaction state over Ethereum JSON-RPC.
type RPCReader struct {
	url    string
	client *http.Client
}

// NewRPCReader creates a Reader against the given JSON-RPC endpoint.
func NewRPCReader(url string) *RPCReader {
	return &RPCReader{
		url:    url,
		client: &http.Client{Timeout: rpcTimeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (r *RPCReader) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc %s: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return ErrTxNotFound
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("unmarshal rpc result: %w", err)
	}
	return nil
}

// TransactionByHash implements Reader.
func (r *RPCReader) TransactionByHash(ctx context.Context, txHash string) (*Tx, error) {
	var raw struct {
		Hash  string `json:"hash"`
		From  string `json:"from"`
		To    string `json:"to"`
		Value string `json:"value"`
		Input string `json:"input"`
	}
	if err := r.call(ctx, "eth_getTransactionByHash", []any{normalizeTxHash(txHash)}, &raw); err != nil {
		return nil, err
	}

	value, err := parseHexBig(raw.Value)
	if err != nil {
		return nil, fmt.Errorf("parse tx value: %w", err)
	}
	return &Tx{
		Hash:     normalizeTxHash(raw.Hash),
		From:     normalizeAddress(raw.From),
		To:       normalizeAddress(raw.To),
		ValueWei: value,
		Input:    raw.Input,
	}, nil
}

// ReceiptByHash implements Reader.
func (r *RPCReader) ReceiptByHash(ctx context.Context, txHash string) (*Receipt, error) {
	var raw struct {
		TransactionHash string `json:"transactionHash"`
		Status          string `json:"status"`
		ContractAddress string `json:"contractAddress"`
	}
	if err := r.call(ctx, "eth_getTransactionReceipt", []any{normalizeTxHash(txHash)}, &raw); err != nil {
		return nil, err
	}

	receipt := &Receipt{
		TxHash:  normalizeTxHash(raw.TransactionHash),
		Success: raw.Status == "0x1",
	}
	if raw.ContractAddress != "" {
		receipt.ContractAddress = normalizeAddress(raw.ContractAddress)
	}
	return receipt, nil
}

func parseHexBig(s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" {
		return big.NewInt(0), nil
	}
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("not a hex quantity: %q", s)
	}
	return n, nil
}
