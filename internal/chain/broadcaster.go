package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

// signerTimeout bounds calls to the custody signer; it broadcasts and waits
// for inclusion, so it is slower than a plain RPC read.
const signerTimeout = 30 * time.Second

// SignerClient is a Broadcaster backed by the platform's custody signer
// sidecar. The signer holds the platform key, signs the transfer, broadcasts
// it, and returns the transaction hash; this service never touches key
// material.
type SignerClient struct {
	url    string
	client *http.Client
}

// NewSignerClient creates a Broadcaster against the signer sidecar.
func NewSignerClient(url string) *SignerClient {
	return &SignerClient{
		url:    url,
		client: &http.Client{Timeout: signerTimeout},
	}
}

// Transfer implements Broadcaster.
func (s *SignerClient) Transfer(ctx context.Context, to string, amountWei *big.Int) (string, error) {
	body, err := json.Marshal(map[string]string{
		"to":        normalizeAddress(to),
		"amountWei": amountWei.String(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal transfer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/transfer", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("signer transfer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("signer transfer: status %d", resp.StatusCode)
	}

	var out struct {
		TxHash string `json:"txHash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode signer response: %w", err)
	}
	if !isTxHash(out.TxHash) {
		return "", fmt.Errorf("signer returned malformed txHash %q", out.TxHash)
	}
	return normalizeTxHash(out.TxHash), nil
}
