package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// UTXO is an unspent output as reported by an Esplora explorer
type UTXO struct {
	TxID   string     `json:"txid"`
	Vout   uint32     `json:"vout"`
	Value  int64      `json:"value"` // satoshis
	Status UTXOStatus `json:"status"`
}

// UTXOStatus carries the confirmation state of an output
type UTXOStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height,omitempty"`
}

// Confirmations returns how deep the output is buried given the chain tip
func (u UTXO) Confirmations(tip int64) int64 {
	if !u.Status.Confirmed || u.Status.BlockHeight <= 0 {
		return 0
	}
	return tip - u.Status.BlockHeight + 1
}

// Explorer is an Esplora REST API client
type Explorer struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewExplorer creates a new Esplora client
func NewExplorer(baseURL string) *Explorer {
	return &Explorer{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 1), // ~4 RPS
	}
}

func (e *Explorer) doRequest(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(data))
	}

	return data, nil
}

// UTXOs returns the unspent outputs of an address
func (e *Explorer) UTXOs(ctx context.Context, address string) ([]UTXO, error) {
	data, err := e.doRequest(ctx, http.MethodGet, "/address/"+address+"/utxo", "", nil)
	if err != nil {
		return nil, err
	}

	var utxos []UTXO
	if err := json.Unmarshal(data, &utxos); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return utxos, nil
}

// TipHeight returns the current block height
func (e *Explorer) TipHeight(ctx context.Context) (int64, error) {
	data, err := e.doRequest(ctx, http.MethodGet, "/blocks/tip/height", "", nil)
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tip height: %w", err)
	}
	return height, nil
}

// Broadcast posts a raw transaction in hex and returns its txid
func (e *Explorer) Broadcast(ctx context.Context, rawHex string) (string, error) {
	data, err := e.doRequest(ctx, http.MethodPost, "/tx", "text/plain", strings.NewReader(rawHex))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
