package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/marcoeg/etrap/internal/crypto"
)

// RPCClient submits mint_batch calls to the contract's JSON-RPC
// gateway for the selected network, signing each call payload with the
// organization's account key.

const (
	testnetEndpoint = "https://rpc.testnet.near.org"
	mainnetEndpoint = "https://rpc.mainnet.near.org"
)

// EndpointFor maps the configured network name to its RPC endpoint.
func EndpointFor(network string) (string, error) {
	switch network {
	case "testnet":
		return testnetEndpoint, nil
	case "mainnet":
		return mainnetEndpoint, nil
	default:
		return "", fmt.Errorf("unknown blockchain network %q", network)
	}
}

type RPCClient struct {
	endpoint   string
	contractID string
	signer     *crypto.Signer
	httpClient *http.Client
	nextID     atomic.Int64
}

func NewRPCClient(endpoint, contractID string, signer *crypto.Signer, httpClient *http.Client) *RPCClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &RPCClient{
		endpoint:   endpoint,
		contractID: contractID,
		signer:     signer,
		httpClient: httpClient,
	}
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	ContractID string          `json:"contract_id"`
	Method     string          `json:"method_name"`
	Args       json.RawMessage `json:"args"`
	SignerID   string          `json:"signer_id"`
	PublicKey  string          `json:"public_key"`
	Signature  string          `json:"signature"`
}

type rpcResponse struct {
	Result *struct {
		TxHash      string `json:"tx_hash"`
		BlockHeight string `json:"block_height"`
		GasUsed     string `json:"gas_used"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    string `json:"data"`
	} `json:"error"`
}

func (c *RPCClient) MintBatch(ctx context.Context, req MintRequest) (*MintReceipt, error) {
	args, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal mint args: %w", err)
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "mint_batch",
		Params: rpcParams{
			ContractID: c.contractID,
			Method:     "mint_batch",
			Args:       args,
			SignerID:   c.signer.AccountID,
			PublicKey:  c.signer.PublicKeyString(),
			Signature:  c.signer.Sign(args),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mint rpc: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read mint response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mint rpc status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var parsed rpcResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("parse mint response: %w", err)
	}
	if parsed.Error != nil {
		if isAlreadyMinted(parsed.Error.Message) || isAlreadyMinted(parsed.Error.Data) {
			return &MintReceipt{TokenID: req.TokenID, AlreadyMinted: true}, ErrAlreadyMinted
		}
		return nil, fmt.Errorf("mint rejected: %s", parsed.Error.Message)
	}
	if parsed.Result == nil {
		return nil, fmt.Errorf("mint response missing result")
	}
	return &MintReceipt{
		TokenID:     req.TokenID,
		TxHash:      parsed.Result.TxHash,
		BlockHeight: parsed.Result.BlockHeight,
		GasUsed:     parsed.Result.GasUsed,
	}, nil
}

func isAlreadyMinted(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "already minted") || strings.Contains(lower, "already exists")
}
