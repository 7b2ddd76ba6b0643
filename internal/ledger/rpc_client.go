package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const defaultRPCTimeout = 15 * time.Second

var errMissingEndpoint = errors.New("ledger: rpc endpoint is required")

// RPCClientConfig configures the JSON-RPC ledger client.
type RPCClientConfig struct {
	Endpoint string
	Timeout  time.Duration
	Logger   *zap.Logger
}

// RPCClient talks JSON-RPC to a ledger node. Submissions are relayed through
// the backend signer service fronting the node, so the payload is the signed
// instruction envelope, base64-encoded.
type RPCClient struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewRPCClient constructs a client with a bounded per-call timeout.
func NewRPCClient(cfg RPCClientConfig) (*RPCClient, error) {
	if cfg.Endpoint == "" {
		return nil, errMissingEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := resty.New().
		SetBaseURL(cfg.Endpoint).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &RPCClient{http: httpClient, logger: logger}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type accountInfoResult struct {
	Value *struct {
		Data []string `json:"data"`
	} `json:"value"`
}

// customProgramErrorPattern extracts the hex error code a node embeds in
// simulation failures, e.g. "custom program error: 0x1b67".
var customProgramErrorPattern = regexp.MustCompile(`custom program error: 0x([0-9a-fA-F]+)`)

// SubmitInstruction sends the instruction envelope and returns the confirmed
// transaction signature.
func (c *RPCClient) SubmitInstruction(ctx context.Context, instruction Instruction) (Signature, error) {
	envelope, err := json.Marshal(instruction)
	if err != nil {
		return "", fmt.Errorf("ledger: encoding instruction: %w", err)
	}

	payload := base64.StdEncoding.EncodeToString(envelope)
	response, err := c.call(ctx, "sendTransaction", []any{payload, map[string]string{"encoding": "base64"}})
	if err != nil {
		return "", err
	}

	var signature string
	if err := json.Unmarshal(response, &signature); err != nil {
		return "", fmt.Errorf("ledger: decoding signature: %w", err)
	}
	c.logger.Debug("instruction submitted",
		zap.String("action", string(instruction.Action)),
		zap.String("course", instruction.Course),
		zap.String("signature", signature))
	return Signature(signature), nil
}

// FetchAccount returns the raw bytes of the account at the derived address,
// or ErrAccountNotFound when the ledger holds no account there.
func (c *RPCClient) FetchAccount(ctx context.Context, address Address) ([]byte, error) {
	response, err := c.call(ctx, "getAccountInfo", []any{address.String(), map[string]string{"encoding": "base64"}})
	if err != nil {
		return nil, err
	}

	var info accountInfoResult
	if err := json.Unmarshal(response, &info); err != nil {
		return nil, fmt.Errorf("ledger: decoding account info: %w", err)
	}
	if info.Value == nil || len(info.Value.Data) == 0 {
		return nil, ErrAccountNotFound
	}

	data, err := base64.StdEncoding.DecodeString(info.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("ledger: decoding account data: %w", err)
	}
	return data, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	request := rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}

	var response rpcResponse
	httpResponse, err := c.http.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&response).
		Post("")
	if err != nil {
		return nil, fmt.Errorf("ledger: rpc transport: %w", err)
	}
	if httpResponse.IsError() {
		return nil, fmt.Errorf("ledger: rpc status %d: %s", httpResponse.StatusCode(), httpResponse.String())
	}
	if response.Error != nil {
		return nil, parseRPCError(response.Error)
	}
	return response.Result, nil
}

// parseRPCError lifts structured program errors out of the node's error
// message so Classify can use the closed numeric table instead of substrings.
func parseRPCError(rpcErr *rpcError) error {
	if match := customProgramErrorPattern.FindStringSubmatch(rpcErr.Message); match != nil {
		if code, err := strconv.ParseUint(match[1], 16, 32); err == nil {
			return &ProgramError{Code: uint32(code), Message: rpcErr.Message}
		}
	}
	return fmt.Errorf("ledger: rpc error %d: %s", rpcErr.Code, rpcErr.Message)
}
