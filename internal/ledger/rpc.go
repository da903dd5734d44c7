package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

type RPCConfig struct {
	Endpoint    string
	Commitment  string
	HTTPTimeout time.Duration
	Logger      *log.Logger
}

// RPCClient speaks the subset of the JSON-RPC API the gateway needs.
type RPCClient struct {
	cfg        RPCConfig
	httpClient *http.Client
	nextID     atomic.Uint64
}

func NewRPCClient(cfg RPCConfig) *RPCClient {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.Commitment == "" {
		cfg.Commitment = "confirmed"
	}
	return &RPCClient{cfg: cfg, httpClient: &http.Client{Timeout: cfg.HTTPTimeout}}
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// call retries transport failures up to three times. JSON-RPC errors are
// returned as is: the node answered, retrying will not change its mind.
func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, ctx.Err())
			case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				break
			}
			continue
		}

		var env struct {
			Result json.RawMessage `json:"result"`
			Error  *rpcError       `json:"error"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("%s: decode response: %w", method, err)
		}
		if env.Error != nil {
			return fmt.Errorf("%s: %w", method, env.Error)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	}
	c.printf("rpc %s failed err=%v", method, lastErr)
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, lastErr)
}

func (c *RPCClient) printf(format string, args ...any) {
	if c != nil && c.cfg.Logger != nil {
		c.cfg.Logger.Printf(format, args...)
	}
}

func (c *RPCClient) LatestBlockhash(ctx context.Context) (PublicKey, error) {
	var res struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", []any{map[string]any{"commitment": c.cfg.Commitment}}, &res); err != nil {
		return PublicKey{}, err
	}
	return ParsePublicKey(res.Value.Blockhash)
}

// AccountData returns the raw data of address, or ErrAccountNotFound.
func (c *RPCClient) AccountData(ctx context.Context, address PublicKey) ([]byte, error) {
	var res struct {
		Value *struct {
			Data []string `json:"data"`
		} `json:"value"`
	}
	params := []any{address.String(), map[string]any{"encoding": "base64", "commitment": c.cfg.Commitment}}
	if err := c.call(ctx, "getAccountInfo", params, &res); err != nil {
		return nil, err
	}
	if res.Value == nil {
		return nil, ErrAccountNotFound
	}
	if len(res.Value.Data) == 0 {
		return nil, fmt.Errorf("getAccountInfo %s: empty data", address)
	}
	return base64.StdEncoding.DecodeString(res.Value.Data[0])
}

func (c *RPCClient) SendTransaction(ctx context.Context, tx *Transaction) (string, error) {
	encoded, err := tx.Base64()
	if err != nil {
		return "", err
	}
	var sig string
	params := []any{encoded, map[string]any{"encoding": "base64", "preflightCommitment": c.cfg.Commitment}}
	if err := c.call(ctx, "sendTransaction", params, &sig); err != nil {
		var re *rpcError
		if errors.As(err, &re) {
			return "", fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return "", err
	}
	return sig, nil
}

type SignatureStatus struct {
	Confirmed bool
	Err       json.RawMessage
}

func (c *RPCClient) SignatureStatus(ctx context.Context, sig string) (SignatureStatus, bool, error) {
	var res struct {
		Value []*struct {
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getSignatureStatuses", []any{[]string{sig}}, &res); err != nil {
		return SignatureStatus{}, false, err
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return SignatureStatus{}, false, nil
	}
	v := res.Value[0]
	st := SignatureStatus{
		Confirmed: v.ConfirmationStatus == "confirmed" || v.ConfirmationStatus == "finalized",
	}
	if len(v.Err) > 0 && string(v.Err) != "null" {
		st.Err = v.Err
	}
	return st, true, nil
}
