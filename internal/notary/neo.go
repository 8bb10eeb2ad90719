package notary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// NeoConfig configures a NeoSink.
type NeoConfig struct {
	RPCURL string
	// Method is the relayer RPC method that anchors a batch root on chain.
	Method  string
	Timeout time.Duration
}

// NeoSink anchors batch roots through a Neo N3 JSON-RPC relayer.
type NeoSink struct {
	rpcURL     string
	method     string
	httpClient *http.Client
}

var _ Sink = (*NeoSink)(nil)

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewNeoSink creates a sink for the relayer at cfg.RPCURL.
func NewNeoSink(cfg NeoConfig) (*NeoSink, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	method := cfg.Method
	if method == "" {
		method = "notarizeroot"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &NeoSink{
		rpcURL:     cfg.RPCURL,
		method:     method,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (s *NeoSink) Name() string { return "neo" }

// Publish submits the batch root and seal. The transaction id is taken from
// the result, which may be a bare string or an object carrying txid or hash.
func (s *NeoSink) Publish(ctx context.Context, b Batch) (string, error) {
	result, err := s.call(ctx, []interface{}{map[string]interface{}{
		"batch_id":    b.ID,
		"root":        b.Root,
		"seal":        b.Seal,
		"key_version": b.KeyVersion,
		"first_seq":   b.First(),
		"last_seq":    b.Last(),
		"count":       len(b.Entries),
	}})
	if err != nil {
		return "", err
	}

	var txid string
	switch {
	case result.Type == gjson.String:
		txid = result.String()
	case result.Get("txid").Exists():
		txid = result.Get("txid").String()
	case result.Get("hash").Exists():
		txid = result.Get("hash").String()
	}
	txid = strings.TrimSpace(txid)
	if txid == "" {
		return "", fmt.Errorf("relayer returned no transaction id: %s", result.Raw)
	}
	return "neo:" + txid, nil
}

func (s *NeoSink) call(ctx context.Context, params []interface{}) (gjson.Result, error) {
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  s.method,
		"params":  params,
		"id":      1,
	})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.rpcURL, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("relayer returned HTTP %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(respBody) {
		return gjson.Result{}, fmt.Errorf("invalid JSON response")
	}

	parsed := gjson.ParseBytes(respBody)
	if e := parsed.Get("error"); e.Exists() && e.Type != gjson.Null {
		return gjson.Result{}, &RPCError{Code: e.Get("code").Int(), Message: e.Get("message").String()}
	}
	return parsed.Get("result"), nil
}
