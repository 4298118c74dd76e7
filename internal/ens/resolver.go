package ens

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/splax/teamgate/internal/eth"
)

const (
	// resolver(bytes32)
	selectorResolver = "0178b8bf"
	// addr(bytes32)
	selectorAddr = "3b3b57de"
)

var (
	// ErrNotFound is returned when a name has no resolver or no address record.
	ErrNotFound = errors.New("ens name not found")
	// ErrUnavailable is returned when no RPC endpoint is configured.
	ErrUnavailable = errors.New("ens resolution unavailable")
)

// Config controls the resolver.
type Config struct {
	RPCURL    string
	Registry  string
	CacheSize int
	CacheTTL  time.Duration
	Timeout   time.Duration
}

// Resolver resolves names with eth_call against the ENS registry. Results
// are cached and concurrent lookups of one name share a single request.
type Resolver struct {
	cfg    Config
	client *http.Client
	cache  *expirable.LRU[string, string]
	group  singleflight.Group
	ids    atomic.Int64
	logger *slog.Logger
}

// NewResolver builds a Resolver.
func NewResolver(cfg Config, logger *slog.Logger) *Resolver {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL),
		logger: logger,
	}
}

// Resolve returns the checksummed address name points to.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	if r.cfg.RPCURL == "" {
		return "", ErrUnavailable
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if addr, ok := r.cache.Get(key); ok {
		return addr, nil
	}
	// The shared lookup outlives any single caller so one cancelled request
	// does not fail the others waiting on it.
	ch := r.group.DoChan(key, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout)
		defer cancel()
		addr, err := r.resolve(lookupCtx, key)
		if err != nil {
			return "", err
		}
		r.cache.Add(key, addr)
		return addr, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			r.logger.Debug("ens resolution failed", "name", key, "error", res.Err)
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Resolver) resolve(ctx context.Context, name string) (string, error) {
	node := Namehash(name)
	nodeHex := hex.EncodeToString(node[:])

	word, err := r.call(ctx, r.cfg.Registry, selectorResolver+nodeHex)
	if err != nil {
		return "", fmt.Errorf("lookup resolver: %w", err)
	}
	resolver, ok := wordAddress(word)
	if !ok {
		return "", ErrNotFound
	}

	word, err = r.call(ctx, resolver, selectorAddr+nodeHex)
	if err != nil {
		return "", fmt.Errorf("lookup addr: %w", err)
	}
	addr, ok := wordAddress(word)
	if !ok {
		return "", ErrNotFound
	}
	return addr, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type callParams struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

type rpcResponse struct {
	Result string    `json:"result"`
	Error  *rpcError `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (r *Resolver) call(ctx context.Context, to, data string) ([]byte, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      r.ids.Add(1),
		Method:  "eth_call",
		Params:  []any{callParams{To: to, Data: "0x" + data}, "latest"},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.RPCURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	if out.Error != nil {
		return nil, out.Error
	}
	result, err := hex.DecodeString(strings.TrimPrefix(out.Result, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode rpc result: %w", err)
	}
	return result, nil
}

// wordAddress extracts a non-zero address from an ABI-encoded 32-byte word.
func wordAddress(word []byte) (string, bool) {
	if len(word) < 32 {
		return "", false
	}
	raw := word[12:32]
	if bytes.Equal(raw, make([]byte, eth.AddressLength)) {
		return "", false
	}
	return eth.ChecksumAddress(raw), true
}
