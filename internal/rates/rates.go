// Package rates 为 convert 工具提供汇率。
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	xerrors "ChainChat/internal/errors"
)

// DefaultFallbackRate 是未配置汇率时使用的固定值。
const DefaultFallbackRate = 0.85

// Provider 返回 1 单位 from 兑换成 to 的数量。
type Provider interface {
	Rate(ctx context.Context, from, to string) (float64, error)
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Static 使用配置表中的汇率，缺失时返回 Fallback。
type Static struct {
	Table    map[string]float64
	Fallback float64
}

// NewStatic 构造静态汇率表，表的键形如 "EUR:USD"。
func NewStatic(table map[string]float64, fallback float64) *Static {
	normalized := make(map[string]float64, len(table))
	for k, v := range table {
		from, to, ok := strings.Cut(k, ":")
		if !ok {
			continue
		}
		normalized[normalize(from)+":"+normalize(to)] = v
	}
	if fallback <= 0 {
		fallback = DefaultFallbackRate
	}
	return &Static{Table: normalized, Fallback: fallback}
}

// Rate 实现 Provider。
func (s *Static) Rate(_ context.Context, from, to string) (float64, error) {
	from, to = normalize(from), normalize(to)
	if from == "" || to == "" {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "currency code is empty")
	}
	if from == to {
		return 1, nil
	}
	if r, ok := s.Table[from+":"+to]; ok {
		return r, nil
	}
	if r, ok := s.Table[to+":"+from]; ok && r != 0 {
		return 1 / r, nil
	}
	return s.Fallback, nil
}

// HTTPConfig 描述远程汇率接口。
type HTTPConfig struct {
	// Endpoint 形如 https://api.exchangerate-api.com/v4/latest，基准货币拼接在末尾。
	Endpoint string
	TTL      time.Duration
	Client   *http.Client
}

type cached struct {
	rates   map[string]float64
	fetched time.Time
}

// HTTP 按基准货币拉取汇率表并在 TTL 内缓存。
type HTTP struct {
	endpoint string
	ttl      time.Duration
	client   *http.Client
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

// NewHTTP 构造远程汇率来源。
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "rates endpoint is empty")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &HTTP{endpoint: endpoint, ttl: ttl, client: client, now: time.Now, cache: map[string]cached{}}, nil
}

// Rate 实现 Provider。
func (h *HTTP) Rate(ctx context.Context, from, to string) (float64, error) {
	from, to = normalize(from), normalize(to)
	if from == "" || to == "" {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "currency code is empty")
	}
	if from == to {
		return 1, nil
	}
	table, err := h.table(ctx, from)
	if err != nil {
		return 0, err
	}
	r, ok := table[to]
	if !ok {
		return 0, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("no rate from %s to %s", from, to))
	}
	return r, nil
}

func (h *HTTP) table(ctx context.Context, base string) (map[string]float64, error) {
	h.mu.Lock()
	entry, ok := h.cache[base]
	h.mu.Unlock()
	if ok && h.now().Sub(entry.fetched) < h.ttl {
		return entry.rates, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+"/"+base, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailure, err, "fetch exchange rates")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.CodeExecutionFailure, fmt.Sprintf("exchange rate service returned %d", resp.StatusCode))
	}

	var payload struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailure, err, "decode exchange rates")
	}
	normalized := make(map[string]float64, len(payload.Rates))
	for k, v := range payload.Rates {
		normalized[normalize(k)] = v
	}

	h.mu.Lock()
	h.cache[base] = cached{rates: normalized, fetched: h.now()}
	h.mu.Unlock()
	return normalized, nil
}
