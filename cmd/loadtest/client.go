package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   []byte
	Err    error
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type client struct {
	http       *http.Client
	base       string
	adminToken string
}

func newClient(base, adminToken string) *client {
	return &client{
		http:       &http.Client{Timeout: 5 * time.Second},
		base:       base,
		adminToken: adminToken,
	}
}

func (c *client) do(ctx context.Context, method, path string, body any, admin bool) Result {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return Result{Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("X-Admin-Token", c.adminToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: b}
}

// data 解出响应 envelope 中的 data 字段，非 2xx 视为错误。
func (r Result) data(out any) error {
	if r.Err != nil {
		return r.Err
	}
	if r.Status >= 300 {
		return fmt.Errorf("status=%d body=%s", r.Status, string(r.Body))
	}
	var env envelope
	if err := json.Unmarshal(r.Body, &env); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *client) stock(ctx context.Context, saleID string) (int64, error) {
	var out struct {
		Available int64 `json:"available"`
		Stale     bool  `json:"stale"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sales/"+saleID+"/stock", nil, false).data(&out); err != nil {
		return 0, err
	}
	return out.Available, nil
}

// summarize 聚合不同状态码分布。
func summarize(results []Result) (map[int]int, int) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	return count, errCount
}

func printSummary(name string, results []Result) {
	count, errCount := summarize(results)
	codes := make([]int, 0, len(count))
	for code := range count {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range codes {
		fmt.Printf("  %d -> %d\n", code, count[code])
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}
