package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer sells stock units to whoever reserves first.
func fakeServer(t *testing.T, stock int64) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	available := stock
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, code int, data any) {
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": data})
	}
	mux.HandleFunc("POST /api/admin/sales", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get("X-Admin-Token"))
		reply(w, http.StatusOK, map[string]any{"id": "sale-1"})
	})
	mux.HandleFunc("GET /api/sales/sale-1/stock", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		reply(w, http.StatusOK, map[string]any{"available": available})
	})
	mux.HandleFunc("POST /api/sales/sale-1/queue", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, map[string]any{"created": true})
	})
	mux.HandleFunc("POST /api/admin/sales/sale-1/advance", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, map[string]any{"watermark": 1})
	})
	mux.HandleFunc("POST /api/sales/sale-1/reservations", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if available == 0 {
			reply(w, http.StatusConflict, nil)
			return
		}
		available--
		reply(w, http.StatusOK, map[string]any{"reservation_id": "r"})
	})
	mux.HandleFunc("POST /api/reservations/{id}/checkout", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, map[string]any{"order_no": "FS1"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunSwarm_NoOversell(t *testing.T) {
	srv := fakeServer(t, 5)
	c := newClient(srv.URL, "tok")

	err := runSwarm(context.Background(), c, "", &swarmOptions{users: 40, concurrency: 8, stock: 5, quantity: 1, checkout: true})
	require.NoError(t, err)

	n, err := c.stock(context.Background(), "sale-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSummarize(t *testing.T) {
	count, errs := summarize([]Result{{Status: 200}, {Status: 409}, {Status: 200}, {Err: assert.AnError}})
	assert.Equal(t, map[int]int{200: 2, 409: 1}, count)
	assert.Equal(t, 1, errs)
}

func TestFanOutKeepsOrder(t *testing.T) {
	out := fanOut(context.Background(), 3, []string{"a", "b", "c", "d"}, func(_ context.Context, s string) Result {
		return Result{Body: []byte(s)}
	})
	require.Len(t, out, 4)
	for i, s := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, s, string(out[i].Body))
	}
}
