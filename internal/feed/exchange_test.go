package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestExchangeFetchMissingConfig(t *testing.T) {
	e := NewExchange(ExchangeOptions{Name: "coinbase"}, noopLogger())
	if _, err := e.Fetch(context.Background()); err == nil {
		t.Fatal("缺少 base url 时应返回错误")
	}

	e = NewExchange(ExchangeOptions{Name: "coinbase", BaseURL: "http://localhost"}, noopLogger())
	if _, err := e.Fetch(context.Background()); err == nil {
		t.Fatal("缺少交易对时应返回错误")
	}
}

func TestExchangeFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "rate limited"})
	}))
	defer srv.Close()

	e := NewExchange(ExchangeOptions{
		Name:      "coinbase",
		BaseURL:   srv.URL,
		Pair:      "BTC-USD",
		Timeout:   time.Second,
		UserAgent: "test",
	}, noopLogger())

	if _, err := e.Fetch(context.Background()); err == nil {
		t.Fatal("HTTP 429 应返回错误")
	}
}

func TestExchangeFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/prices/BTC-USD/spot" {
			t.Fatalf("请求路径不正确: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{
				"amount":   "52000.25",
				"currency": "USD",
			},
		})
	}))
	defer srv.Close()

	e := NewExchange(ExchangeOptions{
		Name:      "coinbase",
		BaseURL:   srv.URL,
		Pair:      "BTC-USD",
		Timeout:   time.Second,
		UserAgent: "test",
	}, noopLogger())

	att, err := e.Fetch(context.Background())
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if att.Source != "coinbase" {
		t.Fatalf("来源应为 coinbase, 实际 %s", att.Source)
	}
	if att.Price.String() != "52000.25" {
		t.Fatalf("期望价格 52000.25, 实际 %s", att.Price.String())
	}
	if att.ObservedAt.IsZero() {
		t.Fatal("观测时间应非零")
	}
}

func TestExchangeFetchZeroPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"amount": "0", "currency": "USD"},
		})
	}))
	defer srv.Close()

	e := NewExchange(ExchangeOptions{Name: "coinbase", BaseURL: srv.URL, Pair: "BTC-USD", Timeout: time.Second}, noopLogger())
	if _, err := e.Fetch(context.Background()); err == nil {
		t.Fatal("零价格应返回错误")
	}
}
