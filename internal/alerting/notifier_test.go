package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{
		ContractID:  "contract-1",
		Event:       EventSettled,
		Epoch:       time.Now(),
		SpotPrice:   decimal.NewFromInt(52000),
		StrikePrice: decimal.NewFromInt(50000),
		PayoutCents: 200000,
		BranchID:    "itm-payout",
		Channels:    []string{"telegram"},
	}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if received["text"] == "" {
		t.Fatalf("text 应非空")
	}
	if !strings.Contains(received["text"], "contract-1") {
		t.Fatalf("消息应包含合约 ID: %s", received["text"])
	}
	if !strings.Contains(received["text"], "200000 cents") {
		t.Fatalf("结算事件应包含赔付金额: %s", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{ContractID: "contract-1", Event: EventDisputeOpened, Epoch: time.Now()}

	if err := notifier.Notify(context.Background(), note); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestRenderMessageOmitsEmptyFields(t *testing.T) {
	text := renderMessage(Notification{Event: EventConsensusFailed, Epoch: time.Now(), AdditionalMsg: "quorum not met"})

	if strings.Contains(text, "Payout") {
		t.Fatalf("共识失败事件不应包含赔付: %s", text)
	}
	if strings.Contains(text, "Branch") {
		t.Fatalf("未结算事件不应包含分支: %s", text)
	}
	if !strings.Contains(text, "quorum not met") {
		t.Fatalf("应包含附加说明: %s", text)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
