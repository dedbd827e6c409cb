package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification 封装结算事件上下文。
type Notification struct {
	ContractID    string
	Event         string
	Epoch         time.Time
	SpotPrice     decimal.Decimal
	StrikePrice   decimal.Decimal
	PayoutCents   int64
	BranchID      string
	Winner        string
	Channels      []string
	AdditionalMsg string
}

// Event names carried in notifications.
const (
	EventSettled         = "settled"
	EventExpired         = "expired"
	EventCancelled       = "cancelled"
	EventDisputeOpened   = "dispute_opened"
	EventDisputeResolved = "dispute_resolved"
	EventConsensusFailed = "consensus_failed"
)

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("contract_id", note.ContractID).
		Str("event", note.Event).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Option Settlement]\n")
	builder.WriteString(fmt.Sprintf("Event: %s\n", note.Event))
	builder.WriteString(fmt.Sprintf("Contract: %s\n", note.ContractID))
	builder.WriteString(fmt.Sprintf("Epoch: %s UTC\n", note.Epoch.UTC().Format(time.RFC3339)))
	if !note.SpotPrice.IsZero() {
		builder.WriteString(fmt.Sprintf("Spot: %s\n", note.SpotPrice.StringFixed(2)))
	}
	if !note.StrikePrice.IsZero() {
		builder.WriteString(fmt.Sprintf("Strike: %s\n", note.StrikePrice.StringFixed(2)))
	}
	if note.Event == EventSettled || note.Event == EventDisputeResolved {
		builder.WriteString(fmt.Sprintf("Payout: %d cents\n", note.PayoutCents))
	}
	if note.BranchID != "" {
		builder.WriteString(fmt.Sprintf("Branch: %s\n", note.BranchID))
	}
	if note.Winner != "" {
		builder.WriteString(fmt.Sprintf("Winner: %s\n", note.Winner))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
