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

// Notification 封装一次机会执行的告警上下文。
type Notification struct {
	OpportunityID   string
	Strategy        string
	Success         bool
	EstimatedProfit decimal.Decimal
	Profit          decimal.Decimal
	Size            decimal.Decimal
	Asset           string
	GasUsed         uint64
	Latency         time.Duration
	Error           string
	ExecutedAt      time.Time
	AdditionalMsg   string
}

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

	n.logger.Info().Str("id", note.OpportunityID).
		Str("strategy", note.Strategy).
		Bool("success", note.Success).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	status := "EXECUTED"
	if !note.Success {
		status = "FAILED"
	}

	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[MEV %s] %s\n", status, note.Strategy))
	builder.WriteString(fmt.Sprintf("ID: %s\n", note.OpportunityID))
	if !note.ExecutedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.ExecutedAt.UTC().Format(time.RFC3339)))
	}
	builder.WriteString(fmt.Sprintf("Estimated: %s\n", note.EstimatedProfit.StringFixed(4)))
	if note.Success {
		builder.WriteString(fmt.Sprintf("Realised: %s\n", note.Profit.StringFixed(4)))
	}
	if !note.Size.IsZero() {
		builder.WriteString(fmt.Sprintf("Size: %s %s\n", note.Size.String(), note.Asset))
	}
	builder.WriteString(fmt.Sprintf("Gas used: %d\n", note.GasUsed))
	builder.WriteString(fmt.Sprintf("Latency: %s\n", note.Latency.Round(time.Millisecond)))
	if note.Error != "" {
		builder.WriteString(fmt.Sprintf("Error: %s\n", note.Error))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
