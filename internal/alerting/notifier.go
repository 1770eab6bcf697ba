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

	"arb-scanner/internal/execution"
	"arb-scanner/internal/redact"
	"arb-scanner/internal/scan"
)

// Kind 区分告警类型。
type Kind string

const (
	KindOpportunity Kind = "opportunity"
	KindStuck       Kind = "stuck_tx"
	KindExecution   Kind = "execution"
)

// Notification 封装告警上下文。按 Kind 只填对应字段。
type Notification struct {
	Kind          Kind
	Timestamp     time.Time
	ChainID       uint64
	Opportunity   *scan.Ranked
	Stuck         *execution.PendingTx
	Execution     *execution.SendResult
	AdditionalMsg string
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

// Notify 调用 sendMessage API 推送文本。返回的错误不含 bot token。
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
		return redact.Error(fmt.Errorf("create telegram request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		// *url.Error 会带上完整 URL（含 token）。
		return redact.Error(fmt.Errorf("send telegram request: %w", err))
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

	n.logger.Info().
		Str("kind", string(note.Kind)).
		Uint64("chain_id", note.ChainID).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	b := strings.Builder{}
	ts := note.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	switch note.Kind {
	case KindOpportunity:
		b.WriteString("[Arb Opportunity]\n")
		if r := note.Opportunity; r != nil {
			o, s := r.Opportunity, r.Simulation
			b.WriteString(fmt.Sprintf("Pair: %s (chain %d, block %d)\n", o.Pair, note.ChainID, o.BlockNumber))
			b.WriteString(fmt.Sprintf("Buy: %s @ %s\n", o.BuyFrom, o.BuyPrice.StringFixed(6)))
			b.WriteString(fmt.Sprintf("Sell: %s @ %s\n", o.SellTo, o.SellPrice.StringFixed(6)))
			b.WriteString(fmt.Sprintf("Gap: %.4f%% | Size: %.4f ETH\n", o.GrossGap*100, o.TradeSizeEth))
			b.WriteString(fmt.Sprintf("Net: %.6f ETH (gas %.6f, slippage %.2f%%)\n", s.NetProfitEth, s.GasCostEth, s.SlippagePercent*100))
			b.WriteString(fmt.Sprintf("Score: %.4f\n", r.Score))
			if len(s.RiskFlags) > 0 {
				b.WriteString(fmt.Sprintf("Flags: %s\n", strings.Join(s.RiskFlags, ",")))
			}
		}
	case KindStuck:
		b.WriteString("[Stuck Transaction] kill switch engaged\n")
		if p := note.Stuck; p != nil {
			b.WriteString(fmt.Sprintf("Tx: %s (chain %d, nonce %d)\n", p.TxHash, p.ChainID, p.Nonce))
			b.WriteString(fmt.Sprintf("Sent: %s UTC\n", time.UnixMilli(p.SentAtMs).UTC().Format(time.RFC3339)))
			b.WriteString(fmt.Sprintf("Opportunity: %s\n", p.OpportunityID))
		}
	case KindExecution:
		b.WriteString("[Execution]\n")
		if r := note.Execution; r != nil {
			b.WriteString(fmt.Sprintf("Status: %s (stage %s)\n", r.Status, r.Stage))
			if r.Reason != "" {
				b.WriteString(fmt.Sprintf("Reason: %s\n", r.Reason))
			}
			if r.TxHash != "" {
				b.WriteString(fmt.Sprintf("Tx: %s\n", r.TxHash))
			}
			if r.RealizedPnlEth != nil {
				b.WriteString(fmt.Sprintf("Realized PnL: %s ETH\n", r.RealizedPnlEth.StringFixed(6)))
			}
			if r.Error != "" {
				b.WriteString(fmt.Sprintf("Error: %s\n", redact.String(r.Error)))
			}
		}
	default:
		b.WriteString(fmt.Sprintf("[%s]\n", note.Kind))
	}

	b.WriteString(fmt.Sprintf("Time: %s UTC\n", ts.UTC().Format(time.RFC3339)))
	if note.AdditionalMsg != "" {
		b.WriteString(redact.String(note.AdditionalMsg))
	}
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
