package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"riskguard/pkg/utils"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramSink отправляет уведомления в Telegram через Bot API.
//
// Таймаут короткий и количество повторов минимальное: уведомление
// не должно задерживать аварийную процедуру дольше пары секунд.
type TelegramSink struct {
	client *resty.Client
	token  string
	chatID string
	logger *utils.Logger
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// NewTelegramSink создает новый канал уведомлений Telegram
func NewTelegramSink(token, chatID string) *TelegramSink {
	client := resty.New().
		SetBaseURL(telegramAPIBase).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)

	return &TelegramSink{
		client: client,
		token:  token,
		chatID: chatID,
		logger: utils.L().WithComponent("telegram"),
	}
}

// WithBaseURL заменяет адрес Bot API. Используется в тестах.
func (s *TelegramSink) WithBaseURL(baseURL string) *TelegramSink {
	s.client.SetBaseURL(baseURL)
	return s
}

// Send отправляет сообщение в настроенный чат
func (s *TelegramSink) Send(ctx context.Context, text string) error {
	var result telegramResponse

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id":    s.chatID,
			"text":       text,
			"parse_mode": "HTML",
		}).
		SetResult(&result).
		SetError(&result).
		Post(fmt.Sprintf("/bot%s/sendMessage", s.token))
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}

	if resp.IsError() || !result.OK {
		return fmt.Errorf("telegram send: status %d: %s", resp.StatusCode(), result.Description)
	}

	s.logger.Debug("уведомление доставлено", utils.Int("chars", len(text)))
	return nil
}

var _ Sink = (*TelegramSink)(nil)
