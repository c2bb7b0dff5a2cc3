package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"acp/internal/action"
)

// MessageBot is the Telegram-backed message-bot consent channel. It
// posts an inline-keyboard message for each ask and long-polls the
// Bot API's getUpdates endpoint in the background, resolving whichever
// pending ask a callback query's data refers to. Unlike the teacher's
// standalone bridge (which polls a separate control API and leaves
// resolution to an out-of-band CLI call), this implementation is the
// Channel itself: Ask blocks in-process until a decision or deadline.
type MessageBot struct {
	botToken string
	chatID   string
	client   *http.Client
	logger   *log.Logger

	mu      sync.Mutex
	pending map[string]chan telegramDecision
	counter atomic.Int64
	offset  int64

	startOnce sync.Once
}

type telegramDecision struct {
	approved bool
	reason   string
}

// NewMessageBot builds a Telegram-backed message-bot channel.
func NewMessageBot(botToken, chatID string, logger *log.Logger) *MessageBot {
	return &MessageBot{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 35 * time.Second},
		logger:   logger,
		pending:  make(map[string]chan telegramDecision),
	}
}

func (m *MessageBot) Ask(ctx context.Context, a action.Action, deadline time.Time) (bool, string, error) {
	m.startOnce.Do(func() { go m.pollLoop() })

	id := m.nextID()
	result := make(chan telegramDecision, 1)

	m.mu.Lock()
	m.pending[id] = result
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	text := formatAsk(a)
	if err := m.sendMessage(ctx, text, id); err != nil {
		return false, "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	select {
	case d := <-result:
		return d.approved, d.reason, nil
	case <-ctx.Done():
		return false, "", ErrTimeout
	case <-time.After(time.Until(deadline)):
		return false, "", ErrTimeout
	}
}

func (m *MessageBot) nextID() string {
	n := m.counter.Add(1)
	return "ask-" + strconv.FormatInt(time.Now().Unix(), 10) + "-" + strconv.FormatInt(n, 10)
}

func formatAsk(a action.Action) string {
	cmd := fmt.Sprintf("%s %s:%d", a.Method, a.Host, a.Port)
	cmd = strings.ReplaceAll(cmd, "_", "\\_")
	cmd = strings.ReplaceAll(cmd, "*", "\\*")
	cmd = strings.ReplaceAll(cmd, "`", "\\`")
	return fmt.Sprintf("🔔 *Outbound request pending approval*\n\n```\n%s\n```", cmd)
}

type inlineKeyboardMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

func (m *MessageBot) sendMessage(ctx context.Context, text, askID string) error {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", m.botToken)
	payload := map[string]any{
		"chat_id":    m.chatID,
		"text":       text,
		"parse_mode": "Markdown",
		"reply_markup": inlineKeyboardMarkup{
			InlineKeyboard: [][]inlineButton{{
				{Text: "Approve", CallbackData: askID + ":approve"},
				{Text: "Deny", CallbackData: askID + ":deny"},
			}},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

type telegramUpdate struct {
	UpdateID      int64 `json:"update_id"`
	CallbackQuery *struct {
		Data string `json:"data"`
	} `json:"callback_query"`
}

type telegramGetUpdatesResponse struct {
	OK     bool             `json:"ok"`
	Result []telegramUpdate `json:"result"`
}

// pollLoop long-polls getUpdates for callback_query events and
// resolves the matching pending ask. It runs for the lifetime of the
// process once the first Ask call starts it.
func (m *MessageBot) pollLoop() {
	for {
		apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/getUpdates?timeout=30&offset=%d", m.botToken, m.offset)
		resp, err := m.client.Get(apiURL)
		if err != nil {
			m.logger.Printf("telegram getUpdates failed: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}

		var out telegramGetUpdatesResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			m.logger.Printf("telegram getUpdates decode failed: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}

		for _, u := range out.Result {
			if u.UpdateID >= m.offset {
				m.offset = u.UpdateID + 1
			}
			if u.CallbackQuery == nil {
				continue
			}
			m.resolveCallback(u.CallbackQuery.Data)
		}
	}
}

func (m *MessageBot) resolveCallback(data string) {
	id, verb, ok := strings.Cut(data, ":")
	if !ok {
		return
	}

	m.mu.Lock()
	ch, exists := m.pending[id]
	m.mu.Unlock()
	if !exists {
		return
	}

	d := telegramDecision{approved: verb == "approve"}
	if d.approved {
		d.reason = "approved via message bot"
	} else {
		d.reason = "denied via message bot"
	}

	select {
	case ch <- d:
	default:
	}
}
