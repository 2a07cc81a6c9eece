// Package notify delivers user-visible events to the chat channel:
// formatting raw task results into short human messages, sending them
// through the configured connector, and forwarding images that appear
// in the workspace.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sender delivers messages to one chat channel.
type Sender interface {
	// SendText delivers a text message to the chat.
	SendText(ctx context.Context, chatID, text string) error

	// SendImage uploads an image file to the chat.
	SendImage(ctx context.Context, chatID, path string) error
}

// TelegramSender talks to the Telegram bot API over HTTP. The token
// comes from the environment, never from the store.
type TelegramSender struct {
	token   string
	baseURL string
	client  *http.Client
}

// NewTelegramSender creates a sender from resolved connector settings,
// reading the bot token from the environment variable they name.
func NewTelegramSender(settings ConnectorSettings) (*TelegramSender, error) {
	token := os.Getenv(settings.CredentialEnv)
	if token == "" {
		return nil, fmt.Errorf("chat credential %s is not set", settings.CredentialEnv)
	}
	base := settings.APIBase
	if base == "" {
		base = defaultAPIBase
	}
	return &TelegramSender{
		token:   token,
		baseURL: base,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// apiError is the Telegram API failure envelope.
type apiError struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendText posts a sendMessage call.
func (s *TelegramSender) SendText(ctx context.Context, chatID, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return s.do(req)
}

// SendImage posts a sendPhoto call with a multipart upload.
func (s *TelegramSender) SendImage(ctx context.Context, chatID, path string) error {
	file, err := os.Open(path) //nolint:gosec // G304: path comes from the workspace sweep
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}
	defer func() { _ = file.Close() }()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("chat_id", chatID); err != nil {
		return fmt.Errorf("writing chat id: %w", err)
	}
	part, err := writer.CreateFormFile("photo", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("copying image: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finishing form: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendPhoto", s.baseURL, s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return s.do(req)
}

func (s *TelegramSender) do(req *http.Request) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending to chat: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var apiErr apiError
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr); err == nil && apiErr.Description != "" {
		return fmt.Errorf("chat API %d: %s", resp.StatusCode, apiErr.Description)
	}
	return fmt.Errorf("chat API returned %d", resp.StatusCode)
}

// MockSender records everything it is asked to send. Test use.
type MockSender struct {
	mu     sync.Mutex
	Texts  []string
	Images []string
	// Fail makes every send return an error.
	Fail bool
}

func (m *MockSender) SendText(_ context.Context, _, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return fmt.Errorf("mock send failure")
	}
	m.Texts = append(m.Texts, text)
	return nil
}

func (m *MockSender) SendImage(_ context.Context, _, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail {
		return fmt.Errorf("mock send failure")
	}
	m.Images = append(m.Images, path)
	return nil
}

// SentTexts returns a copy of the delivered texts.
func (m *MockSender) SentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Texts))
	copy(out, m.Texts)
	return out
}

// SentImages returns a copy of the delivered image paths.
func (m *MockSender) SentImages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Images))
	copy(out, m.Images)
	return out
}

var _ Sender = (*TelegramSender)(nil)
var _ Sender = (*MockSender)(nil)
