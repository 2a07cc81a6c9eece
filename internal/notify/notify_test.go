package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/foreman/internal/agent"
	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/testutil"
)

func successFormatter(reply string) *Formatter {
	client := agent.NewMockClient(func(agent.Config) []agent.OutputEvent {
		return []agent.OutputEvent{agent.MockResult(reply, 0)}
	})
	return NewFormatter(client, domain.TierLight, time.Second, "")
}

func failingFormatter() *Formatter {
	client := agent.NewMockClient(func(agent.Config) []agent.OutputEvent {
		return []agent.OutputEvent{agent.MockErrorResult("formatter down", 0)}
	})
	return NewFormatter(client, domain.TierLight, time.Second, "")
}

func TestFormatter_Format(t *testing.T) {
	f := successFormatter("All three reports are ready.")
	got := f.Format(context.Background(), `{"status":"success","message":"done"}`)
	require.Equal(t, "All three reports are ready.", got)
}

func TestFormatter_FallbackTruncates(t *testing.T) {
	f := failingFormatter()
	raw := strings.Repeat("x", 900)
	got := f.Format(context.Background(), raw)
	require.Len(t, got, fallbackLimit, "fallback keeps the first 500 chars")
	require.Equal(t, raw[:fallbackLimit], got)
}

func TestNotifier_Dispatch(t *testing.T) {
	sender := &MockSender{}
	n := NewNotifier(sender, successFormatter("Build finished."), nil, "chat-1")

	n.Dispatch(context.Background(), []*domain.Event{
		{Type: domain.EventTaskStarted, Message: "Fetch data"},
		{Type: domain.EventTaskDone, Message: `{"status":"success","message":"ok"}`},
		{Type: domain.EventTaskFailed, Message: "boom"},
		{Type: domain.EventNeedsInput, Message: "Which branch?"},
	})

	texts := sender.SentTexts()
	require.Len(t, texts, 4)
	require.Equal(t, "Started: Fetch data", texts[0])
	require.Equal(t, "Build finished.", texts[1])
	require.Equal(t, "Task failed: Build finished.", texts[2])
	require.Equal(t, "Question: Which branch?", texts[3])
}

func TestNotifier_NoChatIDDropsQuietly(t *testing.T) {
	sender := &MockSender{}
	n := NewNotifier(sender, successFormatter("x"), nil, "")
	n.Dispatch(context.Background(), []*domain.Event{
		{Type: domain.EventTaskDone, Message: "ok"},
	})
	require.Empty(t, sender.SentTexts())
}

func TestNotifier_SendFailureDoesNotPanicOrBlock(t *testing.T) {
	sender := &MockSender{Fail: true}
	n := NewNotifier(sender, successFormatter("x"), nil, "chat-1")
	n.Dispatch(context.Background(), []*domain.Event{
		{Type: domain.EventTaskDone, Message: "ok"},
		{Type: domain.EventTaskFailed, Message: "bad"},
	})
	require.Empty(t, sender.SentTexts())
}

func TestImageSweeper(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.png"), []byte("png"), 0o644))

	sweeper, err := NewImageSweeper(dir)
	require.NoError(t, err)
	defer func() { _ = sweeper.Close() }()

	require.Empty(t, sweeper.Sweep(), "pre-existing images count as sent")

	chart := filepath.Join(dir, "chart.png")
	require.NoError(t, os.WriteFile(chart, []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("text"), 0o644))

	require.Eventually(t, func() bool {
		paths := sweeper.Sweep()
		return len(paths) == 1 && paths[0] == chart
	}, 2*time.Second, 20*time.Millisecond, "new image appears, text file does not")

	sweeper.MarkSent(chart)
	require.Empty(t, sweeper.Sweep(), "sent images are not reported again")
}

func TestImageSweeper_Extensions(t *testing.T) {
	require.True(t, isImage("a.PNG"))
	require.True(t, isImage("b.webp"))
	require.True(t, isImage("c.jpeg"))
	require.False(t, isImage("d.svg"))
	require.False(t, isImage("e.txt"))
}

func TestNotifier_ForwardsImages(t *testing.T) {
	dir := t.TempDir()
	sweeper, err := NewImageSweeper(dir)
	require.NoError(t, err)
	defer func() { _ = sweeper.Close() }()

	sender := &MockSender{}
	n := NewNotifier(sender, successFormatter("done"), sweeper, "chat-1")

	shot := filepath.Join(dir, "shot.jpg")
	require.NoError(t, os.WriteFile(shot, []byte("jpg"), 0o644))

	require.Eventually(t, func() bool {
		n.Dispatch(context.Background(), nil)
		return len(sender.SentImages()) == 1
	}, 2*time.Second, 20*time.Millisecond)
	require.Equal(t, []string{shot}, sender.SentImages())

	n.Dispatch(context.Background(), nil)
	require.Len(t, sender.SentImages(), 1, "delivered images are not resent")
}

func TestTelegramSender(t *testing.T) {
	var gotPath string
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := &TelegramSender{
		token:   "test-token",
		baseURL: server.URL,
		client:  server.Client(),
	}

	require.NoError(t, sender.SendText(context.Background(), "42", "hello"))
	require.Equal(t, "/bottest-token/sendMessage", gotPath)
	require.Contains(t, gotBody, `"chat_id":"42"`)
	require.Contains(t, gotBody, `"text":"hello"`)
}

func TestTelegramSender_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer server.Close()

	sender := &TelegramSender{token: "t", baseURL: server.URL, client: server.Client()}
	err := sender.SendText(context.Background(), "42", "hello")
	require.Error(t, err)
	require.Contains(t, err.Error(), "chat not found")
}

func TestNewTelegramSender_MissingCredential(t *testing.T) {
	t.Setenv("FOREMAN_TEST_TOKEN", "")
	_, err := NewTelegramSender(ConnectorSettings{CredentialEnv: "FOREMAN_TEST_TOKEN"})
	require.Error(t, err)

	t.Setenv("FOREMAN_TEST_TOKEN", "abc")
	sender, err := NewTelegramSender(ConnectorSettings{CredentialEnv: "FOREMAN_TEST_TOKEN"})
	require.NoError(t, err)
	require.Equal(t, "abc", sender.token)
	require.Equal(t, defaultAPIBase, sender.baseURL)
}

func TestResolveConnector(t *testing.T) {
	db := testutil.NewTestDB(t)
	repo := db.ConnectorRepository()

	// No stored row: built-in defaults.
	settings := ResolveConnector(repo, "telegram", "FOREMAN_CHAT_TOKEN")
	require.Equal(t, defaultAPIBase, settings.APIBase)
	require.Equal(t, "FOREMAN_CHAT_TOKEN", settings.CredentialEnv)

	// Stored blob overrides what it names and inherits the rest.
	require.NoError(t, repo.Save(&domain.Connector{
		Name:   "telegram",
		Config: []byte(`{"api_base":"https://proxy.example"}`),
	}))
	settings = ResolveConnector(repo, "telegram", "FOREMAN_CHAT_TOKEN")
	require.Equal(t, "https://proxy.example", settings.APIBase)
	require.Equal(t, "FOREMAN_CHAT_TOKEN", settings.CredentialEnv)

	// A malformed blob falls back to defaults instead of failing.
	require.NoError(t, repo.Save(&domain.Connector{
		Name:   "telegram",
		Config: []byte(`{not json`),
	}))
	settings = ResolveConnector(repo, "telegram", "FOREMAN_CHAT_TOKEN")
	require.Equal(t, defaultAPIBase, settings.APIBase)
}
