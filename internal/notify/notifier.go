package notify

import (
	"context"
	"fmt"

	"github.com/zjrosen/foreman/internal/domain"
	"github.com/zjrosen/foreman/internal/log"
)

// Notifier dispatches user-visible events to the chat channel. Send
// failures are logged and never propagate; task progression must not
// depend on chat availability.
type Notifier struct {
	sender    Sender
	formatter *Formatter
	sweeper   *ImageSweeper
	chatID    string
}

// NewNotifier creates a dispatcher. The sweeper may be nil when no
// workspace watching is wanted.
func NewNotifier(sender Sender, formatter *Formatter, sweeper *ImageSweeper, chatID string) *Notifier {
	return &Notifier{sender: sender, formatter: formatter, sweeper: sweeper, chatID: chatID}
}

// Dispatch sends one message per event, then forwards any new images
// from the workspace.
func (n *Notifier) Dispatch(ctx context.Context, events []*domain.Event) {
	if n.chatID == "" {
		if len(events) > 0 {
			log.Debug(log.CatNotify, "no chat channel bound, dropping events", "count", len(events))
		}
		return
	}

	for _, event := range events {
		text := n.render(ctx, event)
		if text == "" {
			continue
		}
		if err := n.sender.SendText(ctx, n.chatID, text); err != nil {
			log.Warn(log.CatNotify, "sending notification failed",
				"type", event.Type, "error", err)
		}
	}

	n.sweepImages(ctx)
}

// render produces the chat text for one event. Completion and failure
// payloads go through the formatter; the rest are sent as-is.
func (n *Notifier) render(ctx context.Context, event *domain.Event) string {
	switch event.Type {
	case domain.EventTaskStarted:
		return "Started: " + event.Message
	case domain.EventTaskDone:
		return n.formatter.Format(ctx, event.Message)
	case domain.EventTaskFailed:
		return "Task failed: " + n.formatter.Format(ctx, event.Message)
	case domain.EventNeedsInput:
		return "Question: " + event.Message
	case domain.EventLoopDetected:
		return "A task was stopped after repeating the same action: " + event.Message
	case domain.EventDepthLimitExceeded:
		return "A task was not run because the plan is nested too deep: " + event.Message
	default:
		// Non-user-visible types never reach dispatch; drop quietly if
		// one does.
		log.Debug(log.CatNotify, "no rendering for event type", "type", event.Type)
		return ""
	}
}

func (n *Notifier) sweepImages(ctx context.Context) {
	if n.sweeper == nil {
		return
	}
	for _, path := range n.sweeper.Sweep() {
		if err := n.sender.SendImage(ctx, n.chatID, path); err != nil {
			log.Warn(log.CatNotify, "sending image failed", "path", path, "error", err)
			continue
		}
		n.sweeper.MarkSent(path)
		log.Info(log.CatNotify, "image forwarded", "path", path)
	}
}

// BudgetExhausted sends the one-time budget notification.
func (n *Notifier) BudgetExhausted(ctx context.Context, costUSD, capUSD float64) {
	if n.chatID == "" {
		return
	}
	text := fmt.Sprintf("Budget reached: $%.2f of $%.2f spent. No new tasks will start until the cap is raised.", costUSD, capUSD)
	if err := n.sender.SendText(ctx, n.chatID, text); err != nil {
		log.Warn(log.CatNotify, "sending budget notification failed", "error", err)
	}
}
