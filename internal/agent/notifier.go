package agent

import (
	"log/slog"
	"sync"
)

// logNotifier surfaces collab notifications through the structured log and
// keeps a short ring of recent notifications for the dashboard API.
type logNotifier struct {
	logger *slog.Logger

	mu     sync.Mutex
	recent []notification
	limit  int
}

type notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

func newLogNotifier(logger *slog.Logger, limit int) *logNotifier {
	return &logNotifier{logger: logger, limit: limit}
}

func (n *logNotifier) Notify(title, message string) {
	n.logger.Info("notification",
		slog.String("title", title),
		slog.String("message", message),
	)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recent = append(n.recent, notification{Title: title, Message: message})
	if len(n.recent) > n.limit {
		n.recent = n.recent[len(n.recent)-n.limit:]
	}
}

func (n *logNotifier) Recent() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notification, len(n.recent))
	copy(out, n.recent)
	return out
}
