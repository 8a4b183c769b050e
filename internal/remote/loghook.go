package remote

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const logHookTimeout = 5 * time.Second

// LogHook ships warning-and-above entries to the terminal_logs collection so
// operators see problems without shell access to the host. Sends are
// best-effort and bounded: when too many are in flight the entry is simply
// not shipped.
type LogHook struct {
	client    *Client
	accountID string
	sem       chan struct{}
}

// NewLogHook builds a hook shipping logs under the given account id.
func NewLogHook(client *Client, accountID string) *LogHook {
	return &LogHook{
		client:    client,
		accountID: accountID,
		sem:       make(chan struct{}, 8),
	}
}

// Levels implements logrus.Hook.
func (h *LogHook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
	}
}

// Fire implements logrus.Hook. It never blocks the logging call and never
// returns an error: SendLog itself does not log, so a dead remote store
// cannot recurse back into the hook.
func (h *LogHook) Fire(entry *logrus.Entry) error {
	select {
	case h.sem <- struct{}{}:
	default:
		return nil
	}

	botID, _ := entry.Data["bot"].(string)
	level := entry.Level.String()
	message := entry.Message

	go func() {
		defer func() { <-h.sem }()
		ctx, cancel := context.WithTimeout(context.Background(), logHookTimeout)
		defer cancel()
		_ = h.client.SendLog(ctx, h.accountID, botID, level, message)
	}()
	return nil
}
