package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"fftnano/internal/schedule"
	"fftnano/internal/store"
	"fftnano/pkg/logx"
)

// Chat transports reject oversized messages; announcements are capped
// rather than split.
const announceMaxLen = 4000

// webhookEvent is the JSON body posted for webhook delivery.
type webhookEvent struct {
	TaskID      string `json:"taskId"`
	GroupFolder string `json:"groupFolder"`
	ChatJID     string `json:"chatJid"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	At          string `json:"at"`
}

// deliverOutcome pushes a finished run's result to its configured target.
// Delivery failures are logged and dropped; they never affect task state.
func (s *Service) deliverOutcome(ctx context.Context, task store.Task, hadError bool, result string) {
	d := task.Delivery()
	if d.Mode == schedule.DeliveryNone {
		return
	}

	text := outcomeText(task.ID, hadError, result)

	switch d.Mode {
	case schedule.DeliveryAnnounce:
		if s.sender == nil {
			return
		}
		to := task.ChatJID
		if d.To != "" {
			to = d.To
		}
		text = truncateOnRune(text, announceMaxLen)
		if err := s.announceLimit.Wait(ctx); err != nil {
			return
		}
		if err := s.sender.SendMessage(ctx, to, text); err != nil {
			s.log.Warn("task announce delivery failed",
				logx.String("task_id", task.ID), logx.Err(err))
		}

	case schedule.DeliveryWebhook:
		if d.WebhookURL == "" {
			return
		}
		s.postWebhook(ctx, task, hadError, text, d.WebhookURL)
	}
}

// truncateOnRune caps text at limit bytes without cutting inside a
// multi-byte rune.
func truncateOnRune(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func outcomeText(taskID string, hadError bool, result string) string {
	if hadError {
		msg := result
		if msg == "" {
			msg = "unknown error"
		}
		return "[scheduled:" + taskID + "] error: " + msg
	}
	msg := strings.TrimSpace(result)
	if msg == "" {
		msg = "completed"
	}
	return "[scheduled:" + taskID + "] " + msg
}

func (s *Service) postWebhook(ctx context.Context, task store.Task, hadError bool, text, url string) {
	status := "success"
	if hadError {
		status = "error"
	}
	body, err := json.Marshal(webhookEvent{
		TaskID:      task.ID,
		GroupFolder: task.GroupFolder,
		ChatJID:     task.ChatJID,
		Status:      status,
		Message:     text,
		At:          time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.log.Warn("task webhook delivery failed",
			logx.String("task_id", task.ID), logx.Err(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.log.Warn("task webhook delivery failed",
			logx.String("task_id", task.ID), logx.Err(err))
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.log.Warn("task webhook delivery rejected",
			logx.String("task_id", task.ID),
			logx.Int("status", resp.StatusCode))
	}
}
