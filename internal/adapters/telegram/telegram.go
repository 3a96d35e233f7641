// Package telegram adapts task outcome delivery onto the Telegram Bot
// API. It is intentionally a thin sender; fftnano's chat surface is the
// sandboxed agent, not this process.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"fftnano/pkg/logx"
)

// Telegram rejects messages over 4096 chars; chunk below that.
const maxMessageLen = 4000

type Config struct {
	Token string
	// PollTimeout applies when the bot also long-polls for updates.
	PollTimeout time.Duration
	// Offline skips the startup getMe probe (tests).
	Offline bool
}

// Sender delivers announce-mode task outcomes to Telegram chats.
type Sender struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b, log: log}, nil
}

// SendMessage sends text to the chat identified by a numeric chat ID
// string. Oversized text is split into sequential chunks.
func (s *Sender) SendMessage(ctx context.Context, to, text string) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(to), 10, 64)
	if err != nil {
		return errors.New("invalid telegram chat id: " + to)
	}
	recipient := tele.ChatID(chatID)

	for _, chunk := range splitMessage(text, maxMessageLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(recipient, chunk); err != nil {
			var flood *tele.FloodError
			if errors.As(err, &flood) && flood.RetryAfter > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(flood.RetryAfter) * time.Second):
				}
				if _, err := s.bot.Send(recipient, chunk); err != nil {
					return err
				}
				continue
			}
			return err
		}
	}
	return nil
}

// splitMessage breaks text into chunks of at most limit bytes, preferring
// line boundaries.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			// Never cut inside a multi-byte rune.
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
