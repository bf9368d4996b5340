// Package telegram accepts swarm jobs from Telegram chats and replies with
// their results.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/mtzanidakis/swarmer/internal/config"
	"github.com/mtzanidakis/swarmer/internal/store"
	"github.com/mtzanidakis/swarmer/internal/swarm"
)

const maxMessageLen = 4096

const helpText = `Send a message to run it on the swarm it routes to.
/run <swarm> <message> runs a named swarm
/swarms lists swarms
/job <id> shows a job`

// JobLookup reads job history. *store.Store satisfies it.
type JobLookup interface {
	GetJob(id string) (*store.SwarmJob, error)
}

type Bot struct {
	bot   *telego.Bot
	coord *swarm.Coordinator
	jobs  JobLookup
	cfg   config.TelegramConfig

	// send delivers a reply; tests replace it.
	send func(ctx context.Context, chatID int64, text string) error
	wg   sync.WaitGroup
}

func NewBot(cfg config.TelegramConfig, coord *swarm.Coordinator, jobs JobLookup) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	b := &Bot{
		bot:   bot,
		coord: coord,
		jobs:  jobs,
		cfg:   cfg,
	}
	b.send = b.SendMessage
	return b, nil
}

// Start polls for updates until ctx is done, then waits for running jobs
// to report back.
func (b *Bot) Start(ctx context.Context) error {
	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	handler.HandleMessage(func(_ *th.Context, message telego.Message) error {
		if message.From == nil {
			return nil
		}
		text := message.Text
		if text == "" {
			text = message.Caption
		}
		_ = b.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(message.Chat.ID), "typing"))
		b.handleText(ctx, message.Chat.ID, message.From.ID, text)
		return nil
	})

	go handler.Start()
	slog.Info("telegram intake started", "allow_from", len(b.cfg.AllowFrom))

	<-ctx.Done()
	_ = handler.Stop()
	b.wg.Wait()
	return nil
}

func (b *Bot) allowed(userID int64) bool {
	return len(b.cfg.AllowFrom) == 0 || slices.Contains(b.cfg.AllowFrom, userID)
}

func (b *Bot) handleText(ctx context.Context, chatID, userID int64, text string) {
	if !b.allowed(userID) {
		slog.Warn("unauthorized telegram user", "user_id", userID, "chat_id", chatID)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	command, rest := splitCommand(text)
	switch command {
	case "/start", "/help":
		b.reply(ctx, chatID, helpText)
	case "/swarms":
		b.reply(ctx, chatID, b.describeSwarms())
	case "/job":
		b.reply(ctx, chatID, b.describeJob(rest))
	case "/run":
		name, message := splitCommand(rest)
		if name == "" || strings.TrimSpace(message) == "" {
			b.reply(ctx, chatID, "usage: /run <swarm> <message>")
			return
		}
		b.startJob(ctx, chatID, name, message)
	default:
		name, message, err := b.coord.Route(ctx, text)
		if err != nil {
			b.reply(ctx, chatID, err.Error())
			return
		}
		b.startJob(ctx, chatID, name, message)
	}
}

// startJob acknowledges the job and replies again once it finishes.
func (b *Bot) startJob(ctx context.Context, chatID int64, name, message string) {
	req := swarm.JobRequest{ID: uuid.New().String(), Swarm: name, Message: message}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		runCtx := context.WithoutCancel(ctx)
		b.reply(runCtx, chatID, fmt.Sprintf("job %s started on %s", req.ID, name))

		res, err := b.coord.Run(runCtx, req)
		if err != nil {
			b.reply(runCtx, chatID, fmt.Sprintf("job %s failed: %v", req.ID, err))
			return
		}
		b.reply(runCtx, chatID, formatResult(res))
	}()
}

func (b *Bot) describeSwarms() string {
	defs := b.coord.Definitions()
	if len(defs) == 0 {
		return "no swarms configured"
	}
	var sb strings.Builder
	for _, sw := range defs {
		fmt.Fprintf(&sb, "%s (%s)", sw.Name, sw.Agent)
		if sw.Description != "" {
			fmt.Fprintf(&sb, ": %s", sw.Description)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) describeJob(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "usage: /job <id>"
	}
	job, err := b.jobs.GetJob(id)
	if err != nil {
		return err.Error()
	}
	if job == nil {
		return fmt.Sprintf("job %s not found", id)
	}
	s := fmt.Sprintf("job %s on %s: %s, %d/%d batches completed, %d failed",
		job.ID, job.Swarm, job.Status, job.Completed, job.TotalBatches, job.Failed)
	if job.Error != "" {
		s += "\n" + job.Error
	}
	return s
}

func formatResult(res *swarm.JobResult) string {
	s := fmt.Sprintf("job %s %s: %d/%d batches in %s",
		res.JobID, res.Status, res.Completed, res.Total, res.Duration.Round(time.Second))
	if res.Error != "" {
		s += "\n" + res.Error
	}
	if res.Output != "" {
		s += "\n\n" + res.Output
	}
	return s
}

// splitCommand returns the first word and the rest of the text.
func splitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	i := strings.IndexAny(text, " \n")
	if i < 0 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i+1:])
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.send(ctx, chatID, text); err != nil {
		slog.Error("failed to send telegram message", "chat", chatID, "error", err)
	}
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := b.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// chunkMessage splits a message into chunks that fit within Telegram's message size limit.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		// Try to split at a newline
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		} else {
			// Never split a multi-byte rune.
			for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
			if cutAt == 0 {
				cutAt = maxLen
			}
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}
