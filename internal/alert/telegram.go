package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/suspectuso/tunnel-billing/internal/storage"
)

// Ops is the state operator commands read and change
type Ops interface {
	PoolStats(ctx context.Context) (storage.PoolStats, error)
	CountActiveAccounts(ctx context.Context) (int, error)
	ListBlocks(ctx context.Context) ([]storage.AddressBlock, error)
	CreateBlock(ctx context.Context, network string) (*storage.AddressBlock, error)
}

// Granter adds unpaid time on test networks
type Granter interface {
	GrantTime(ctx context.Context, pubkey string) (*storage.Account, error)
}

// Telegram sends alerts to the operator chat and serves operator commands there
type Telegram struct {
	bot     *bot.Bot
	chatID  int64
	ops     Ops
	granter Granter
	quiet   *suppressor
	log     *slog.Logger
}

// NewTelegram creates a telegram alerter. Only messages from chatID are
// treated as operator commands.
func NewTelegram(token string, chatID int64, ops Ops, granter Granter, log *slog.Logger) (*Telegram, error) {
	t := &Telegram{
		chatID:  chatID,
		ops:     ops,
		granter: granter,
		quiet:   newSuppressor(time.Hour),
		log:     log,
	}

	tgBot, err := bot.New(token, bot.WithDefaultHandler(t.defaultHandler))
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	t.bot = tgBot

	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/status", bot.MatchTypeExact, t.statusHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/block ", bot.MatchTypePrefix, t.blockHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/grant ", bot.MatchTypePrefix, t.grantHandler)

	return t, nil
}

// Start polls for operator commands until ctx is done
func (t *Telegram) Start(ctx context.Context) {
	t.bot.Start(ctx)
}

// Alert sends text to the operator chat. Repeats within an hour are dropped.
func (t *Telegram) Alert(ctx context.Context, text string) {
	if !t.quiet.allow(text) {
		t.log.Debug("alert suppressed", "text", text)
		return
	}

	if err := t.send(ctx, "⚠️ "+text); err != nil {
		t.log.Error("send alert", "error", err, "text", text)
		t.quiet.forget(text)
	}
}

func (t *Telegram) send(ctx context.Context, text string) error {
	disablePreview := true
	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   text,
		LinkPreviewOptions: &models.LinkPreviewOptions{
			IsDisabled: &disablePreview,
		},
	})
	return err
}

func (t *Telegram) reply(ctx context.Context, text string) {
	if err := t.send(ctx, text); err != nil {
		t.log.Error("send message", "error", err)
	}
}

// operator reports whether the update comes from the operator chat
func (t *Telegram) operator(update *models.Update) bool {
	return update.Message != nil && update.Message.Chat.ID == t.chatID
}

func (t *Telegram) defaultHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if !t.operator(update) || !strings.HasPrefix(update.Message.Text, "/") {
		return
	}
	t.reply(ctx, "Commands:\n/status\n/block <network>\n/grant <pubkey>")
}

func (t *Telegram) statusHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if !t.operator(update) {
		return
	}

	text, err := t.status(ctx)
	if err != nil {
		t.log.Error("build status", "error", err)
		t.reply(ctx, "Status unavailable: "+err.Error())
		return
	}
	t.reply(ctx, text)
}

func (t *Telegram) status(ctx context.Context) (string, error) {
	active, err := t.ops.CountActiveAccounts(ctx)
	if err != nil {
		return "", err
	}
	pool, err := t.ops.PoolStats(ctx)
	if err != nil {
		return "", err
	}
	blocks, err := t.ops.ListBlocks(ctx)
	if err != nil {
		return "", err
	}
	return formatStatus(active, pool, blocks), nil
}

func formatStatus(active int, pool storage.PoolStats, blocks []storage.AddressBlock) string {
	networks := make([]string, 0, len(blocks))
	for _, b := range blocks {
		networks = append(networks, b.Network+"/24")
	}
	if len(networks) == 0 {
		networks = append(networks, "none")
	}

	return fmt.Sprintf(
		"Active accounts: %d\nAddresses: %d of %d assigned, %d free\nBlocks: %s",
		active, pool.Assigned, pool.Total, pool.Total-pool.Assigned, strings.Join(networks, ", "),
	)
}

func (t *Telegram) blockHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if !t.operator(update) {
		return
	}

	network := strings.TrimSpace(strings.TrimPrefix(update.Message.Text, "/block "))
	block, err := t.ops.CreateBlock(ctx, network)
	if err != nil {
		t.reply(ctx, "Cannot add block: "+err.Error())
		return
	}

	t.log.Info("address block added by operator", "network", block.Network)
	t.reply(ctx, fmt.Sprintf("Added %s/24 with %d addresses", block.Network, storage.BlockSize))
}

func (t *Telegram) grantHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if !t.operator(update) {
		return
	}

	pubkey := strings.TrimSpace(strings.TrimPrefix(update.Message.Text, "/grant "))
	account, err := t.granter.GrantTime(ctx, pubkey)
	if err != nil {
		t.reply(ctx, "Cannot grant time: "+err.Error())
		return
	}

	t.reply(ctx, fmt.Sprintf("Account %d paid through %s",
		account.ID, account.PaidThrough.UTC().Format("2006-01-02 15:04 MST")))
}
