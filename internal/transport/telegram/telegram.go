// Package telegram adapts the transport boundary to the Telegram Bot API
// via long polling.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"assistbot/internal/transport"
	"assistbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	onMsg   func(ctx context.Context, msg transport.Incoming)
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: bot}, nil
}

func (a *Adapter) OnMessage(fn func(ctx context.Context, msg transport.Incoming)) {
	a.mu.Lock()
	a.onMsg = fn
	a.mu.Unlock()
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	rctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		a.mu.Lock()
		fn := a.onMsg
		a.mu.Unlock()
		if fn == nil {
			return nil
		}
		sender := c.Sender()
		msg := transport.Incoming{
			ChatID: strconv.FormatInt(c.Chat().ID, 10),
			Text:   c.Text(),
		}
		if sender != nil {
			msg.Name = strings.TrimSpace(sender.FirstName + " " + sender.LastName)
			msg.Username = sender.Username
		}
		fn(rctx, msg)
		return nil
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.bot.Start() // blocks until Stop
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		<-rctx.Done()
		a.bot.Stop()
	}()
	a.log.Info("telegram adapter started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return errors.New("telegram: chat id is not numeric: " + chatID)
	}
	_, err = a.bot.Send(&tele.Chat{ID: id}, text)
	return err
}
