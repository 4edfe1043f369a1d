// Package notifier is the async outbound notification pipeline: a bounded
// queue drained by workers through a rate limiter, with bounded retry and
// a short dedup window. Delivery is fire-and-forget: failures are logged,
// never propagated to the caller.
package notifier

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"assistbot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Sender is the transport the notifier drains into.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

type job struct {
	chatID string
	text   string
	key    string
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	sender  Sender
	limiter *rate.Limiter

	queue   chan job
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool

	dmu   sync.Mutex
	dedup map[string]time.Time // key -> suppress until
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.queue = make(chan job, s.cfg.QueueSize)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify enqueues a message with a content-derived dedup key.
func (s *Service) Notify(chatID, text string) {
	s.NotifyKeyed(chatID, text, contentKey(chatID, text))
}

// NotifyKeyed enqueues a message under an explicit dedup key. Duplicate
// keys within the dedup window are dropped. Enqueue failures are logged;
// callers do not see them.
func (s *Service) NotifyKeyed(chatID, text, key string) {
	if err := s.enqueue(job{chatID: chatID, text: text, key: key}); err != nil {
		s.log.Warn("notification dropped",
			logx.String("chat_id", chatID), logx.Err(err))
	}
}

func (s *Service) enqueue(j job) error {
	if j.chatID == "" || j.text == "" {
		return nil
	}
	if s.suppressed(j.key) {
		return nil
	}
	s.mu.Lock()
	started, q := s.started, s.queue
	s.mu.Unlock()
	if !started {
		return ErrStopped
	}
	select {
	case q <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case j := <-s.queue:
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	var err error
	for attempt := 0; attempt <= s.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			delay := s.cfg.RetryBase << (attempt - 1)
			if delay > s.cfg.RetryMaxDelay {
				delay = s.cfg.RetryMaxDelay
			}
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-time.After(delay):
			}
		}
		if err = s.sender.SendMessage(ctx, j.chatID, j.text); err == nil {
			s.markSent(j.key)
			return
		}
	}
	s.log.Warn("notification delivery failed",
		logx.String("chat_id", j.chatID), logx.Err(err))
}

func (s *Service) suppressed(key string) bool {
	if key == "" || s.cfg.DedupWindow <= 0 {
		return false
	}
	s.dmu.Lock()
	defer s.dmu.Unlock()
	until, ok := s.dedup[key]
	if ok && time.Now().Before(until) {
		return true
	}
	return false
}

func (s *Service) markSent(key string) {
	if key == "" || s.cfg.DedupWindow <= 0 {
		return
	}
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	// Opportunistic prune keeps the map bounded without a sweeper.
	for k, until := range s.dedup {
		if now.After(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(s.cfg.DedupWindow)
}

func contentKey(chatID, text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(chatID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(text))
	return strconv.FormatUint(h.Sum64(), 16)
}
