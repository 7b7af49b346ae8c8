// Package fetchmail polls a mailbox over IMAP and feeds unseen messages to
// the inbound gateway. Messages are flagged \Seen once handled.
package fetchmail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	idle "github.com/emersion/go-imap-idle"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/threadmail/internal/logger"
	"github.com/vdavid/threadmail/internal/router"
	"go.uber.org/zap"
)

// idleRetrySleep is the backoff after an error before listening again.
const idleRetrySleep = 10 * time.Second

// Processor routes one raw inbound email.
type Processor interface {
	Process(ctx context.Context, raw []byte, opts router.Options) (*router.Result, error)
}

// Config describes the polled mailbox.
type Config struct {
	Addr     string
	Username string
	Password string
	Folder   string
	UseTLS   bool
	// BatchSize bounds the messages fetched per round trip.
	BatchSize int
	// IdleTimeout restarts IDLE periodically, since servers drop idle
	// connections after about 30 minutes and some never push updates.
	IdleTimeout time.Duration
}

// Fetcher pulls mail from one mailbox.
type Fetcher struct {
	cfg       Config
	processor Processor
	// mu keeps scheduled rounds and IDLE-triggered rounds from overlapping.
	mu sync.Mutex
}

// New creates a fetcher.
func New(cfg Config, processor Processor) *Fetcher {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 25 * time.Minute
	}
	return &Fetcher{cfg: cfg, processor: processor}
}

// FetchOnce processes every unseen message and returns how many were handled.
// Messages that failed for a transient reason stay unseen for the next round.
func (f *Fetcher) FetchOnce(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := connect(f.cfg.Addr, f.cfg.UseTLS, f.cfg.Username, f.cfg.Password)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = c.Logout()
	}()

	if _, err := c.Select(f.cfg.Folder, false); err != nil {
		return 0, fmt.Errorf("failed to select %s: %w", f.cfg.Folder, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return 0, fmt.Errorf("failed to search unseen messages: %w", err)
	}

	handled := 0
	for start := 0; start < len(uids); start += f.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		batch := uids[start:min(start+f.cfg.BatchSize, len(uids))]
		n, err := f.processBatch(ctx, c, batch)
		handled += n
		if err != nil {
			return handled, err
		}
	}
	if handled > 0 {
		logger.Log.Info("fetchmail_round", zap.String("folder", f.cfg.Folder), zap.Int("handled", handled), zap.Int("unseen", len(uids)))
	}
	return handled, nil
}

func (f *Fetcher) processBatch(ctx context.Context, c *client.Client, uids []uint32) (int, error) {
	raws, err := fetchRaw(c, uids)
	if err != nil {
		return 0, err
	}

	done := new(imap.SeqSet)
	handled := 0
	for _, uid := range uids {
		raw, ok := raws[uid]
		if !ok {
			continue
		}
		if f.process(ctx, uid, raw) {
			done.AddNum(uid)
			handled++
		}
	}

	if done.Empty() {
		return handled, nil
	}
	flags := []interface{}{imap.SeenFlag}
	if err := c.UidStore(done, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return handled, fmt.Errorf("failed to flag messages as seen: %w", err)
	}
	return handled, nil
}

// process routes one message and reports whether it is done with. Routing
// errors are permanent, anything else is retried on the next round.
func (f *Fetcher) process(ctx context.Context, uid uint32, raw []byte) bool {
	result, err := f.processor.Process(ctx, raw, router.Options{})
	if err == nil {
		logger.Log.Debug("fetchmail_processed", zap.Uint32("uid", uid), zap.String("message_id", result.MessageID))
		return true
	}
	var routingErr *router.RoutingError
	if errors.As(err, &routingErr) {
		logger.Log.Warn("fetchmail_unroutable", zap.Uint32("uid", uid), zap.Error(err))
		return true
	}
	logger.Log.Error("fetchmail_failed", zap.Uint32("uid", uid), zap.Error(err))
	return false
}

// fetchRaw fetches the full source of the given messages without setting \Seen.
func fetchRaw(c *client.Client, uids []uint32) (map[uint32][]byte, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	result := make(map[uint32][]byte, len(uids))
	var readErr error
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil && readErr == nil {
			readErr = fmt.Errorf("failed to read message %d: %w", msg.Uid, err)
			continue
		}
		result[msg.Uid] = raw
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	if readErr != nil {
		return nil, readErr
	}
	return result, nil
}

// Run fetches once, then listens with IDLE and fetches again whenever the
// mailbox changes. It blocks until ctx is canceled.
func (f *Fetcher) Run(ctx context.Context) {
	for {
		if _, err := f.FetchOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Log.Error("fetchmail_round_failed", zap.Error(err))
		}
		if err := f.waitForMail(ctx); err != nil && ctx.Err() == nil {
			logger.Log.Warn("fetchmail_idle_failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(idleRetrySleep):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// waitForMail idles on the folder until new mail arrives, the idle timeout
// passes or ctx is canceled.
func (f *Fetcher) waitForMail(ctx context.Context) error {
	c, err := connect(f.cfg.Addr, f.cfg.UseTLS, f.cfg.Username, f.cfg.Password)
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Logout()
	}()

	if _, err := c.Select(f.cfg.Folder, false); err != nil {
		return fmt.Errorf("failed to select %s: %w", f.cfg.Folder, err)
	}

	updates := make(chan client.Update, 10)
	c.Updates = updates

	idleClient := idle.NewClient(c)
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, 5*time.Second)
	}()

	// stopIdle ends IDLE, draining updates so the client never blocks on a full channel.
	stopIdle := func() error {
		close(stop)
		for {
			select {
			case err := <-done:
				return err
			case <-updates:
			}
		}
	}

	timeout := time.NewTimer(f.cfg.IdleTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = stopIdle()
			return nil
		case <-timeout.C:
			return stopIdle()
		case err := <-done:
			return err
		case update := <-updates:
			mbox, ok := update.(*client.MailboxUpdate)
			if !ok || mbox.Mailbox == nil || mbox.Mailbox.Messages == 0 {
				continue
			}
			return stopIdle()
		}
	}
}
