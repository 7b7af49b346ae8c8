package outbox

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/threadmail/internal/db"
	"github.com/vdavid/threadmail/internal/models"
	"github.com/vdavid/threadmail/internal/smtp"
	"github.com/vdavid/threadmail/internal/testutil"
)

type failingTransport struct {
	mu    sync.Mutex
	calls int
}

func (f *failingTransport) Send(context.Context, string, []string, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("relay refused")
}

// selectiveTransport refuses recipients whose address contains reject.
type selectiveTransport struct {
	reject    string
	mu        sync.Mutex
	delivered []string
}

func (s *selectiveTransport) Send(_ context.Context, _ string, to []string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, addr := range to {
		if strings.Contains(addr, s.reject) {
			return errors.New("550 mailbox unavailable")
		}
	}
	s.delivered = append(s.delivered, to...)
	return nil
}

func txRunner(pool *pgxpool.Pool) TxRunner {
	return func(ctx context.Context, fn func(Store) error) error {
		return db.InStoreTx(ctx, pool, func(s *db.Store) error { return fn(s) })
	}
}

// queueMail stores a message with one pending email delivery record and the
// outbox row carrying it.
func queueMail(t *testing.T, s *db.Store) (*models.OutboundMail, *models.Notification) {
	t.Helper()
	ctx := context.Background()

	partner, err := s.CreatePartner(ctx, "Jane", "jane@client.example")
	require.NoError(t, err)
	msg := &models.Message{Model: "ticket", ResID: 1, MessageType: models.MessageTypeComment, Body: "<p>hi</p>", MessageID: "<m1@example.com>"}
	require.NoError(t, s.CreateMessage(ctx, msg))

	n := &models.Notification{MessageID: msg.ID, PartnerID: partner.ID, Channel: models.ChannelEmail, Status: models.StatusPending}
	require.NoError(t, s.CreateNotifications(ctx, []*models.Notification{n}, false))

	mail := &models.OutboundMail{
		MessageID:       &msg.ID,
		EmailFrom:       "Helpdesk <help@example.com>",
		EmailTo:         []string{`"Jane" <jane@client.example>`},
		Subject:         "Hello",
		BodyHTML:        "<p>hi</p>",
		MessageIDHeader: msg.MessageID,
	}
	require.NoError(t, s.CreateOutboundMail(ctx, mail))
	require.NoError(t, s.AttachNotificationsToMail(ctx, []int64{n.ID}, mail.ID))
	return mail, n
}

func notificationStatus(t *testing.T, s *db.Store, messageID int64) models.Notification {
	t.Helper()
	list, err := s.ListNotifications(context.Background(), messageID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func TestSendDeliversWithBounceAddress(t *testing.T) {
	pool := testutil.NewTestDB(t)
	server := testutil.NewTestSMTPServer(t)

	s := db.NewStore(pool)
	ctx := context.Background()
	mail, n := queueMail(t, s)

	worker := NewWorker(Config{BounceAlias: "bounce", Domain: "example.com"}, s, txRunner(pool),
		smtp.NewClient(server.Address, server.Username(), server.Password()))
	require.NoError(t, worker.Send(ctx, []int64{mail.ID}))

	received := server.GetMessages()
	require.Len(t, received, 1)
	assert.Equal(t, "bounce+"+itoa(mail.ID)+"@example.com", received[0].From)
	assert.Equal(t, []string{"jane@client.example"}, received[0].To)
	assert.Contains(t, string(received[0].Data), "<m1@example.com>")

	stored, err := s.GetOutboundMail(ctx, mail.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboundSent, stored.State)
	assert.NotNil(t, stored.SentAt)
	assert.Equal(t, models.StatusSent, notificationStatus(t, s, n.MessageID).Status)

	// Sent rows are not sent twice.
	require.NoError(t, worker.Send(ctx, []int64{mail.ID}))
	assert.Len(t, server.GetMessages(), 1)
}

func TestSendRecordsTransportFailure(t *testing.T) {
	pool := testutil.NewTestDB(t)

	s := db.NewStore(pool)
	ctx := context.Background()
	mail, n := queueMail(t, s)

	transport := &failingTransport{}
	worker := NewWorker(Config{BounceAlias: "bounce", Domain: "example.com"}, s, txRunner(pool), transport)
	require.NoError(t, worker.Send(ctx, []int64{mail.ID}))
	assert.Equal(t, 1, transport.calls)

	stored, err := s.GetOutboundMail(ctx, mail.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboundException, stored.State)
	assert.Contains(t, stored.FailureReason, "relay refused")

	got := notificationStatus(t, s, n.MessageID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.FailureSMTP, got.FailureType)

	// Failed rows are not retried by the sweep.
	tried, err := worker.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, tried)
	assert.Equal(t, 1, transport.calls)
}

func TestSendRecordsOutcomePerRecipient(t *testing.T) {
	pool := testutil.NewTestDB(t)

	s := db.NewStore(pool)
	ctx := context.Background()

	good, err := s.CreatePartner(ctx, "Good", "good@client.example")
	require.NoError(t, err)
	bad, err := s.CreatePartner(ctx, "Bad", "bad@client.example")
	require.NoError(t, err)
	msg := &models.Message{Model: "ticket", ResID: 1, MessageType: models.MessageTypeComment, Body: "<p>hi</p>", MessageID: "<m2@example.com>"}
	require.NoError(t, s.CreateMessage(ctx, msg))

	notifications := []*models.Notification{
		{MessageID: msg.ID, PartnerID: good.ID, Channel: models.ChannelEmail, Status: models.StatusPending},
		{MessageID: msg.ID, PartnerID: bad.ID, Channel: models.ChannelEmail, Status: models.StatusPending},
	}
	require.NoError(t, s.CreateNotifications(ctx, notifications, false))
	mail := &models.OutboundMail{
		MessageID: &msg.ID,
		EmailFrom: "Helpdesk <help@example.com>",
		EmailTo:   []string{`"Good" <good@client.example>`, `"Bad" <bad@client.example>`},
		Subject:   "Hello",
		BodyHTML:  "<p>hi</p>",
	}
	require.NoError(t, s.CreateOutboundMail(ctx, mail))
	require.NoError(t, s.AttachNotificationsToMail(ctx, []int64{notifications[0].ID, notifications[1].ID}, mail.ID))

	transport := &selectiveTransport{reject: "bad@"}
	worker := NewWorker(Config{BounceAlias: "bounce", Domain: "example.com"}, s, txRunner(pool), transport)
	require.NoError(t, worker.Send(ctx, []int64{mail.ID}))
	assert.Equal(t, []string{"good@client.example"}, transport.delivered)

	list, err := s.ListNotifications(ctx, msg.ID)
	require.NoError(t, err)
	byPartner := map[int64]models.Notification{}
	for _, n := range list {
		byPartner[n.PartnerID] = n
	}
	assert.Equal(t, models.StatusSent, byPartner[good.ID].Status)
	assert.Empty(t, byPartner[good.ID].FailureType)
	assert.Equal(t, models.StatusFailed, byPartner[bad.ID].Status)
	assert.Equal(t, models.FailureSMTP, byPartner[bad.ID].FailureType)
	assert.Contains(t, byPartner[bad.ID].FailureReason, "mailbox unavailable")

	stored, err := s.GetOutboundMail(ctx, mail.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboundException, stored.State)
	assert.Contains(t, stored.FailureReason, "bad@client.example")
	assert.NotContains(t, stored.FailureReason, "good@client.example")
}

func TestProcessQueueAndQueue(t *testing.T) {
	pool := testutil.NewTestDB(t)
	server := testutil.NewTestSMTPServer(t)

	s := db.NewStore(pool)
	ctx := context.Background()
	queueMail(t, s)

	worker := NewWorker(Config{BounceAlias: "bounce", Domain: "example.com", From: "noreply@example.com"}, s, txRunner(pool),
		smtp.NewClient(server.Address, server.Username(), server.Password()))

	tried, err := worker.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, tried)
	assert.Len(t, server.GetMessages(), 1)

	bounceReply := &models.OutboundMail{
		EmailTo:  []string{"stranger@nowhere.example"},
		Subject:  "Re: hello",
		BodyHTML: "<p>Your message could not be delivered.</p>",
		Headers:  map[string]string{"Auto-Submitted": "auto-replied"},
	}
	require.NoError(t, worker.Queue(ctx, bounceReply))
	require.Len(t, server.GetMessages(), 2)
	assert.Contains(t, string(server.GetMessages()[1].Data), "noreply@example.com")

	tried, err = worker.ProcessQueue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, tried)
}

func TestCollectGarbage(t *testing.T) {
	pool := testutil.NewTestDB(t)

	s := db.NewStore(pool)
	ctx := context.Background()

	partner, err := s.CreatePartner(ctx, "Bob", "bob@example.com")
	require.NoError(t, err)
	msg := &models.Message{MessageType: models.MessageTypeComment, MessageID: "<gc@example.com>"}
	require.NoError(t, s.CreateMessage(ctx, msg))
	inbox := &models.Notification{MessageID: msg.ID, PartnerID: partner.ID, Channel: models.ChannelInbox, Status: models.StatusSent}
	require.NoError(t, s.CreateNotifications(ctx, []*models.Notification{inbox}, false))
	_, err = s.MarkNotificationsRead(ctx, partner.ID, []int64{msg.ID})
	require.NoError(t, err)

	worker := NewWorker(Config{}, s, txRunner(pool), nil)

	deleted, err := worker.CollectGarbage(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted, "recent records are kept")

	deleted, err = worker.CollectGarbage(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
