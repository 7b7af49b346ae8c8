package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/threadmail/internal/db"
	"github.com/vdavid/threadmail/internal/mailparse"
	"github.com/vdavid/threadmail/internal/models"
	"github.com/vdavid/threadmail/internal/registry"
)

type fakeStore struct {
	messages  []*models.Message
	aliases   []models.Alias
	partners  []models.Partner
	users     []models.User
	records   map[string]bool
	followers map[string]bool
	outbound  map[int64]*models.OutboundMail

	partnerBounces []string
	recordBounces  []string
	bouncedMails   []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:   map[string]bool{},
		followers: map[string]bool{},
		outbound:  map[int64]*models.OutboundMail{},
	}
}

func (f *fakeStore) FindMessageByMessageID(_ context.Context, messageID string) (*models.Message, error) {
	for _, m := range f.messages {
		if m.MessageID == messageID {
			return m, nil
		}
	}
	return nil, db.ErrMessageNotFound
}

func (f *fakeStore) FindAliasesByNames(_ context.Context, names []string) ([]models.Alias, error) {
	var result []models.Alias
	for _, a := range f.aliases {
		for _, n := range names {
			if a.Name == n {
				result = append(result, a)
			}
		}
	}
	return result, nil
}

func (f *fakeStore) FindPartnersByEmail(_ context.Context, emails []string) ([]models.Partner, error) {
	var result []models.Partner
	for _, p := range f.partners {
		for _, e := range emails {
			if p.EmailNormalized == mailparse.NormalizeEmail(e) {
				result = append(result, p)
			}
		}
	}
	return result, nil
}

func (f *fakeStore) GetUserByPartner(_ context.Context, partnerID int64) (*models.User, error) {
	for i := range f.users {
		if f.users[i].PartnerID == partnerID {
			return &f.users[i], nil
		}
	}
	return nil, db.ErrUserNotFound
}

func (f *fakeStore) RecordExists(_ context.Context, model string, id int64) (bool, error) {
	return f.records[fmt.Sprintf("%s/%d", model, id)], nil
}

func (f *fakeStore) IsFollower(_ context.Context, model string, resID, partnerID int64) (bool, error) {
	return f.followers[fmt.Sprintf("%s/%d/%d", model, resID, partnerID)], nil
}

func (f *fakeStore) GetOutboundMail(_ context.Context, id int64) (*models.OutboundMail, error) {
	if m, ok := f.outbound[id]; ok {
		return m, nil
	}
	return nil, db.ErrOutboundMailNotFound
}

func (f *fakeStore) IncrementPartnerBounce(_ context.Context, email string) (int64, error) {
	f.partnerBounces = append(f.partnerBounces, email)
	return 1, nil
}

func (f *fakeStore) IncrementRecordBounce(_ context.Context, email string) (int64, error) {
	f.recordBounces = append(f.recordBounces, email)
	return 0, nil
}

func (f *fakeStore) MarkNotificationsBounced(_ context.Context, _ string, mailID int64, _ string) (int64, error) {
	f.bouncedMails = append(f.bouncedMails, mailID)
	return 1, nil
}

func (f *fakeStore) addRecord(model string, id int64) {
	f.records[fmt.Sprintf("%s/%d", model, id)] = true
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Config{RecordTypes: []registry.TypeConfig{
		{Name: "ticket", CreateFromMessage: true, UpdateFromMessage: true},
		{Name: "lead", CreateFromMessage: true},
		{Name: "project", UpdateFromMessage: true},
	}})
	require.NoError(t, err)
	return reg
}

func newTestRouter(t *testing.T) *Router {
	return New(Config{Domain: "Example.com", BounceAlias: "bounce", CatchallAlias: "catchall"}, testRegistry(t))
}

func rawEmail(headers map[string]string, body string) []byte {
	var b strings.Builder
	base := map[string]string{
		"From":         "Jane <jane@customer.example>",
		"Subject":      "Printer on fire",
		"Content-Type": "text/plain; charset=utf-8",
	}
	for k, v := range headers {
		base[k] = v
	}
	for _, k := range []string{"From", "To", "Cc", "Subject", "Message-Id", "In-Reply-To", "References", "Content-Type", "Auto-Submitted"} {
		if v, ok := base[k]; ok && v != "" {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}
	b.WriteString("\r\n" + body + "\r\n")
	return []byte(b.String())
}

func parse(t *testing.T, headers map[string]string) *mailparse.Email {
	t.Helper()
	email, err := mailparse.ParseBytes(rawEmail(headers, "hello"))
	require.NoError(t, err)
	return email
}

func TestResolveAlias(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.aliases = []models.Alias{{ID: 1, Name: "support", Model: "ticket", ContactPolicy: models.ContactEveryone, Defaults: map[string]any{"team": "L1"}}}

	res, err := newTestRouter(t).Resolve(ctx, store, parse(t, map[string]string{
		"To":         "support@example.com",
		"Message-Id": "<new@customer.example>",
	}), Options{})
	require.NoError(t, err)

	require.Len(t, res.Routes, 1)
	route := res.Routes[0]
	assert.Equal(t, "ticket", route.Model)
	assert.Zero(t, route.ThreadID, "no forced thread means creation")
	assert.Nil(t, route.ParentID)
	assert.Equal(t, "L1", route.Defaults["team"])
	require.NotNil(t, route.Alias)
	assert.Equal(t, "support", route.Alias.Name)
	assert.Nil(t, res.AuthorID)
}

func TestResolveReply(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.aliases = []models.Alias{
		{ID: 1, Name: "support", Model: "ticket"},
		{ID: 2, Name: "sales", Model: "lead"},
	}
	store.messages = []*models.Message{{ID: 11, Model: "ticket", ResID: 5, MessageID: "<first@example.com>"}}
	store.addRecord("ticket", 5)
	r := newTestRouter(t)

	t.Run("In-Reply-To matching a stored entry threads on its record", func(t *testing.T) {
		res, err := r.Resolve(ctx, store, parse(t, map[string]string{
			"To":          "support@example.com",
			"Message-Id":  "<second@customer.example>",
			"In-Reply-To": "<first@example.com>",
		}), Options{})
		require.NoError(t, err)
		require.Len(t, res.Routes, 1)
		assert.Equal(t, "ticket", res.Routes[0].Model)
		assert.Equal(t, int64(5), res.Routes[0].ThreadID)
		require.NotNil(t, res.Routes[0].ParentID)
		assert.Equal(t, int64(11), *res.Routes[0].ParentID)
	})

	t.Run("older references are searched too", func(t *testing.T) {
		res, err := r.Resolve(ctx, store, parse(t, map[string]string{
			"Message-Id": "<third@customer.example>",
			"References": "<first@example.com> <unknown@elsewhere.example>",
		}), Options{})
		require.NoError(t, err)
		require.Len(t, res.Routes, 1)
		assert.Equal(t, int64(5), res.Routes[0].ThreadID)
	})

	t.Run("reply through an alias of another type is a forward", func(t *testing.T) {
		res, err := r.Resolve(ctx, store, parse(t, map[string]string{
			"To":          "sales@example.com",
			"Message-Id":  "<fwd@customer.example>",
			"In-Reply-To": "<first@example.com>",
		}), Options{})
		require.NoError(t, err)
		require.Len(t, res.Routes, 1)
		assert.Equal(t, "lead", res.Routes[0].Model)
		assert.Zero(t, res.Routes[0].ThreadID)
		assert.Nil(t, res.Routes[0].ParentID)
	})

	t.Run("reply through an alias of the same type forced elsewhere stays a reply", func(t *testing.T) {
		store.aliases = append(store.aliases, models.Alias{ID: 3, Name: "ticket-9", Model: "ticket", ForceThreadID: 9})
		res, err := r.Resolve(ctx, store, parse(t, map[string]string{
			"To":          "ticket-9@example.com",
			"Message-Id":  "<same@customer.example>",
			"In-Reply-To": "<first@example.com>",
		}), Options{})
		require.NoError(t, err)
		require.Len(t, res.Routes, 1)
		assert.Equal(t, int64(5), res.Routes[0].ThreadID)
	})
}

func TestResolveDuplicate(t *testing.T) {
	store := newFakeStore()
	store.messages = []*models.Message{{ID: 1, Model: "ticket", ResID: 5, MessageID: "<seen@customer.example>"}}

	res, err := newTestRouter(t).Resolve(context.Background(), store, parse(t, map[string]string{
		"To":         "support@example.com",
		"Message-Id": "<seen@customer.example>",
	}), Options{})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Empty(t, res.Routes)
}

func TestResolveBounce(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.aliases = []models.Alias{{ID: 1, Name: "support", Model: "ticket"}}
	r := newTestRouter(t)

	tests := []struct {
		name    string
		headers map[string]string
		opts    Options
		mailID  int64
	}{
		{
			name:    "VERP bounce address",
			headers: map[string]string{"To": "bounce+42@example.com", "Message-Id": "<b1@mx.example>"},
			mailID:  42,
		},
		{
			name:    "envelope recipient is the bounce mailbox",
			headers: map[string]string{"To": "support@example.com", "Message-Id": "<b2@mx.example>"},
			opts:    Options{EnvelopeRecipients: []string{"bounce@example.com"}},
		},
		{
			name:    "mail daemon sender",
			headers: map[string]string{"From": "MAILER-DAEMON@mx.example", "To": "support@example.com", "Message-Id": "<b3@mx.example>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(ctx, store, parse(t, tt.headers), tt.opts)
			require.NoError(t, err)
			require.NotNil(t, res.Bounce)
			assert.Equal(t, tt.mailID, res.Bounce.MailID)
			assert.Empty(t, res.Routes, "bounces never create records")
		})
	}
}

const dsn = "From: Mail System <system@mx.example>\r\n" +
	"To: support@example.com\r\n" +
	"Subject: Undelivered Mail\r\n" +
	"Message-Id: <dsn@mx.example>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/report; report-type=delivery-status; boundary=\"B\"\r\n" +
	"\r\n" +
	"--B\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Delivery failed.\r\n" +
	"--B\r\n" +
	"Content-Type: message/delivery-status\r\n" +
	"\r\n" +
	"Final-Recipient: rfc822; gone@customer.example\r\n" +
	"Action: failed\r\n" +
	"--B--\r\n"

func TestResolveDeliveryReportToAlias(t *testing.T) {
	store := newFakeStore()
	store.aliases = []models.Alias{{ID: 1, Name: "support", Model: "ticket"}}

	email, err := mailparse.ParseBytes([]byte(dsn))
	require.NoError(t, err)
	res, err := newTestRouter(t).Resolve(context.Background(), store, email, Options{FallbackModel: "ticket"})
	require.NoError(t, err)
	require.NotNil(t, res.Bounce)
	assert.Equal(t, []string{"gone@customer.example"}, res.Bounce.Recipients)
	assert.Empty(t, res.Routes)
}

func TestResolveCatchallAndFallback(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := newTestRouter(t)

	t.Run("catch-all only is rejected", func(t *testing.T) {
		res, err := r.Resolve(ctx, store, parse(t, map[string]string{"To": "catchall@example.com", "Message-Id": "<c1@x>"}), Options{FallbackModel: "ticket"})
		require.NoError(t, err)
		assert.Empty(t, res.Routes)
		require.Len(t, res.Rejections, 1)
	})

	t.Run("unknown local part uses the fallback", func(t *testing.T) {
		res, err := r.Resolve(ctx, store, parse(t, map[string]string{"To": "nobody@example.com", "Message-Id": "<c2@x>"}), Options{FallbackModel: "ticket"})
		require.NoError(t, err)
		require.Len(t, res.Routes, 1)
		assert.Equal(t, "ticket", res.Routes[0].Model)
		assert.Nil(t, res.Routes[0].Alias)
	})

	t.Run("nothing matches", func(t *testing.T) {
		_, err := r.Resolve(ctx, store, parse(t, map[string]string{"To": "nobody@example.com", "Message-Id": "<c3@x>"}), Options{})
		var routingErr *RoutingError
		require.True(t, errors.As(err, &routingErr))
		assert.Equal(t, "<c3@x>", routingErr.MessageID)
		assert.Equal(t, []string{"nobody@example.com"}, routingErr.Recipients)
	})

	t.Run("aliases on other domains are ignored", func(t *testing.T) {
		store.aliases = []models.Alias{{ID: 1, Name: "support", Model: "ticket"}}
		_, err := r.Resolve(ctx, store, parse(t, map[string]string{"To": "support@other.example", "Message-Id": "<c4@x>"}), Options{})
		var routingErr *RoutingError
		assert.True(t, errors.As(err, &routingErr))
	})
}

func TestResolveValidation(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t)

	t.Run("fan-out to several aliases", func(t *testing.T) {
		store := newFakeStore()
		store.aliases = []models.Alias{{ID: 1, Name: "support", Model: "ticket"}, {ID: 2, Name: "sales", Model: "lead"}}
		res, err := r.Resolve(ctx, store, parse(t, map[string]string{"To": "sales@example.com, support@example.com", "Message-Id": "<v1@x>"}), Options{})
		require.NoError(t, err)
		require.Len(t, res.Routes, 2)
		assert.Equal(t, "lead", res.Routes[0].Model)
		assert.Equal(t, "ticket", res.Routes[1].Model)
	})

	t.Run("stale forced thread degrades to creation", func(t *testing.T) {
		store := newFakeStore()
		store.aliases = []models.Alias{{ID: 1, Name: "support", Model: "ticket", ForceThreadID: 77}}
		res, err := r.Resolve(ctx, store, parse(t, map[string]string{"To": "support@example.com", "Message-Id": "<v2@x>"}), Options{})
		require.NoError(t, err)
		require.Len(t, res.Routes, 1)
		assert.Zero(t, res.Routes[0].ThreadID)
	})

	t.Run("type without create capability is dropped", func(t *testing.T) {
		store := newFakeStore()
		store.aliases = []models.Alias{{ID: 1, Name: "projects", Model: "project"}, {ID: 2, Name: "support", Model: "ticket"}}
		res, err := r.Resolve(ctx, store, parse(t, map[string]string{"To": "projects@example.com, support@example.com", "Message-Id": "<v3@x>"}), Options{})
		require.NoError(t, err)
		require.Len(t, res.Routes, 1)
		assert.Equal(t, "ticket", res.Routes[0].Model)
	})

	t.Run("all candidates dropped is a routing error", func(t *testing.T) {
		store := newFakeStore()
		store.aliases = []models.Alias{{ID: 1, Name: "projects", Model: "project"}}
		_, err := r.Resolve(ctx, store, parse(t, map[string]string{"To": "projects@example.com", "Message-Id": "<v4@x>"}), Options{})
		var routingErr *RoutingError
		assert.True(t, errors.As(err, &routingErr))
	})

	t.Run("partners policy rejects unknown senders", func(t *testing.T) {
		store := newFakeStore()
		store.aliases = []models.Alias{{ID: 1, Name: "vip", Model: "ticket", ContactPolicy: models.ContactPartners}}
		res, err := r.Resolve(ctx, store, parse(t, map[string]string{"To": "vip@example.com", "Message-Id": "<v5@x>"}), Options{})
		require.NoError(t, err)
		assert.Empty(t, res.Routes)
		require.Len(t, res.Rejections, 1)
		assert.Equal(t, "sender is not a known contact", res.Rejections[0].Reason)

		store.partners = []models.Partner{{ID: 4, EmailNormalized: "jane@customer.example"}}
		res, err = r.Resolve(ctx, store, parse(t, map[string]string{"To": "vip@example.com", "Message-Id": "<v6@x>"}), Options{})
		require.NoError(t, err)
		assert.Len(t, res.Routes, 1)
	})

	t.Run("followers policy checks the parent record", func(t *testing.T) {
		store := newFakeStore()
		store.partners = []models.Partner{{ID: 4, EmailNormalized: "jane@customer.example"}}
		store.aliases = []models.Alias{{ID: 1, Name: "board", Model: "ticket", ContactPolicy: models.ContactFollowers, ParentModel: "project", ParentThreadID: 3}}

		res, err := r.Resolve(ctx, store, parse(t, map[string]string{"To": "board@example.com", "Message-Id": "<v7@x>"}), Options{})
		require.NoError(t, err)
		require.Len(t, res.Rejections, 1)

		store.followers["project/3/4"] = true
		res, err = r.Resolve(ctx, store, parse(t, map[string]string{"To": "board@example.com", "Message-Id": "<v8@x>"}), Options{})
		require.NoError(t, err)
		assert.Len(t, res.Routes, 1)
	})
}

func TestResolveAuthor(t *testing.T) {
	store := newFakeStore()
	store.aliases = []models.Alias{{ID: 1, Name: "support", Model: "ticket"}}
	store.partners = []models.Partner{
		{ID: 4, EmailNormalized: "jane@customer.example"},
		{ID: 9, EmailNormalized: "jane@customer.example"},
	}
	store.users = []models.User{{ID: 2, PartnerID: 4}}

	res, err := newTestRouter(t).Resolve(context.Background(), store, parse(t, map[string]string{"To": "support@example.com", "Message-Id": "<a1@x>"}), Options{})
	require.NoError(t, err)
	require.NotNil(t, res.AuthorID)
	assert.Equal(t, int64(4), *res.AuthorID, "first partner by id wins")
	assert.Equal(t, int64(2), res.Routes[0].UserID, "internal author acts")
}

func TestBounceAddress(t *testing.T) {
	assert.Equal(t, "bounce+42@example.com", BounceAddress("bounce", "example.com", 42))
	assert.Equal(t, "", BounceAddress("bounce", "", 42))
}
