package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/threadmail/internal/auth"
	"github.com/vdavid/threadmail/internal/models"
	"github.com/vdavid/threadmail/internal/thread"
)

var (
	internalActor = models.Actor{UserID: 1, PartnerID: 10}
	shareActor    = models.Actor{UserID: 2, PartnerID: 20, Share: true}
)

// newRequest builds a request as the given actor with optional JSON body and
// path values given as name/value pairs.
func newRequest(t *testing.T, method, target string, actor *models.Actor, body any, pathValues ...string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if actor != nil {
		req = req.WithContext(auth.WithActor(req.Context(), *actor))
	}
	for i := 0; i+1 < len(pathValues); i += 2 {
		req.SetPathValue(pathValues[i], pathValues[i+1])
	}
	return req
}

type mockThreadService struct {
	mock.Mock
}

func newMockThreadService(t *testing.T) *mockThreadService {
	m := &mockThreadService{}
	m.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *mockThreadService) CreateRecord(ctx context.Context, actor models.Actor, model string, values map[string]any, opts thread.CreateOptions) (*models.Record, error) {
	args := m.Called(ctx, actor, model, values, opts)
	record, _ := args.Get(0).(*models.Record)
	return record, args.Error(1)
}

func (m *mockThreadService) UpdateRecord(ctx context.Context, actor models.Actor, model string, id int64, values map[string]any) (*models.Record, error) {
	args := m.Called(ctx, actor, model, id, values)
	record, _ := args.Get(0).(*models.Record)
	return record, args.Error(1)
}

func (m *mockThreadService) DeleteRecord(ctx context.Context, actor models.Actor, model string, id int64) error {
	return m.Called(ctx, actor, model, id).Error(0)
}

func (m *mockThreadService) ListMessages(ctx context.Context, actor models.Actor, model string, id int64) ([]*models.Message, error) {
	args := m.Called(ctx, actor, model, id)
	messages, _ := args.Get(0).([]*models.Message)
	return messages, args.Error(1)
}

func (m *mockThreadService) Post(ctx context.Context, actor models.Actor, params thread.PostParams) (*models.Message, error) {
	args := m.Called(ctx, actor, params)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *mockThreadService) Notify(ctx context.Context, actor models.Actor, params thread.NotifyParams) (*models.Message, error) {
	args := m.Called(ctx, actor, params)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *mockThreadService) Followers(ctx context.Context, actor models.Actor, model string, id int64) ([]models.Follower, error) {
	args := m.Called(ctx, actor, model, id)
	followers, _ := args.Get(0).([]models.Follower)
	return followers, args.Error(1)
}

func (m *mockThreadService) Subscribe(ctx context.Context, actor models.Actor, model string, id int64, partnerIDs []int64, subtypes []string) error {
	return m.Called(ctx, actor, model, id, partnerIDs, subtypes).Error(0)
}

func (m *mockThreadService) Unsubscribe(ctx context.Context, actor models.Actor, model string, id int64, partnerIDs []int64) error {
	return m.Called(ctx, actor, model, id, partnerIDs).Error(0)
}

func (m *mockThreadService) UpdateBody(ctx context.Context, actor models.Actor, messageID int64, body string) (*models.Message, error) {
	args := m.Called(ctx, actor, messageID, body)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *mockThreadService) DeliveryStatus(ctx context.Context, actor models.Actor, messageID int64) (*models.DeliverySummary, error) {
	args := m.Called(ctx, actor, messageID)
	summary, _ := args.Get(0).(*models.DeliverySummary)
	return summary, args.Error(1)
}

func (m *mockThreadService) Resend(ctx context.Context, actor models.Actor, messageID int64) (*models.Message, error) {
	args := m.Called(ctx, actor, messageID)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *mockThreadService) MarkRead(ctx context.Context, actor models.Actor, messageIDs []int64) ([]int64, error) {
	args := m.Called(ctx, actor, messageIDs)
	changed, _ := args.Get(0).([]int64)
	return changed, args.Error(1)
}

func (m *mockThreadService) Attachment(ctx context.Context, actor models.Actor, id int64) (*models.Attachment, error) {
	args := m.Called(ctx, actor, id)
	att, _ := args.Get(0).(*models.Attachment)
	return att, args.Error(1)
}
