package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/threadmail/internal/config"
	"github.com/vdavid/threadmail/internal/db"
	"github.com/vdavid/threadmail/internal/models"
	"github.com/vdavid/threadmail/internal/testutil"
)

func getTestConfig() *config.Config {
	return &config.Config{
		Environment:           "test",
		EncryptionKeyBase64:   base64.StdEncoding.EncodeToString(make([]byte, 32)),
		BaseURL:               "http://localhost:8080",
		RegistryPath:          "../../registry.yaml",
		MailDomain:            "example.com",
		BounceAlias:           "bounce",
		CatchallAlias:         "catchall",
		OutboxSchedule:        "* * * * *",
		GCSchedule:            "0 3 * * *",
		EmailBatchSize:        50,
		SyncSendThreshold:     20,
		NotificationRetention: 180,
	}
}

func TestHandleRoot(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	handleRoot(w, req)

	res := w.Result()
	defer func() { _ = res.Body.Close() }()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/plain", res.Header.Get("Content-Type"))
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "threadmail is running", string(body))
}

func TestNewAppRejectsMissingRegistry(t *testing.T) {
	cfg := getTestConfig()
	cfg.RegistryPath = "does-not-exist.yaml"

	_, err := NewApp(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestAppHandler(t *testing.T) {
	pool := testutil.NewTestDB(t)

	ctx := context.Background()
	app, err := NewApp(ctx, getTestConfig(), pool)
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))
	defer app.Stop()

	store := db.NewStore(pool)
	partner, err := store.CreatePartner(ctx, "Alice", "alice@example.com")
	require.NoError(t, err)
	require.NoError(t, store.CreateUser(ctx, &models.User{Login: "alice", PartnerID: partner.ID}))

	server := httptest.NewServer(app.Handler())
	defer server.Close()

	do := func(method, path, token string, body any) *http.Response {
		t.Helper()
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req, err := http.NewRequest(method, server.URL+path, &buf)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = res.Body.Close() })
		return res
	}

	t.Run("root and metrics are public", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do(http.MethodGet, "/", "", nil).StatusCode)
		assert.Equal(t, http.StatusOK, do(http.MethodGet, "/metrics", "", nil).StatusCode)
	})

	t.Run("api requires a token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/api/v1/records/ticket/1/messages", "", nil).StatusCode)
		assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/api/v1/mailgate", "", nil).StatusCode)
	})

	t.Run("creates a record and reads its thread", func(t *testing.T) {
		res := do(http.MethodPost, "/api/v1/records/ticket", "email:alice", map[string]any{"values": map[string]any{"name": "Printer"}})
		require.Equal(t, http.StatusCreated, res.StatusCode)
		var record models.Record
		require.NoError(t, json.NewDecoder(res.Body).Decode(&record))

		path := "/api/v1/records/ticket/" + strconv.FormatInt(record.ID, 10)
		res = do(http.MethodPost, path+"/messages", "email:alice", map[string]any{"body": "<p>On it</p>"})
		require.Equal(t, http.StatusCreated, res.StatusCode)

		res = do(http.MethodGet, path+"/messages", "email:alice", nil)
		require.Equal(t, http.StatusOK, res.StatusCode)
		var messages []models.Message
		require.NoError(t, json.NewDecoder(res.Body).Decode(&messages))
		require.Len(t, messages, 2)
		assert.Equal(t, "<p>On it</p>", messages[1].Body)

		res = do(http.MethodGet, path+"/followers", "email:alice", nil)
		require.Equal(t, http.StatusOK, res.StatusCode)
		var followers []models.Follower
		require.NoError(t, json.NewDecoder(res.Body).Decode(&followers))
		require.Len(t, followers, 1)
		assert.Equal(t, partner.ID, followers[0].PartnerID)
	})

	t.Run("unknown record types are not found", func(t *testing.T) {
		res := do(http.MethodPost, "/api/v1/records/invoice", "email:alice", map[string]any{"values": map[string]any{}})
		assert.Equal(t, http.StatusNotFound, res.StatusCode)
	})
}
