package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/vdavid/threadmail/internal/access"
	"github.com/vdavid/threadmail/internal/api"
	"github.com/vdavid/threadmail/internal/auth"
	"github.com/vdavid/threadmail/internal/config"
	"github.com/vdavid/threadmail/internal/crypto"
	"github.com/vdavid/threadmail/internal/db"
	"github.com/vdavid/threadmail/internal/dispatch"
	"github.com/vdavid/threadmail/internal/fetchmail"
	"github.com/vdavid/threadmail/internal/logger"
	"github.com/vdavid/threadmail/internal/metrics"
	"github.com/vdavid/threadmail/internal/outbox"
	"github.com/vdavid/threadmail/internal/registry"
	"github.com/vdavid/threadmail/internal/router"
	"github.com/vdavid/threadmail/internal/smtp"
	"github.com/vdavid/threadmail/internal/thread"
	ws "github.com/vdavid/threadmail/internal/websocket"
	"go.uber.org/zap"
)

// outboxSweepLimit bounds the rows one scheduled sweep sends.
const outboxSweepLimit = 200

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := logger.Init(cfg.Environment); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		logger.Log.Fatal("db_connect_failed", zap.Error(err))
	}
	defer db.CloseConnection(pool)

	app, err := NewApp(ctx, cfg, pool)
	if err != nil {
		logger.Log.Fatal("app_init_failed", zap.Error(err))
	}
	if err := app.Start(ctx); err != nil {
		logger.Log.Fatal("app_start_failed", zap.Error(err))
	}
	defer app.Stop()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Log.Info("server_starting", zap.String("addr", server.Addr), zap.String("environment", cfg.Environment))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.Fatal("server_failed", zap.Error(err))
	}
}

// App holds the wired components of the server.
type App struct {
	cfg     *config.Config
	auth    *auth.Authenticator
	links   *auth.AccessLinks
	hub     *ws.Hub
	service *thread.Service
	worker  *outbox.Worker
	gateway *router.Gateway
	fetcher *fetchmail.Fetcher

	inbound   *gosmtp.Server
	scheduler *cron.Cron
}

// NewApp builds every component from the configuration.
func NewApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (*App, error) {
	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, err
	}

	store := db.NewStore(pool)
	app := &App{
		cfg:   cfg,
		auth:  auth.NewAuthenticator(encryptor, store, cfg.Environment == "test"),
		links: auth.NewAccessLinks(encryptor, cfg.BaseURL),
		hub:   ws.NewHub(10),
	}

	var transport outbox.Transport
	if addr := cfg.GetSMTPAddress(); addr != "" {
		client := smtp.NewClient(addr, cfg.SMTPUsername, cfg.SMTPPassword)
		client.StartTLS = cfg.SMTPStartTLS
		transport = client
	} else {
		logger.Log.Warn("smtp_relay_not_configured")
	}
	app.worker = outbox.NewWorker(outbox.Config{
		BounceAlias: cfg.BounceAlias,
		Domain:      cfg.MailDomain,
		From:        cfg.GetFromAddress(),
	}, store, func(ctx context.Context, fn func(outbox.Store) error) error {
		return db.InStoreTx(ctx, pool, func(s *db.Store) error { return fn(s) })
	}, transport)

	dispatcher := dispatch.New(dispatch.Config{
		From:          cfg.GetFromAddress(),
		BatchSize:     cfg.EmailBatchSize,
		SyncThreshold: cfg.SyncSendThreshold,
	}, reg, nil, app.links)

	app.service = thread.New(thread.Config{Domain: cfg.MailDomain}, thread.Deps{
		Registry:   reg,
		Access:     access.NewEngine(reg),
		Dispatcher: dispatcher,
		Store:      store,
		InTx: func(ctx context.Context, fn func(thread.Store) error) error {
			return db.InStoreTx(ctx, pool, func(s *db.Store) error { return fn(s) })
		},
		Publisher: app.hub,
		Sender:    app.worker,
	})
	if err := app.service.EnsureSubtypes(ctx); err != nil {
		return nil, fmt.Errorf("failed to load subtypes: %w", err)
	}

	rt := router.New(router.Config{
		Domain:        cfg.MailDomain,
		BounceAlias:   cfg.BounceAlias,
		CatchallAlias: cfg.CatchallAlias,
	}, reg)
	app.gateway = router.NewGateway(rt, store, app.service, app.worker, db.NewMessageLocker(pool), cfg.GetFromAddress())

	if addr := cfg.GetIMAPAddress(); addr != "" {
		app.fetcher = fetchmail.New(fetchmail.Config{
			Addr:     addr,
			Username: cfg.IMAPUsername,
			Password: cfg.IMAPPassword,
			Folder:   cfg.IMAPFolder,
			UseTLS:   cfg.IMAPUseTLS,
		}, app.gateway)
	}
	if cfg.InboundSMTPAddr != "" {
		app.inbound = smtp.NewServer(smtp.ServerConfig{
			Addr:            cfg.InboundSMTPAddr,
			Domain:          cfg.MailDomain,
			MaxMessageBytes: 25 << 20,
			LMTP:            cfg.InboundLMTP,
		}, app.gateway)
	}

	return app, nil
}

// job is a scheduled background task.
type job struct {
	name     string
	schedule string
	run      func()
}

// Start launches the inbound receivers and the scheduled jobs.
func (a *App) Start(ctx context.Context) error {
	a.scheduler = cron.New()
	jobs := []job{
		{name: "outbox_sweep", schedule: a.cfg.OutboxSchedule, run: func() {
			if _, err := a.worker.ProcessQueue(ctx, outboxSweepLimit); err != nil {
				logger.Log.Error("outbox_sweep_failed", zap.Error(err))
			}
		}},
		{name: "notification_gc", schedule: a.cfg.GCSchedule, run: func() {
			retention := time.Duration(a.cfg.NotificationRetention) * 24 * time.Hour
			if _, err := a.worker.CollectGarbage(ctx, retention); err != nil {
				logger.Log.Error("notification_gc_failed", zap.Error(err))
			}
		}},
	}
	if a.fetcher != nil {
		jobs = append(jobs, job{name: "fetchmail", schedule: a.cfg.FetchSchedule, run: func() {
			if _, err := a.fetcher.FetchOnce(ctx); err != nil {
				logger.Log.Error("fetchmail_round_failed", zap.Error(err))
			}
		}})
	}
	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		if _, err := a.scheduler.AddFunc(j.schedule, j.run); err != nil {
			return fmt.Errorf("invalid schedule %q for %s: %w", j.schedule, j.name, err)
		}
	}
	a.scheduler.Start()

	if a.fetcher != nil {
		go a.fetcher.Run(ctx)
	}
	if a.inbound != nil {
		go func() {
			logger.Log.Info("inbound_smtp_starting", zap.String("addr", a.inbound.Addr))
			if err := a.inbound.ListenAndServe(); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
				logger.Log.Error("inbound_smtp_failed", zap.Error(err))
			}
		}()
	}
	return nil
}

// Stop stops the scheduler and the inbound SMTP server.
func (a *App) Stop() {
	if a.scheduler != nil {
		<-a.scheduler.Stop().Done()
	}
	if a.inbound != nil {
		_ = a.inbound.Close()
	}
}

// Handler returns the HTTP routes of the server.
func (a *App) Handler() http.Handler {
	records := api.NewRecordsHandler(a.service)
	messages := api.NewMessagesHandler(a.service)
	mailgate := api.NewMailgateHandler(a.gateway)
	wsHandler := api.NewWebSocketHandler(a.auth, a.hub)
	view := api.NewViewHandler(a.links, a.cfg.BaseURL)

	protected := func(h http.HandlerFunc) http.Handler {
		return a.auth.RequireAuth(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", handleRoot)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /mail/view", view.Handle)
	// The WebSocket handler authenticates itself, since browsers cannot set
	// headers on WebSocket requests.
	mux.HandleFunc("GET /api/v1/ws", wsHandler.Handle)

	mux.Handle("POST /api/v1/mailgate", protected(mailgate.Handle))

	mux.Handle("POST /api/v1/records/{model}", protected(records.CreateRecord))
	mux.Handle("PATCH /api/v1/records/{model}/{id}", protected(records.UpdateRecord))
	mux.Handle("DELETE /api/v1/records/{model}/{id}", protected(records.DeleteRecord))
	mux.Handle("GET /api/v1/records/{model}/{id}/messages", protected(records.ListMessages))
	mux.Handle("POST /api/v1/records/{model}/{id}/messages", protected(records.PostMessage))
	mux.Handle("GET /api/v1/records/{model}/{id}/followers", protected(records.Followers))
	mux.Handle("POST /api/v1/records/{model}/{id}/followers", protected(records.Subscribe))
	mux.Handle("DELETE /api/v1/records/{model}/{id}/followers", protected(records.Unsubscribe))

	mux.Handle("POST /api/v1/messages/read", protected(messages.MarkRead))
	mux.Handle("PATCH /api/v1/messages/{id}", protected(messages.UpdateBody))
	mux.Handle("GET /api/v1/messages/{id}/delivery", protected(messages.DeliveryStatus))
	mux.Handle("POST /api/v1/messages/{id}/resend", protected(messages.Resend))
	mux.Handle("GET /api/v1/attachments/{id}", protected(messages.Attachment))

	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "threadmail is running")
}
