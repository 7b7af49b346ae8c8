package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	Timezone            string
	BaseURL             string
	RegistryPath        string

	// Mail routing
	MailDomain         string
	BounceAlias        string
	CatchallAlias      string
	DefaultFromAddress string

	// Outbound transport
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPStartTLS bool

	// Inbound receivers. Empty values disable the receiver.
	InboundSMTPAddr string
	InboundLMTP     bool
	IMAPHost        string
	IMAPPort        string
	IMAPUsername    string
	IMAPPassword    string
	IMAPFolder      string
	IMAPUseTLS      bool

	// Cron schedules for background jobs.
	FetchSchedule  string
	OutboxSchedule string
	GCSchedule     string

	EmailBatchSize        int
	SyncSendThreshold     int
	NotificationRetention int
}

func NewConfig() (*Config, error) {
	env := os.Getenv("THREADMAIL_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("THREADMAIL_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("THREADMAIL_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("THREADMAIL_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("THREADMAIL_DB_USER", "threadmail"),
		DBPassword:          os.Getenv("THREADMAIL_DB_PASSWORD"),
		DBName:              getEnvOrDefault("THREADMAIL_DB_NAME", "threadmail"),
		DBSSLMode:           getEnvOrDefault("THREADMAIL_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),
		Timezone:            getEnvOrDefault("TZ", "UTC"),
		BaseURL:             getEnvOrDefault("THREADMAIL_BASE_URL", "http://localhost:8080"),
		RegistryPath:        getEnvOrDefault("THREADMAIL_REGISTRY_PATH", "registry.yaml"),

		MailDomain:         strings.ToLower(os.Getenv("THREADMAIL_MAIL_DOMAIN")),
		BounceAlias:        getEnvOrDefault("THREADMAIL_BOUNCE_ALIAS", "bounce"),
		CatchallAlias:      getEnvOrDefault("THREADMAIL_CATCHALL_ALIAS", "catchall"),
		DefaultFromAddress: os.Getenv("THREADMAIL_DEFAULT_FROM"),

		SMTPHost:     os.Getenv("THREADMAIL_SMTP_HOST"),
		SMTPPort:     getEnvOrDefault("THREADMAIL_SMTP_PORT", "587"),
		SMTPUsername: os.Getenv("THREADMAIL_SMTP_USER"),
		SMTPPassword: os.Getenv("THREADMAIL_SMTP_PASSWORD"),
		SMTPStartTLS: getEnvOrDefault("THREADMAIL_SMTP_STARTTLS", "true") == "true",

		InboundSMTPAddr: os.Getenv("THREADMAIL_INBOUND_SMTP_ADDR"),
		InboundLMTP:     os.Getenv("THREADMAIL_INBOUND_LMTP") == "true",
		IMAPHost:        os.Getenv("THREADMAIL_IMAP_HOST"),
		IMAPPort:        getEnvOrDefault("THREADMAIL_IMAP_PORT", "993"),
		IMAPUsername:    os.Getenv("THREADMAIL_IMAP_USER"),
		IMAPPassword:    os.Getenv("THREADMAIL_IMAP_PASSWORD"),
		IMAPFolder:      getEnvOrDefault("THREADMAIL_IMAP_FOLDER", "INBOX"),
		IMAPUseTLS:      getEnvOrDefault("THREADMAIL_IMAP_TLS", "true") == "true",

		FetchSchedule:  getEnvOrDefault("THREADMAIL_FETCH_SCHEDULE", "*/5 * * * *"),
		OutboxSchedule: getEnvOrDefault("THREADMAIL_OUTBOX_SCHEDULE", "* * * * *"),
		GCSchedule:     getEnvOrDefault("THREADMAIL_GC_SCHEDULE", "0 3 * * *"),
	}

	var err error
	if config.EmailBatchSize, err = getIntEnvOrDefault("THREADMAIL_EMAIL_BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if config.SyncSendThreshold, err = getIntEnvOrDefault("THREADMAIL_SYNC_SEND_THRESHOLD", 20); err != nil {
		return nil, err
	}
	if config.NotificationRetention, err = getIntEnvOrDefault("THREADMAIL_NOTIFICATION_RETENTION_DAYS", 180); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("THREADMAIL_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("THREADMAIL_DB_PASSWORD is required")
	}

	if c.BounceAlias == c.CatchallAlias {
		return fmt.Errorf("bounce and catch-all aliases must differ, both are %q", c.BounceAlias)
	}

	if c.EmailBatchSize <= 0 {
		return fmt.Errorf("THREADMAIL_EMAIL_BATCH_SIZE must be positive, got %d", c.EmailBatchSize)
	}

	if c.IMAPHost != "" && (c.IMAPUsername == "" || c.IMAPPassword == "") {
		return fmt.Errorf("THREADMAIL_IMAP_USER and THREADMAIL_IMAP_PASSWORD are required when THREADMAIL_IMAP_HOST is set")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// GetSMTPAddress returns host:port of the outbound relay, or "" when none is configured.
func (c *Config) GetSMTPAddress() string {
	if c.SMTPHost == "" {
		return ""
	}
	return c.SMTPHost + ":" + c.SMTPPort
}

// GetIMAPAddress returns host:port of the polled mailbox, or "" when polling is off.
func (c *Config) GetIMAPAddress() string {
	if c.IMAPHost == "" {
		return ""
	}
	return c.IMAPHost + ":" + c.IMAPPort
}

// GetFromAddress returns the sender used for system mail.
func (c *Config) GetFromAddress() string {
	if c.DefaultFromAddress != "" {
		return c.DefaultFromAddress
	}
	if c.MailDomain != "" {
		return "notifications@" + c.MailDomain
	}
	return "notifications@localhost"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return parsed, nil
}
