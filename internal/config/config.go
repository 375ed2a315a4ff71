// Package config loads the worker and ingestion server settings from the
// environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"voice-batch-go/internal/apperr"
	"voice-batch-go/internal/store"
	"voice-batch-go/internal/transcription"
)

type Config struct {
	Environment string `mapstructure:"ENVIRONMENT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	GeminiAPIKey     string        `mapstructure:"GEMINI_API_KEY"`
	GeminiModel      string        `mapstructure:"GEMINI_MODEL" validate:"required"`
	GeminiBaseURL    string        `mapstructure:"GEMINI_BASE_URL" validate:"required,url"`
	GeminiTimeout    time.Duration `mapstructure:"GEMINI_TIMEOUT" validate:"gt=0"`
	GeminiMaxRetries int           `mapstructure:"GEMINI_MAX_RETRIES" validate:"gte=0,lte=10"`

	NotifyEmail         string `mapstructure:"NOTIFY_EMAIL" validate:"omitempty,email"`
	NotifySubjectPrefix string `mapstructure:"NOTIFY_SUBJECT_PREFIX"`
	NotifySenderName    string `mapstructure:"NOTIFY_SENDER_NAME"`
	SMTPHost            string `mapstructure:"SMTP_HOST"`
	SMTPPort            int    `mapstructure:"SMTP_PORT" validate:"gte=1,lte=65535"`
	SMTPUsername        string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword        string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom            string `mapstructure:"SMTP_FROM" validate:"omitempty,email"`

	ParentFolderID      string `mapstructure:"PARENT_FOLDER_ID"`
	TranscriptsFolderID string `mapstructure:"TRANSCRIPTS_FOLDER_ID"`

	StoreBackend string `mapstructure:"STORE_BACKEND" validate:"oneof=local s3"`
	StoreRoot    string `mapstructure:"STORE_ROOT" validate:"required_if=StoreBackend local"`
	S3Bucket     string `mapstructure:"S3_BUCKET" validate:"required_if=StoreBackend s3"`
	S3Region     string `mapstructure:"S3_REGION"`
	S3Endpoint   string `mapstructure:"S3_ENDPOINT" validate:"omitempty,url"`
	S3AccessKey  string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey  string `mapstructure:"S3_SECRET_KEY"`

	LockBackend   string        `mapstructure:"LOCK_BACKEND" validate:"oneof=local redis"`
	RedisAddr     string        `mapstructure:"REDIS_ADDR" validate:"required_if=LockBackend redis"`
	RedisPassword string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int           `mapstructure:"REDIS_DB" validate:"gte=0"`
	LockWait      time.Duration `mapstructure:"LOCK_WAIT" validate:"gt=0"`

	BatchBudget          time.Duration `mapstructure:"BATCH_BUDGET" validate:"gte=0"`
	BatchRecordDelay     time.Duration `mapstructure:"BATCH_RECORD_DELAY" validate:"gte=0"`
	BatchInterval        time.Duration `mapstructure:"BATCH_INTERVAL" validate:"gt=0"`
	BatchStaleClaimAfter time.Duration `mapstructure:"BATCH_STALE_CLAIM_AFTER" validate:"gte=0"`

	Port            int    `mapstructure:"PORT" validate:"gte=1,lte=65535"`
	MaxUploadMB     int    `mapstructure:"MAX_UPLOAD_MB" validate:"gte=1"`
	MailingListPath string `mapstructure:"MAILING_LIST_PATH"`
	Timezone        string `mapstructure:"TIMEZONE" validate:"required"`
}

var defaults = map[string]any{
	"ENVIRONMENT":             "local",
	"LOG_LEVEL":               "info",
	"GEMINI_API_KEY":          "",
	"GEMINI_MODEL":            transcription.DefaultModel,
	"GEMINI_BASE_URL":         transcription.DefaultBaseURL,
	"GEMINI_TIMEOUT":          transcription.DefaultTimeout,
	"GEMINI_MAX_RETRIES":      0,
	"NOTIFY_EMAIL":            "",
	"NOTIFY_SUBJECT_PREFIX":   "CHOPS",
	"NOTIFY_SENDER_NAME":      "CHOPS Voice Bot",
	"SMTP_HOST":               "",
	"SMTP_PORT":               587,
	"SMTP_USERNAME":           "",
	"SMTP_PASSWORD":           "",
	"SMTP_FROM":               "",
	"PARENT_FOLDER_ID":        "",
	"TRANSCRIPTS_FOLDER_ID":   "",
	"STORE_BACKEND":           "local",
	"STORE_ROOT":              "data",
	"S3_BUCKET":               "",
	"S3_REGION":               "us-east-1",
	"S3_ENDPOINT":             "",
	"S3_ACCESS_KEY":           "",
	"S3_SECRET_KEY":           "",
	"LOCK_BACKEND":            "local",
	"REDIS_ADDR":              "",
	"REDIS_PASSWORD":          "",
	"REDIS_DB":                0,
	"LOCK_WAIT":               10 * time.Second,
	"BATCH_BUDGET":            5 * time.Minute,
	"BATCH_RECORD_DELAY":      20 * time.Second,
	"BATCH_INTERVAL":          10 * time.Minute,
	"BATCH_STALE_CLAIM_AFTER": time.Duration(0),
	"PORT":                    8080,
	"MAX_UPLOAD_MB":           10,
	"MAILING_LIST_PATH":       "",
	"TIMEZONE":                "Etc/UTC",
}

type loadOptions struct {
	envFile string
}

type Option func(*loadOptions)

// WithEnvFile loads variables from path before reading the environment.
// Variables already set in the environment win.
func WithEnvFile(path string) Option {
	return func(o *loadOptions) { o.envFile = path }
}

// Load reads the configuration. A missing .env file is not an error; an
// explicitly requested one is.
func Load(opts ...Option) (*Config, error) {
	lo := loadOptions{}
	for _, opt := range opts {
		opt(&lo)
	}

	switch {
	case lo.envFile != "":
		if err := godotenv.Load(lo.envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", lo.envFile, err)
		}
	default:
		if _, err := os.Stat(".env"); err == nil {
			_ = godotenv.Load()
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.trim()
	return &cfg, nil
}

func (c *Config) trim() {
	c.GeminiAPIKey = strings.TrimSpace(c.GeminiAPIKey)
	c.NotifyEmail = strings.TrimSpace(c.NotifyEmail)
	c.ParentFolderID = strings.TrimSpace(c.ParentFolderID)
	c.TranscriptsFolderID = strings.TrimSpace(c.TranscriptsFolderID)
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.LockBackend = strings.ToLower(strings.TrimSpace(c.LockBackend))
}

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report variable names rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("mapstructure")
	})
	return v
}()

// Validate checks the structural settings shared by both commands.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		if _, lerr := c.Location(); lerr != nil {
			return apperr.Config("config", "TIMEZONE: %v", lerr)
		}
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Config("config", "%v", err)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return apperr.Config("config", "%s", strings.Join(problems, "; "))
}

func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Batch projects the settings the batch scanner depends on.
func (c *Config) Batch() BatchConfig {
	return BatchConfig{
		APIKey:              c.GeminiAPIKey,
		NotifyEmail:         c.NotifyEmail,
		RootFolderID:        c.ParentFolderID,
		TranscriptsFolderID: c.TranscriptsFolderID,
		Budget:              c.BatchBudget,
		RecordDelay:         c.BatchRecordDelay,
		StaleClaimAfter:     c.BatchStaleClaimAfter,
	}
}

type BatchConfig struct {
	APIKey              string
	NotifyEmail         string
	RootFolderID        string
	TranscriptsFolderID string
	Budget              time.Duration
	RecordDelay         time.Duration
	StaleClaimAfter     time.Duration
}

// Check is the once-per-run precondition: every secret and identifier the
// scanner needs is present and well-formed.
func (b BatchConfig) Check() error {
	var problems []string
	if !transcription.ValidKey(b.APIKey) {
		problems = append(problems, "GEMINI_API_KEY is missing or malformed")
	}
	if err := validate.Var(b.NotifyEmail, "required,email"); err != nil {
		problems = append(problems, "NOTIFY_EMAIL is missing or not an email address")
	}
	if _, err := store.CleanID(b.RootFolderID); err != nil {
		problems = append(problems, fmt.Sprintf("PARENT_FOLDER_ID: %v", err))
	}
	if _, err := store.CleanID(b.TranscriptsFolderID); err != nil {
		problems = append(problems, fmt.Sprintf("TRANSCRIPTS_FOLDER_ID: %v", err))
	}
	if b.Budget < 0 || b.RecordDelay < 0 {
		problems = append(problems, "BATCH_BUDGET and BATCH_RECORD_DELAY must not be negative")
	}
	if len(problems) > 0 {
		return apperr.Config("config", "%s", strings.Join(problems, "; "))
	}
	return nil
}
