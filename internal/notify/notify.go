// Package notify builds and delivers the reviewer email sent after a
// successful transcription.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"

	"voice-batch-go/internal/logger"
	"voice-batch-go/internal/types"
)

const (
	DefaultPrefix     = "CHOPS"
	DefaultSenderName = "CHOPS Voice Bot"
	ExcerptLength     = 1500

	separator  = "--------------------"
	dateLayout = "02/01/2006 15:04:05"
)

type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers one message. Callers treat failures as non-fatal.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type ComposeOptions struct {
	To       string
	Prefix   string
	Location *time.Location
}

// Compose renders the notification for a transcribed submission.
func Compose(rec types.SubmissionRecord, transcript, folderURL string, opts ComposeOptions) Message {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	received := ""
	if !rec.ReceivedAt.IsZero() {
		received = rec.ReceivedAt.In(opts.Location).Format(dateLayout)
	}

	lines := []string{
		"Une nouvelle réponse vocale a été reçue et transcrite.",
		separator,
		"Date de réception: " + received,
		fmt.Sprintf("Profil: %s, Usage: %s", rec.Profile, rec.Used),
		fmt.Sprintf("Utilisateur: %s (Contexte: %s)", rec.StudentCode, rec.Cohort),
		fmt.Sprintf("Sujet: %s, Durée: ~%ss", rec.Topic, strconv.FormatFloat(rec.DurationSec, 'f', -1, 64)),
		separator,
		"Transcription:",
		Excerpt(transcript, ExcerptLength),
		separator,
		"Lien vers le dossier utilisateur:",
		folderURL,
	}

	return Message{
		To:      opts.To,
		Subject: fmt.Sprintf("%s – (Transcrit) Nouvelle réponse : %s / %s (%s)", opts.Prefix, rec.Profile, rec.StudentCode, rec.Topic),
		Body:    strings.Join(lines, "\n"),
	}
}

// Excerpt cuts s to n runes and marks the cut with "...".
func Excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

type SMTPOptions struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	SenderName string
}

// SMTPSender sends through an SMTP relay with go-mail.
type SMTPSender struct {
	opts SMTPOptions
}

func NewSMTPSender(opts SMTPOptions) (*SMTPSender, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if opts.From == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}
	if opts.Port == 0 {
		opts.Port = 587
	}
	if opts.SenderName == "" {
		opts.SenderName = DefaultSenderName
	}
	return &SMTPSender{opts: opts}, nil
}

func (s *SMTPSender) build(msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.FromFormat(s.opts.SenderName, s.opts.From); err != nil {
		return nil, fmt.Errorf("set from: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("set recipient: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m, err := s.build(msg)
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(s.opts.Port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if s.opts.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.opts.Username),
			mail.WithPassword(s.opts.Password),
		)
	}
	client, err := mail.NewClient(s.opts.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// LogSender only logs. It stands in when no SMTP relay is configured.
type LogSender struct {
	log *logger.Logger
}

func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{log: log.Component("notify")}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.log.WithFields(logrus.Fields{
		"to":      msg.To,
		"subject": msg.Subject,
	}).Info("notification (no smtp relay configured)")
	s.log.Debug(msg.Body)
	return nil
}
