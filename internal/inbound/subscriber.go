// Package inbound feeds mail and activity feedback published on NATS into
// the engine's reactive handlers.
//
// Subjects and bodies:
//
//	<prefix>.mail.open      {"message_ids": ["..."]}
//	<prefix>.mail.reply     {"message_ids": ["..."]}
//	<prefix>.mail.bounce    {"message_ids": ["..."]}
//	<prefix>.mail.click     {"instance_id": "...", "link_code": "...", "source": "..."}
//	<prefix>.activity.done  {"activity_id": "..."}
//
// Malformed messages are logged and dropped. Handler failures are logged;
// the message is not redelivered.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/petrijr/stepflow/pkg/api"
)

const (
	SubjectMailOpen     = "mail.open"
	SubjectMailReply    = "mail.reply"
	SubjectMailBounce   = "mail.bounce"
	SubjectMailClick    = "mail.click"
	SubjectActivityDone = "activity.done"

	DefaultPrefix = "stepflow"
)

var (
	ErrMalformed      = errors.New("inbound: malformed message")
	ErrUnknownSubject = errors.New("inbound: unknown subject")
	ErrAlreadyStarted = errors.New("inbound: subscriber already started")
)

// Handlers is the part of api.Engine the subscriber drives.
type Handlers interface {
	MailOpened(ctx context.Context, messageIDs ...string) error
	MailReplied(ctx context.Context, messageIDs ...string) error
	MailBounced(ctx context.Context, messageIDs ...string) error
	RecordClick(ctx context.Context, instanceID, linkCode, source string) (*api.Click, error)
	ActivityDone(ctx context.Context, activityID string) error
}

var _ Handlers = (api.Engine)(nil)

type mailEvent struct {
	MessageIDs []string `json:"message_ids"`
}

type clickEvent struct {
	InstanceID string `json:"instance_id"`
	LinkCode   string `json:"link_code"`
	Source     string `json:"source"`
}

type activityEvent struct {
	ActivityID string `json:"activity_id"`
}

// Config controls subject naming and delivery.
type Config struct {
	// Prefix is prepended to every subject. Defaults to "stepflow".
	Prefix string
	// QueueGroup load-balances messages across subscribers when set.
	QueueGroup string
	// Timeout bounds one handler call. Defaults to 30s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Subscriber consumes feedback subjects from one NATS connection.
type Subscriber struct {
	conn     *nats.Conn
	handlers Handlers
	cfg      Config

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewSubscriber(conn *nats.Conn, handlers Handlers, cfg Config) *Subscriber {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	cfg.Prefix = strings.TrimSuffix(cfg.Prefix, ".")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Subscriber{conn: conn, handlers: handlers, cfg: cfg}
}

// Subject returns the full subject for one of the Subject* suffixes.
func (s *Subscriber) Subject(suffix string) string {
	return s.cfg.Prefix + "." + suffix
}

// Start subscribes to every feedback subject.
func (s *Subscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs != nil {
		return ErrAlreadyStarted
	}

	for _, suffix := range []string{SubjectMailOpen, SubjectMailReply, SubjectMailBounce, SubjectMailClick, SubjectActivityDone} {
		var (
			sub *nats.Subscription
			err error
		)
		if s.cfg.QueueGroup != "" {
			sub, err = s.conn.QueueSubscribe(s.Subject(suffix), s.cfg.QueueGroup, s.onMessage)
		} else {
			sub, err = s.conn.Subscribe(s.Subject(suffix), s.onMessage)
		}
		if err != nil {
			s.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", s.Subject(suffix), err)
		}
		s.subs = append(s.subs, sub)
	}
	return s.conn.Flush()
}

// Stop drains the subscriptions so in-flight messages finish.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked()
}

func (s *Subscriber) unsubscribeLocked() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Subscriber) onMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	if err := s.Handle(ctx, msg.Subject, msg.Data); err != nil {
		level := slog.LevelError
		if errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownSubject) {
			level = slog.LevelWarn
		}
		s.cfg.Logger.Log(ctx, level, "inbound_message_dropped",
			slog.String("subject", msg.Subject),
			slog.Any("error", err),
		)
	}
}

// Handle decodes one message and calls the matching handler.
func (s *Subscriber) Handle(ctx context.Context, subject string, data []byte) error {
	suffix, ok := strings.CutPrefix(subject, s.cfg.Prefix+".")
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}

	switch suffix {
	case SubjectMailOpen, SubjectMailReply, SubjectMailBounce:
		var ev mailEvent
		if err := decode(data, &ev); err != nil {
			return err
		}
		if len(ev.MessageIDs) == 0 {
			return fmt.Errorf("%w: message_ids is empty", ErrMalformed)
		}
		switch suffix {
		case SubjectMailOpen:
			return s.handlers.MailOpened(ctx, ev.MessageIDs...)
		case SubjectMailReply:
			return s.handlers.MailReplied(ctx, ev.MessageIDs...)
		default:
			return s.handlers.MailBounced(ctx, ev.MessageIDs...)
		}

	case SubjectMailClick:
		var ev clickEvent
		if err := decode(data, &ev); err != nil {
			return err
		}
		if ev.InstanceID == "" || ev.LinkCode == "" {
			return fmt.Errorf("%w: instance_id and link_code are required", ErrMalformed)
		}
		_, err := s.handlers.RecordClick(ctx, ev.InstanceID, ev.LinkCode, ev.Source)
		return err

	case SubjectActivityDone:
		var ev activityEvent
		if err := decode(data, &ev); err != nil {
			return err
		}
		if ev.ActivityID == "" {
			return fmt.Errorf("%w: activity_id is required", ErrMalformed)
		}
		return s.handlers.ActivityDone(ctx, ev.ActivityID)
	}
	return fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
