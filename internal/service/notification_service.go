package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"grantgate/internal/api/v1/dto"
	"grantgate/internal/metrics"
	"grantgate/internal/model"
	"grantgate/internal/pubsub"

	"github.com/rs/zerolog"
)

var ErrInvalidNotification = errors.New("invalid entitlement notification")

// Notifier announces that an account gained a paid entitlement.
type Notifier interface {
	EntitlementActivated(ctx context.Context, n model.EntitlementNotification) error
}

type pubSubNotifier struct {
	publisher pubsub.Publisher
	topic     string
}

// NewPubSubNotifier publishes notifications for asynchronous delivery through
// the push endpoint.
func NewPubSubNotifier(publisher pubsub.Publisher, topic string) Notifier {
	return &pubSubNotifier{publisher: publisher, topic: topic}
}

func (n *pubSubNotifier) EntitlementActivated(ctx context.Context, note model.EntitlementNotification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification for account %s: %w", note.AccountID, err)
	}
	if _, err := n.publisher.Publish(ctx, n.topic, payload); err != nil {
		return err
	}
	return nil
}

type directNotifier struct {
	mailer Mailer
}

// NewDirectNotifier sends the welcome email inline.
func NewDirectNotifier(mailer Mailer) Notifier {
	return &directNotifier{mailer: mailer}
}

func (n *directNotifier) EntitlementActivated(ctx context.Context, note model.EntitlementNotification) error {
	return n.mailer.SendWelcome(ctx, note.Email, note.Tier)
}

// NotificationService consumes notifications pushed by Pub/Sub.
type NotificationService interface {
	HandlePush(ctx context.Context, req *dto.PubSubPushRequest) error
}

type notificationService struct {
	mailer Mailer
	logger zerolog.Logger
}

func NewNotificationService(mailer Mailer, logger zerolog.Logger) NotificationService {
	return &notificationService{
		mailer: mailer,
		logger: logger.With().Str("service", "NotificationService").Logger(),
	}
}

func (s *notificationService) HandlePush(ctx context.Context, req *dto.PubSubPushRequest) error {
	raw, err := base64.StdEncoding.DecodeString(req.Message.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	var note model.EntitlementNotification
	if err := json.Unmarshal(raw, &note); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if note.Email == "" || note.AccountID == "" {
		return fmt.Errorf("%w: message %s lacks account or email", ErrInvalidNotification, req.Message.MessageID)
	}

	if err := s.mailer.SendWelcome(ctx, note.Email, note.Tier); err != nil {
		metrics.Notifications.WithLabelValues("failed").Inc()
		s.logger.Error().Err(err).Str("account_id", note.AccountID).Str("message_id", req.Message.MessageID).Msg("Failed to send welcome email")
		return err
	}
	metrics.Notifications.WithLabelValues("sent").Inc()
	s.logger.Info().Str("account_id", note.AccountID).Str("event_id", note.EventID).Msg("Welcome email sent")
	return nil
}
