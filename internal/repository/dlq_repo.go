package repository

import (
	"context"
	"fmt"

	"grantgate/internal/model"
)

type DLQRepository interface {
	Create(ctx context.Context, message *model.DeadLetterMessage) error
}

type dlqRepository struct {
	pool PgxPool
}

func NewDLQRepository(pool PgxPool) DLQRepository {
	return &dlqRepository{pool: pool}
}

func (r *dlqRepository) Create(ctx context.Context, message *model.DeadLetterMessage) error {
	const q = `
        INSERT INTO dead_letter_messages (subscription_name, message_id, payload, attributes, status)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (message_id) DO NOTHING`
	_, err := r.pool.Exec(ctx, q,
		message.SubscriptionName,
		message.MessageID,
		message.Payload,
		message.Attributes,
		message.Status,
	)
	if err != nil {
		return fmt.Errorf("store dead letter message %s: %w", message.MessageID, err)
	}
	return nil
}
