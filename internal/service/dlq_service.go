package service

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"grantgate/internal/api/v1/dto"
	"grantgate/internal/model"
	"grantgate/internal/repository"
)

type DLQService interface {
	ProcessAndSave(ctx context.Context, req *dto.PubSubPushRequest) error
}

type dlqService struct {
	repo repository.DLQRepository
}

func NewDLQService(repo repository.DLQRepository) DLQService {
	return &dlqService{repo: repo}
}

func (s *dlqService) ProcessAndSave(ctx context.Context, req *dto.PubSubPushRequest) error {
	payload, err := base64.StdEncoding.DecodeString(req.Message.Data)
	if err != nil {
		// keep what arrived so the message can still be inspected
		payload = []byte(req.Message.Data)
	}

	var attributes *string
	if len(req.Message.Attributes) > 0 {
		if b, err := json.Marshal(req.Message.Attributes); err == nil {
			s := string(b)
			attributes = &s
		}
	}

	return s.repo.Create(ctx, &model.DeadLetterMessage{
		SubscriptionName: req.Subscription,
		MessageID:        req.Message.MessageID,
		Payload:          string(payload),
		Attributes:       attributes,
		Status:           "unprocessed",
	})
}
