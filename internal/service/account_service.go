package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"grantgate/internal/model"
	"grantgate/internal/repository"
)

var ErrInvalidEmail = errors.New("invalid email")

type AccountService interface {
	// Register creates the account for an authenticated user. Registering an
	// existing account returns it unchanged with created false.
	Register(ctx context.Context, id, email string) (acct *model.Account, created bool, err error)
	Get(ctx context.Context, id string) (*model.Account, error)
}

type accountService struct {
	repo repository.AccountRepository
}

func NewAccountService(repo repository.AccountRepository) AccountService {
	return &accountService{repo: repo}
}

func (s *accountService) Register(ctx context.Context, id, email string) (*model.Account, bool, error) {
	email = strings.TrimSpace(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, false, ErrInvalidEmail
	}
	acct, err := s.repo.CreateAccount(ctx, id, email)
	if errors.Is(err, repository.ErrAccountExists) {
		existing, err := s.repo.GetAccountByID(ctx, id)
		if errors.Is(err, repository.ErrAccountNotFound) {
			// the email belongs to another account
			return nil, false, repository.ErrAccountExists
		}
		return existing, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return acct, true, nil
}

func (s *accountService) Get(ctx context.Context, id string) (*model.Account, error) {
	return s.repo.GetAccountByID(ctx, id)
}
