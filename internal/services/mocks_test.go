package services

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/truesalary/backend/internal/linepay"
	"github.com/truesalary/backend/internal/models"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Submit(ctx context.Context, order *models.OrderDetails) (*linepay.SubmitResult, error) {
	args := m.Called(ctx, order)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*linepay.SubmitResult), args.Error(1)
}

func (m *MockGateway) Confirm(ctx context.Context, providerTxID string, amount int64) (*linepay.ConfirmResult, error) {
	args := m.Called(ctx, providerTxID, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*linepay.ConfirmResult), args.Error(1)
}
