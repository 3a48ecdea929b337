package services

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Initialize(ctx context.Context, email string, amount decimal.Decimal, reference, callbackURL string) (*GatewayInit, error) {
	args := m.Called(ctx, email, amount, reference, callbackURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewayInit), args.Error(1)
}

func (m *MockGateway) Verify(ctx context.Context, reference string) (*GatewayVerification, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewayVerification), args.Error(1)
}
