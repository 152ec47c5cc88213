package service

import (
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/otp"
	"identity-service/internal/token"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	challenges  *otp.Manager
	tokens      *token.Service
	identities  IdentityStore
	events      EventPublisher
	kafkaCfg    config.KafkaConfig
	logger      *zap.Logger
	authService *AuthService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	challenges *otp.Manager,
	tokens *token.Service,
	identities IdentityStore,
	events EventPublisher,
	kafkaCfg config.KafkaConfig,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		challenges: challenges,
		tokens:     tokens,
		identities: identities,
		events:     events,
		kafkaCfg:   kafkaCfg,
		logger:     logger,
	}
}

// AuthService returns the auth service instance (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(
			f.challenges,
			f.tokens,
			f.identities,
			f.events,
			f.kafkaCfg,
			f.logger,
		)
	}
	return f.authService
}

// TokenService returns the token service the factory was built with.
func (f *ServiceFactory) TokenService() *token.Service {
	return f.tokens
}
