package provider

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StubProvider logs messages locally and always succeeds. It is the
// development transport; switching to a real provider is configuration,
// not a code change.
type StubProvider struct {
	logger *zap.Logger
}

func NewStub(logger *zap.Logger) *StubProvider {
	return &StubProvider{logger: logger}
}

func (s *StubProvider) Name() string { return "stub" }

func (s *StubProvider) Send(ctx context.Context, to, templateName string, params map[string]string) Result {
	s.logger.Info("stub message sent",
		zap.String("to", to),
		zap.String("template", templateName),
		zap.Any("params", params),
	)
	return success("stub-" + uuid.NewString())
}
