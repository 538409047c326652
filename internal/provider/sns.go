package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// SNSProvider is the SMS fallback transport, for deployments that cannot
// use the WhatsApp API. SMS has no provider-side templates, so the message
// is rendered locally from the template name and parameters.
type SNSProvider struct {
	client *sns.Client
	logger *zap.Logger
}

func NewSNS(ctx context.Context, region string, logger *zap.Logger) (*SNSProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config for sns: %w", err)
	}

	return &SNSProvider{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (p *SNSProvider) Name() string { return "sns" }

func (p *SNSProvider) Send(ctx context.Context, to, templateName string, params map[string]string) Result {
	out, err := p.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(to),
		Message:     aws.String(renderText(templateName, params)),
	})
	if err != nil {
		return failure(fmt.Sprintf("sns publish failed: %v", err))
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}

	p.logger.Info("sms sent via sns",
		zap.String("template", templateName),
		zap.String("message_id", messageID),
	)

	return success(messageID)
}

// renderText produces a plain-text rendition of a template message for
// transports without template support.
func renderText(templateName string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", strings.ReplaceAll(k, "_", " "), params[k]))
	}

	return fmt.Sprintf("[%s] %s", templateName, strings.Join(parts, ", "))
}
