package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WhatsAppConfig holds the three values the live transport needs. An
// incomplete config is not a startup error: Send reports a structured
// failure instead, so misconfiguration surfaces through the normal
// notification-log failure path.
type WhatsAppConfig struct {
	BaseURL       string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
}

// WhatsAppProvider sends template messages through the WhatsApp Business
// HTTP API.
type WhatsAppProvider struct {
	cfg    WhatsAppConfig
	client *http.Client
	logger *zap.Logger
}

func NewWhatsApp(cfg WhatsAppConfig, logger *zap.Logger) *WhatsAppProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	return &WhatsAppProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (p *WhatsAppProvider) Name() string { return "whatsapp" }

func (p *WhatsAppProvider) configured() bool {
	return p.cfg.BaseURL != "" && p.cfg.PhoneNumberID != "" && p.cfg.AccessToken != ""
}

type whatsappTemplateParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type whatsappRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Template         struct {
		Name     string `json:"name"`
		Language struct {
			Code string `json:"code"`
		} `json:"language"`
		Components []struct {
			Type       string                  `json:"type"`
			Parameters []whatsappTemplateParam `json:"parameters"`
		} `json:"components"`
	} `json:"template"`
}

type whatsappResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send delivers one template message. The access token goes only into the
// Authorization header; it is never logged or echoed into results.
func (p *WhatsAppProvider) Send(ctx context.Context, to, templateName string, params map[string]string) Result {
	if !p.configured() {
		return failure("whatsapp provider not configured: base url, phone number id and access token are required")
	}

	body, err := json.Marshal(p.buildRequest(to, templateName, params))
	if err != nil {
		return failure(fmt.Sprintf("encode whatsapp request: %v", err))
	}

	endpoint := fmt.Sprintf("%s/%s/messages",
		strings.TrimRight(p.cfg.BaseURL, "/"),
		url.PathEscape(p.cfg.PhoneNumberID),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return failure(fmt.Sprintf("create whatsapp request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return failure(fmt.Sprintf("whatsapp request failed: %v", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var decoded whatsappResponse
	_ = json.Unmarshal(respBody, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("whatsapp api status %d", resp.StatusCode)
		if decoded.Error != nil {
			msg = fmt.Sprintf("whatsapp api status %d: %s", resp.StatusCode, decoded.Error.Message)
		}
		p.logger.Warn("whatsapp send failed",
			zap.Int("status", resp.StatusCode),
			zap.String("template", templateName),
		)
		return failure(msg)
	}

	if len(decoded.Messages) == 0 {
		return failure("whatsapp api returned no message id")
	}

	p.logger.Info("whatsapp message sent",
		zap.String("template", templateName),
		zap.String("message_id", decoded.Messages[0].ID),
	)

	return success(decoded.Messages[0].ID)
}

func (p *WhatsAppProvider) buildRequest(to, templateName string, params map[string]string) whatsappRequest {
	var req whatsappRequest
	req.MessagingProduct = "whatsapp"
	req.To = to
	req.Type = "template"
	req.Template.Name = templateName
	req.Template.Language.Code = "en"

	// Body parameters are positional on the API side; keys are sorted so
	// the slot order is stable for a given template.
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	component := struct {
		Type       string                  `json:"type"`
		Parameters []whatsappTemplateParam `json:"parameters"`
	}{Type: "body"}

	for _, k := range keys {
		component.Parameters = append(component.Parameters, whatsappTemplateParam{Type: "text", Text: params[k]})
	}
	req.Template.Components = append(req.Template.Components, component)

	return req
}
