package adapter

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/template"
	"time"

	"alertdelivery/internal/config"
	"alertdelivery/internal/domain"
	"alertdelivery/internal/templatefmt"
	"alertdelivery/internal/transient"
)

// GatewayAdapter sends alerts through a templated HTTP provider API.
// One instance serves one channel type (sms, voice, or email), each with
// its own provider endpoint and request shape.
// Params: channel type and gateway transport config.
// Returns: adapter with compiled request templates.
type GatewayAdapter struct {
	channelType domain.ChannelType
	cfg         config.GatewayAdapterConfig
	client      *http.Client

	pathTemplate  *template.Template
	bodyTemplate  *template.Template
	headers       map[string]*template.Template
	successStatus map[int]struct{}
	initErr       error
}

// gatewayPayload is the template context for provider request rendering.
// Params: alert message, recipient snapshot, and channel config map.
// Returns: data passed to path/body/header templates.
type gatewayPayload struct {
	Message   domain.AlertMessage
	Recipient domain.AlertRecipient
	Config    map[string]string
}

// NewGatewayAdapter creates one provider gateway adapter.
// Params: channel type key and transport config.
// Returns: initialized adapter; template errors surface on first Send.
func NewGatewayAdapter(channelType domain.ChannelType, cfg config.GatewayAdapterConfig) *GatewayAdapter {
	adapter := &GatewayAdapter{
		channelType: channelType,
		cfg:         cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}

	name := string(channelType)
	pathTemplate, err := templatefmt.ParsePayloadTemplate("adapters."+name+".path", cfg.Path)
	if err != nil {
		adapter.initErr = err
		return adapter
	}
	adapter.pathTemplate = pathTemplate

	if strings.TrimSpace(cfg.BodyTemplate) != "" {
		bodyTemplate, parseErr := templatefmt.ParsePayloadTemplate("adapters."+name+".body_template", cfg.BodyTemplate)
		if parseErr != nil {
			adapter.initErr = parseErr
			return adapter
		}
		adapter.bodyTemplate = bodyTemplate
	}

	adapter.headers = make(map[string]*template.Template, len(cfg.Headers))
	for key, rawValue := range cfg.Headers {
		headerTemplate, parseErr := templatefmt.ParsePayloadTemplate("adapters."+name+".headers."+key, rawValue)
		if parseErr != nil {
			adapter.initErr = parseErr
			return adapter
		}
		adapter.headers[key] = headerTemplate
	}

	adapter.successStatus = make(map[int]struct{}, len(cfg.SuccessStatus))
	for _, statusCode := range cfg.SuccessStatus {
		adapter.successStatus[statusCode] = struct{}{}
	}
	return adapter
}

// Type returns adapter channel type.
// Params: none.
// Returns: configured channel type key.
func (a *GatewayAdapter) Type() domain.ChannelType {
	return a.channelType
}

// Send renders and posts one provider request for the alert.
// Params: context, message, recipient, and channel config.
// Returns: accepted flag and render/transport/provider error.
func (a *GatewayAdapter) Send(ctx context.Context, message domain.AlertMessage, recipient domain.AlertRecipient, channelConfig map[string]string) (bool, error) {
	if a.initErr != nil {
		return false, a.initErr
	}
	name := string(a.channelType)
	payload := gatewayPayload{Message: message, Recipient: recipient, Config: channelConfig}

	pathValue, err := executeStringTemplate(a.pathTemplate, payload)
	if err != nil {
		return false, fmt.Errorf("%s render path: %w", name, err)
	}
	targetURL, err := resolveGatewayURL(a.cfg.BaseURL, pathValue)
	if err != nil {
		return false, fmt.Errorf("%s resolve url: %w", name, err)
	}

	var bodyReader io.Reader
	if a.bodyTemplate != nil {
		bodyValue, renderErr := executeStringTemplate(a.bodyTemplate, payload)
		if renderErr != nil {
			return false, fmt.Errorf("%s render body: %w", name, renderErr)
		}
		if strings.TrimSpace(bodyValue) != "" {
			bodyReader = strings.NewReader(bodyValue)
		}
	}

	request, err := http.NewRequestWithContext(ctx, a.cfg.Method, targetURL, bodyReader)
	if err != nil {
		return false, fmt.Errorf("%s build request: %w", name, err)
	}

	contentTypeSet := false
	for key, headerTemplate := range a.headers {
		value, headerErr := executeStringTemplate(headerTemplate, payload)
		if headerErr != nil {
			return false, fmt.Errorf("%s render header %q: %w", name, key, headerErr)
		}
		request.Header.Set(key, value)
		if strings.EqualFold(key, "content-type") {
			contentTypeSet = true
		}
	}
	if bodyReader != nil && !contentTypeSet {
		request.Header.Set("Content-Type", "application/json")
	}
	applyGatewayAuth(request, a.cfg.Auth)

	response, err := a.client.Do(request)
	if err != nil {
		return false, transient.Mark(fmt.Errorf("%s send: %w", name, err))
	}
	defer response.Body.Close()

	if _, ok := a.successStatus[response.StatusCode]; !ok {
		return false, statusError(name, response)
	}
	io.Copy(io.Discard, response.Body)
	return true, nil
}

// executeStringTemplate renders one compiled template into string.
// Params: compiled template and data context.
// Returns: rendered string.
func executeStringTemplate(tmpl *template.Template, payload any) (string, error) {
	if tmpl == nil {
		return "", nil
	}
	var builder strings.Builder
	if err := tmpl.Execute(&builder, payload); err != nil {
		return "", err
	}
	return builder.String(), nil
}

// resolveGatewayURL combines base URL with a rendered request path.
// Params: base URL and rendered path or absolute URL.
// Returns: absolute request URL.
func resolveGatewayURL(baseURL, pathOrURL string) (string, error) {
	trimmedPath := strings.TrimSpace(pathOrURL)
	if trimmedPath == "" {
		return "", errors.New("empty request path")
	}
	if strings.HasPrefix(trimmedPath, "http://") || strings.HasPrefix(trimmedPath, "https://") {
		if _, err := url.Parse(trimmedPath); err != nil {
			return "", err
		}
		return trimmedPath, nil
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return "", errors.New("empty base_url")
	}
	if strings.HasPrefix(trimmedPath, "/") {
		return base + trimmedPath, nil
	}
	return base + "/" + trimmedPath, nil
}

// applyGatewayAuth injects configured auth headers into the provider request.
// Params: mutable request pointer and auth config.
// Returns: request mutated in place.
func applyGatewayAuth(request *http.Request, cfg config.GatewayAuthConfig) {
	authType := strings.ToLower(strings.TrimSpace(cfg.Type))
	switch authType {
	case "", "none":
		return
	case "bearer":
		prefix := strings.TrimSpace(cfg.Prefix)
		if prefix == "" {
			prefix = "Bearer"
		}
		request.Header.Set("Authorization", prefix+" "+strings.TrimSpace(cfg.Token))
	case "basic":
		credentials := strings.TrimSpace(cfg.Username) + ":" + strings.TrimSpace(cfg.Password)
		encoded := base64.StdEncoding.EncodeToString([]byte(credentials))
		request.Header.Set("Authorization", "Basic "+encoded)
	case "header":
		header := strings.TrimSpace(cfg.Header)
		if header == "" {
			return
		}
		prefix := strings.TrimSpace(cfg.Prefix)
		token := strings.TrimSpace(cfg.Token)
		if prefix != "" {
			request.Header.Set(header, prefix+" "+token)
			return
		}
		request.Header.Set(header, token)
	}
}
