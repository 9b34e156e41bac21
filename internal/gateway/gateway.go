// Package gateway talks to the hosted checkout provider: payment-link creation and webhook verification.
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/payment"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/settings"
)

const (
	paymentRequestsPath = "/v2/payment-requests"
	headerClientID      = "x-client-id"
	headerAPIKey        = "x-api-key"
	successCode         = "00"
	defaultTimeout      = 10 * time.Second
	maxResponseBytes    = 1 << 20
)

var ErrInvalidGatewayConfig = errors.New("invalid gateway config")

// Credentials authenticate requests and sign payloads.
type Credentials struct {
	ClientID    string
	APIKey      string
	ChecksumKey string
}

// CredentialResolver prefers dynamically stored credentials over static ones.
type CredentialResolver interface {
	Resolve(ctx context.Context, key string, staticValue string) string
}

// Config holds the static gateway settings.
type Config struct {
	BaseURL     string
	Credentials Credentials
	Timeout     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithLogger overrides the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// Client implements payment.Gateway and payment.WebhookVerifier.
type Client struct {
	baseURL    string
	static     Credentials
	resolver   CredentialResolver
	httpClient *http.Client
	logger     *zap.Logger
}

var (
	_ payment.Gateway         = (*Client)(nil)
	_ payment.WebhookVerifier = (*Client)(nil)
)

// New builds a Client. resolver may be nil, in which case only static credentials are used.
func New(cfg Config, resolver CredentialResolver, options ...Option) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidGatewayConfig)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := &Client{
		baseURL:    baseURL,
		static:     cfg.Credentials,
		resolver:   resolver,
		httpClient: &http.Client{Timeout: timeout},
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		option(client)
	}
	return client, nil
}

func (client *Client) credentials(ctx context.Context) (Credentials, error) {
	resolved := client.static
	if client.resolver != nil {
		resolved = Credentials{
			ClientID:    client.resolver.Resolve(ctx, settings.KeyGatewayClientID, client.static.ClientID),
			APIKey:      client.resolver.Resolve(ctx, settings.KeyGatewayAPIKey, client.static.APIKey),
			ChecksumKey: client.resolver.Resolve(ctx, settings.KeyGatewayChecksumKey, client.static.ChecksumKey),
		}
	}
	if resolved.ClientID == "" || resolved.APIKey == "" || resolved.ChecksumKey == "" {
		return Credentials{}, fmt.Errorf("%w: gateway credentials are not configured", ErrInvalidGatewayConfig)
	}
	return resolved, nil
}

type createLinkRequest struct {
	OrderCode   int64  `json:"orderCode"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	ReturnURL   string `json:"returnUrl"`
	CancelURL   string `json:"cancelUrl"`
	Signature   string `json:"signature"`
}

type createLinkResponse struct {
	Code string `json:"code"`
	Desc string `json:"desc"`
	Data *struct {
		PaymentLinkID string `json:"paymentLinkId"`
		CheckoutURL   string `json:"checkoutUrl"`
		QRCode        string `json:"qrCode"`
	} `json:"data"`
}

// CreatePaymentLink requests a checkout link for request.
func (client *Client) CreatePaymentLink(ctx context.Context, request payment.PaymentRequest) (payment.PaymentLink, error) {
	credentials, err := client.credentials(ctx)
	if err != nil {
		return payment.PaymentLink{}, err
	}
	body := createLinkRequest{
		OrderCode:   request.OrderCode,
		Amount:      request.Amount,
		Description: request.Description,
		ReturnURL:   request.ReturnURL,
		CancelURL:   request.CancelURL,
	}
	body.Signature = SignPaymentRequest(credentials.ChecksumKey, request)
	encoded, err := json.Marshal(body)
	if err != nil {
		return payment.PaymentLink{}, fmt.Errorf("encode payment request: %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+paymentRequestsPath, bytes.NewReader(encoded))
	if err != nil {
		return payment.PaymentLink{}, fmt.Errorf("build payment request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set(headerClientID, credentials.ClientID)
	httpRequest.Header.Set(headerAPIKey, credentials.APIKey)

	response, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return payment.PaymentLink{}, fmt.Errorf("%w: %v", payment.ErrGatewayUnavailable, err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return payment.PaymentLink{}, fmt.Errorf("%w: read response: %v", payment.ErrGatewayUnavailable, err)
	}
	if response.StatusCode >= http.StatusBadRequest {
		return payment.PaymentLink{}, fmt.Errorf("%w: http status %d", payment.ErrGatewayUnavailable, response.StatusCode)
	}
	var decoded createLinkResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return payment.PaymentLink{}, fmt.Errorf("%w: decode response: %v", payment.ErrGatewayUnavailable, err)
	}
	if decoded.Code != successCode || decoded.Data == nil {
		client.logger.Warn("payment link rejected",
			zap.Int64("order_code", request.OrderCode),
			zap.String("code", decoded.Code),
			zap.String("desc", decoded.Desc),
		)
		return payment.PaymentLink{}, fmt.Errorf("%w: %s %s", payment.ErrGatewayUnavailable, decoded.Code, decoded.Desc)
	}
	return payment.PaymentLink{
		PaymentLinkID: decoded.Data.PaymentLinkID,
		CheckoutURL:   decoded.Data.CheckoutURL,
		QRCode:        decoded.Data.QRCode,
	}, nil
}

type webhookEnvelope struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

type webhookData struct {
	OrderCode json.Number `json:"orderCode"`
	Amount    json.Number `json:"amount"`
	Reference string      `json:"reference"`
	Code      string      `json:"code"`
	Desc      string      `json:"desc"`
}

// VerifyWebhook checks the payload signature and decodes the notification.
func (client *Client) VerifyWebhook(ctx context.Context, payload []byte) (payment.Notification, error) {
	credentials, err := client.credentials(ctx)
	if err != nil {
		return payment.Notification{}, err
	}
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return payment.Notification{}, fmt.Errorf("%w: decode envelope: %v", payment.ErrInvalidWebhook, err)
	}
	if len(envelope.Data) == 0 || envelope.Signature == "" {
		return payment.Notification{}, fmt.Errorf("%w: data and signature are required", payment.ErrInvalidWebhook)
	}
	fields, err := decodeFields(envelope.Data)
	if err != nil {
		return payment.Notification{}, fmt.Errorf("%w: decode data: %v", payment.ErrInvalidWebhook, err)
	}
	expected := Sign(credentials.ChecksumKey, fields)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(envelope.Signature))) {
		return payment.Notification{}, fmt.Errorf("%w: signature mismatch", payment.ErrInvalidWebhook)
	}

	decoder := json.NewDecoder(bytes.NewReader(envelope.Data))
	decoder.UseNumber()
	var data webhookData
	if err := decoder.Decode(&data); err != nil {
		return payment.Notification{}, fmt.Errorf("%w: decode data: %v", payment.ErrInvalidWebhook, err)
	}
	amount, err := data.Amount.Int64()
	if err != nil {
		return payment.Notification{}, fmt.Errorf("%w: amount %q", payment.ErrInvalidWebhook, data.Amount)
	}
	statusCode := data.Code
	if statusCode == "" {
		statusCode = envelope.Code
	}
	return payment.Notification{
		OrderCode:     data.OrderCode.String(),
		Paid:          envelope.Success && statusCode == successCode,
		StatusCode:    statusCode,
		StatusMessage: firstNonEmpty(data.Desc, envelope.Desc),
		Amount:        amount,
		Reference:     data.Reference,
	}, nil
}

// SignPaymentRequest signs the fixed field set of a create-link request.
func SignPaymentRequest(checksumKey string, request payment.PaymentRequest) string {
	return Sign(checksumKey, map[string]string{
		"amount":      strconv.FormatInt(request.Amount, 10),
		"cancelUrl":   request.CancelURL,
		"description": request.Description,
		"orderCode":   strconv.FormatInt(request.OrderCode, 10),
		"returnUrl":   request.ReturnURL,
	})
}

// Sign computes the hex HMAC-SHA256 of the fields as sorted key=value pairs joined with "&".
func Sign(checksumKey string, fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+fields[key])
	}
	mac := hmac.New(sha256.New, []byte(checksumKey))
	mac.Write([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}

func decodeFields(raw json.RawMessage) (map[string]string, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var values map[string]any
	if err := decoder.Decode(&values); err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(values))
	for key, value := range values {
		switch typed := value.(type) {
		case nil:
			fields[key] = ""
		case string:
			fields[key] = typed
		case json.Number:
			fields[key] = typed.String()
		case bool:
			fields[key] = strconv.FormatBool(typed)
		default:
			encoded, err := json.Marshal(typed)
			if err != nil {
				return nil, err
			}
			fields[key] = string(encoded)
		}
	}
	return fields, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
