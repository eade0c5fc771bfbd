package payments

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const mpesaTimestampLayout = "20060102150405"

// BearerTokenSource supplies OAuth bearer tokens for Daraja requests.
type BearerTokenSource interface {
	Token(ctx context.Context) (string, error)
}

// MpesaLogger defines the logging contract for Daraja client operations.
type MpesaLogger func(ctx context.Context, event string, fields map[string]any)

// MpesaClientConfig configures the Daraja STK push client.
type MpesaClientConfig struct {
	BaseURL     string
	ShortCode   string
	PassKey     string
	CallbackURL string
	Tokens      BearerTokenSource
	HTTPClient  *http.Client
	Clock       func() time.Time
	Logger      MpesaLogger
}

// MpesaClient implements MobileMoneyClient against the Daraja STK push API.
type MpesaClient struct {
	httpClient  *http.Client
	baseURL     string
	shortCode   string
	passKey     string
	callbackURL string
	tokens      BearerTokenSource
	clock       func() time.Time
	logger      MpesaLogger
}

// NewMpesaClient validates the configuration and builds an MpesaClient.
func NewMpesaClient(cfg MpesaClientConfig) (*MpesaClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("mpesa: base url is required")
	}
	if strings.TrimSpace(cfg.ShortCode) == "" || strings.TrimSpace(cfg.PassKey) == "" {
		return nil, errors.New("mpesa: short code and pass key are required")
	}
	if strings.TrimSpace(cfg.CallbackURL) == "" {
		return nil, errors.New("mpesa: callback url is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("mpesa: token source is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &MpesaClient{
		httpClient:  httpClient,
		baseURL:     baseURL,
		shortCode:   strings.TrimSpace(cfg.ShortCode),
		passKey:     strings.TrimSpace(cfg.PassKey),
		callbackURL: strings.TrimSpace(cfg.CallbackURL),
		tokens:      cfg.Tokens,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode      string `json:"ResponseCode"`
	ResultCode        string `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type darajaErrorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// InitiateSTKPush sends the payment prompt to the subscriber's handset.
func (c *MpesaClient) InitiateSTKPush(ctx context.Context, req STKPushRequest) (STKPushResult, error) {
	if c == nil {
		return STKPushResult{}, errors.New("mpesa: client is nil")
	}
	phone := normalizeMsisdn(req.Phone)
	if phone == "" {
		return STKPushResult{}, NewError("mpesa", "invalid_phone", "subscriber phone number is required", nil)
	}
	if req.Amount < 1 {
		return STKPushResult{}, NewError("mpesa", "invalid_amount", "amount must be at least one whole unit", nil)
	}

	timestamp := c.clock().Format(mpesaTimestampLayout)
	payload := stkPushPayload{
		BusinessShortCode: c.shortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            strconv.FormatInt(req.Amount, 10),
		PartyA:            phone,
		PartyB:            c.shortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.callbackURL,
		AccountReference:  strings.TrimSpace(req.AccountReference),
		TransactionDesc:   strings.TrimSpace(req.Description),
	}

	var resp stkPushResponse
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", payload, &resp); err != nil {
		return STKPushResult{}, err
	}

	if resp.ResponseCode != "0" {
		return STKPushResult{}, NewError("mpesa", "stk_rejected", resp.ResponseDescription, nil)
	}

	c.logger(ctx, "payments.mpesa.stk.initiated", map[string]any{
		"checkoutRequestId": resp.CheckoutRequestID,
		"merchantRequestId": resp.MerchantRequestID,
	})

	return STKPushResult{
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		ResponseCode:      resp.ResponseCode,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

// QuerySTKStatus asks the provider for the state of a previously issued prompt.
func (c *MpesaClient) QuerySTKStatus(ctx context.Context, checkoutRequestID string) (STKQueryResult, error) {
	if c == nil {
		return STKQueryResult{}, errors.New("mpesa: client is nil")
	}
	checkoutRequestID = strings.TrimSpace(checkoutRequestID)
	if checkoutRequestID == "" {
		return STKQueryResult{}, NewError("mpesa", "invalid_request", "checkout request id is required", nil)
	}

	timestamp := c.clock().Format(mpesaTimestampLayout)
	payload := stkQueryPayload{
		BusinessShortCode: c.shortCode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var resp stkQueryResponse
	if err := c.post(ctx, "/mpesa/stkpushquery/v1/query", payload, &resp); err != nil {
		return STKQueryResult{}, err
	}

	resultCode, err := strconv.Atoi(strings.TrimSpace(resp.ResultCode))
	if err != nil {
		return STKQueryResult{}, NewError("mpesa", "invalid_result_code", "query returned a non-numeric result code", err)
	}

	return STKQueryResult{
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        resultCode,
		ResultDesc:        resp.ResultDesc,
	}, nil
}

func (c *MpesaClient) post(ctx context.Context, path string, payload any, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("mpesa: acquire token: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("mpesa: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mpesa: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewError("mpesa", "request_failed", "request did not complete", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("mpesa: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var darajaErr darajaErrorResponse
		if json.Unmarshal(data, &darajaErr) == nil && darajaErr.ErrorCode != "" {
			return NewError("mpesa", darajaErr.ErrorCode, darajaErr.ErrorMessage, nil)
		}
		return NewError("mpesa", "http_"+strconv.Itoa(resp.StatusCode), "request rejected", nil)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("mpesa: decode response: %w", err)
	}
	return nil
}

func (c *MpesaClient) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.shortCode + c.passKey + timestamp))
}

// normalizeMsisdn coerces subscriber numbers into the 2547XXXXXXXX form the
// API expects. Unrecognisable input yields the empty string.
func normalizeMsisdn(phone string) string {
	phone = strings.TrimSpace(phone)
	phone = strings.TrimPrefix(phone, "+")
	switch {
	case strings.HasPrefix(phone, "254") && len(phone) == 12:
		return phone
	case strings.HasPrefix(phone, "0") && len(phone) == 10:
		return "254" + phone[1:]
	case strings.HasPrefix(phone, "7") && len(phone) == 9:
		return "254" + phone
	case strings.HasPrefix(phone, "1") && len(phone) == 9:
		return "254" + phone
	default:
		return ""
	}
}
