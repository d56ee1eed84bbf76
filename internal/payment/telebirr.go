package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/metinatakli/premium-billing/internal/domain"
	"github.com/metinatakli/premium-billing/internal/signing"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const telebirrProviderName = "telebirr"

const (
	telebirrInitiatePath = "/payment/v1/merchant/preOrder"
	telebirrQueryPath    = "/payment/v1/merchant/queryOrder"
)

// maxResponseBytes bounds how much of a provider response is read.
const maxResponseBytes = 1 << 20

// telebirrSettledOrderCodes are query answers that settle an order for good.
// Any other non-success code says nothing about the order itself.
var telebirrSettledOrderCodes = map[string]struct{}{
	"ORDER_NOT_EXIST": {},
	"ORDER_NOT_FOUND": {},
	"TRADE_NOT_EXIST": {},
	"ORDER_CLOSED":    {},
	"TRADE_CLOSED":    {},
	"ORDER_EXPIRED":   {},
}

type TelebirrConfig struct {
	BaseURL        string
	CheckoutURL    string
	AppID          string
	MerchantID     string
	ShortCode      string
	NotifyURL      string
	TradeType      string
	TimeoutExpress string
	Timeout        time.Duration
}

type TelebirrPaymentProvider struct {
	cfg    TelebirrConfig
	signer *signing.Signer
	client *http.Client
	now    func() time.Time
}

// NewTelebirrPaymentProvider signs outbound requests with the merchant key held
// by signer and verifies inbound callbacks with the provider key it holds.
func NewTelebirrPaymentProvider(cfg TelebirrConfig, signer *signing.Signer) *TelebirrPaymentProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &TelebirrPaymentProvider{
		cfg:    cfg,
		signer: signer,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
}

type telebirrResponse struct {
	Code    flexString      `json:"code"`
	Message string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

type telebirrInitiateData struct {
	ToPayURL      string     `json:"toPayUrl"`
	TransactionNo string     `json:"transactionNo"`
	PrepayID      string     `json:"prepayId"`
	Status        flexString `json:"status"`
}

type telebirrQueryData struct {
	OutTradeNo    string          `json:"outTradeNo"`
	TransactionNo string          `json:"transactionNo"`
	TradeStatus   flexString      `json:"tradeStatus"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Message       string          `json:"msg"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}

	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}

	*f = flexString(b)
	return nil
}

func (t *TelebirrPaymentProvider) Configured() error {
	if !t.signer.CanSign() || !t.signer.CanVerify() {
		return signing.ErrMissingKey
	}

	if t.cfg.BaseURL == "" || t.cfg.AppID == "" || t.cfg.MerchantID == "" {
		return fmt.Errorf("telebirr credentials: %w", domain.ErrConfiguration)
	}

	return nil
}

func (t *TelebirrPaymentProvider) Initiate(
	ctx context.Context,
	req domain.MobilePaymentRequest) (*domain.MobilePaymentResponse, error) {

	if !t.signer.CanSign() {
		return nil, signing.ErrMissingKey
	}

	amount := req.Amount.StringFixed(2)

	fields := map[string]any{
		"appId":          t.cfg.AppID,
		"merchantId":     t.cfg.MerchantID,
		"nonce":          newNonce(),
		"notifyUrl":      t.cfg.NotifyURL,
		"orderNo":        req.OutTradeNo,
		"outTradeNo":     req.OutTradeNo,
		"payAmount":      amount,
		"receiveAmount":  amount,
		"shortCode":      t.cfg.ShortCode,
		"subject":        req.Subject,
		"timeoutExpress": t.cfg.TimeoutExpress,
		"timestamp":      t.timestamp(),
		"totalAmount":    amount,
		"tradeType":      t.cfg.TradeType,
		"userId":         req.PhoneNumber,
		"usdAmount":      "",
	}

	sign, err := t.signer.Sign(fields)
	if err != nil {
		return nil, err
	}

	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body[signing.SignatureField] = sign

	res, err := t.post(ctx, telebirrInitiatePath, body)
	if err != nil {
		return nil, err
	}

	if !isSuccessCode(res.Code) {
		return nil, &domain.ProviderError{
			Provider: telebirrProviderName,
			Code:     string(res.Code),
			Message:  res.Message,
		}
	}

	var data telebirrInitiateData
	if len(res.Data) > 0 {
		err = json.Unmarshal(res.Data, &data)
		if err != nil {
			return nil, fmt.Errorf("decode telebirr initiate data: %w", err)
		}
	}

	redirectURL := data.ToPayURL
	if redirectURL == "" {
		redirectURL = t.deeplink(body)
	}

	return &domain.MobilePaymentResponse{
		SignedFields:   fields,
		TransactionNo:  firstNonEmpty(data.TransactionNo, data.PrepayID),
		RedirectURL:    redirectURL,
		ProviderStatus: string(data.Status),
	}, nil
}

func (t *TelebirrPaymentProvider) Query(ctx context.Context, outTradeNo string) (*domain.MobileQueryResult, error) {
	if !t.signer.CanSign() {
		return nil, signing.ErrMissingKey
	}

	fields := map[string]any{
		"appId":      t.cfg.AppID,
		"merchantId": t.cfg.MerchantID,
		"nonce":      newNonce(),
		"outTradeNo": outTradeNo,
		"timestamp":  t.timestamp(),
	}

	sign, err := t.signer.Sign(fields)
	if err != nil {
		return nil, err
	}
	fields[signing.SignatureField] = sign

	res, err := t.post(ctx, telebirrQueryPath, fields)
	if err != nil {
		return nil, err
	}

	if !isSuccessCode(res.Code) {
		code := strings.ToUpper(strings.TrimSpace(string(res.Code)))
		if _, settled := telebirrSettledOrderCodes[code]; !settled {
			return nil, fmt.Errorf("%w: telebirr query answered code %s: %s", domain.ErrTransientProvider, res.Code, res.Message)
		}

		return nil, &domain.ProviderError{
			Provider: telebirrProviderName,
			Code:     string(res.Code),
			Message:  res.Message,
		}
	}

	var data telebirrQueryData
	if len(res.Data) > 0 {
		err = json.Unmarshal(res.Data, &data)
		if err != nil {
			return nil, fmt.Errorf("%w: decode telebirr query data: %v", domain.ErrTransientProvider, err)
		}
	}

	message := data.Message
	if message == "" {
		message = res.Message
	}

	return &domain.MobileQueryResult{
		Status:        MapTelebirrStatus(string(data.TradeStatus)),
		RawStatus:     string(data.TradeStatus),
		TransactionNo: data.TransactionNo,
		Amount:        data.TotalAmount,
		Message:       message,
	}, nil
}

func (t *TelebirrPaymentProvider) VerifyCallback(fields map[string]any, signature string) error {
	return t.signer.Verify(fields, signature)
}

// MapTelebirrStatus folds the provider's trade and callback statuses into the
// three outcomes the ledger understands. Anything unknown is still pending.
func MapTelebirrStatus(status string) domain.MobileQueryStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCESS", "PAY_SUCCESS", "COMPLETED", "TRADE_SUCCESS":
		return domain.MobileQueryCompleted
	case "FAILED", "FAILURE", "PAY_FAILED", "CLOSED", "EXPIRED", "CANCELLED", "CANCELED", "TRADE_CLOSED":
		return domain.MobileQueryFailed
	default:
		return domain.MobileQueryPending
	}
}

func (t *TelebirrPaymentProvider) post(ctx context.Context, path string, body map[string]any) (*telebirrResponse, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(t.cfg.BaseURL, "/")+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-APP-Key", t.cfg.AppID)

	resp, err := t.client.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnreachable, err)
		}

		return nil, fmt.Errorf("%w: %v", domain.ErrTransientProvider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response body: %v", domain.ErrTransientProvider, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: telebirr responded with status %d", domain.ErrTransientProvider, resp.StatusCode)
	}

	// an unparsable body is usually a proxy or maintenance page, not an answer
	var res telebirrResponse
	err = json.Unmarshal(raw, &res)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed telebirr response (status %d): %v", domain.ErrTransientProvider, resp.StatusCode, err)
	}

	if resp.StatusCode >= http.StatusBadRequest && isSuccessCode(res.Code) {
		res.Code = flexString(strconv.Itoa(resp.StatusCode))
	}

	return &res, nil
}

// deeplink rebuilds the checkout page address from the signed request so the
// client can complete the payment without a provider-issued URL.
func (t *TelebirrPaymentProvider) deeplink(signed map[string]any) string {
	values := url.Values{}
	for k, v := range signed {
		if v == nil {
			continue
		}
		values.Set(k, fmt.Sprint(v))
	}

	base := t.cfg.CheckoutURL
	if base == "" {
		base = strings.TrimRight(t.cfg.BaseURL, "/") + "/payment/web/paygate"
	}

	return base + "?" + values.Encode()
}

func (t *TelebirrPaymentProvider) timestamp() string {
	return strconv.FormatInt(t.now().UnixMilli(), 10)
}

func isSuccessCode(code flexString) bool {
	switch strings.ToUpper(string(code)) {
	case "0", "200", "SUCCESS":
		return true
	default:
		return false
	}
}

func newNonce() string {
	return compactUUID()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
