package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const trialAlreadyUsedCode = "TRIAL_ALREADY_USED"

// HTTPPaymentAPI 通过 HTTP 调用支付意图服务
type HTTPPaymentAPI struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPaymentAPI token 非空时以 Bearer 方式携带
func NewHTTPPaymentAPI(baseURL, token string, timeout time.Duration) *HTTPPaymentAPI {
	client := &http.Client{Timeout: timeout}
	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, client)
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
		client.Timeout = timeout
	}
	return &HTTPPaymentAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (a *HTTPPaymentAPI) CreateIntent(ctx context.Context, planName string) (*Intent, error) {
	return a.createIntent(ctx, "/payment/create-intent", planName)
}

func (a *HTTPPaymentAPI) CreateTrialIntent(ctx context.Context, planName string) (*Intent, error) {
	intent, err := a.createIntent(ctx, "/payment/create-trial-intent", planName)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusBadRequest && hasErrorCode(se.Body, trialAlreadyUsedCode) {
			return nil, ErrTrialAlreadyUsed
		}
		return nil, err
	}
	return intent, nil
}

func (a *HTTPPaymentAPI) Status(ctx context.Context, sessionID string) (*PaymentStatus, error) {
	endpoint := a.baseURL + "/payment/status?sessionId=" + url.QueryEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var status PaymentStatus
	if err := a.do(req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (a *HTTPPaymentAPI) createIntent(ctx context.Context, path, planName string) (*Intent, error) {
	body, err := json.Marshal(map[string]string{"planName": planName})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var intent Intent
	if err := a.do(req, &intent); err != nil {
		return nil, err
	}
	if intent.SessionID == "" {
		return nil, fmt.Errorf("payment api returned an intent without session id")
	}
	return &intent, nil
}

func (a *HTTPPaymentAPI) do(req *http.Request, out interface{}) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode payment api response: %w", err)
	}
	return nil
}

func hasErrorCode(body, code string) bool {
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return false
	}
	return payload.Code == code
}
