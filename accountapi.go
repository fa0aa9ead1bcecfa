package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

const accountAPIPrefix = "/lyanyrouter/"

// AccountRecord is an account as the account store hands it out for check-in.
type AccountRecord struct {
	ID                string        `json:"_id"`
	Username          string        `json:"username"`
	AccountType       int           `json:"account_type"`
	Session           string        `json:"session"`
	AccountID         string        `json:"account_id"`
	CheckinDate       int64         `json:"checkin_date"`
	CheckinErrorCount int           `json:"checkin_error_count"`
	Tokens            []TokenConfig `json:"tokens"`
}

// Credential converts the record into the input of one check-in run.
func (a AccountRecord) Credential() AccountCredential {
	return AccountCredential{
		RecordID:          a.ID,
		Username:          a.Username,
		SessionToken:      a.Session,
		AccountIdentifier: a.AccountID,
		DesiredTokens:     a.Tokens,
	}
}

// AccountUpdate is the partial record written back after a run.
// Only non-nil fields are sent.
type AccountUpdate struct {
	Balance           *float64      `json:"balance,omitempty"`
	Used              *float64      `json:"used,omitempty"`
	AffCode           *string       `json:"aff_code,omitempty"`
	Tokens            []TokenRecord `json:"tokens,omitempty"`
	CheckinDate       *int64        `json:"checkin_date,omitempty"`
	CheckinErrorCount *int          `json:"checkin_error_count,omitempty"`
	Notes             *string       `json:"notes,omitempty"`
}

type accountAPIResponse struct {
	Success *bool           `json:"success"`
	ErrCode *int            `json:"errCode"`
	Error   string          `json:"error"`
	ErrMsg  string          `json:"errMsg"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (r *accountAPIResponse) ok() bool {
	if r.Success != nil {
		return *r.Success
	}
	return r.ErrCode != nil && *r.ErrCode == 0
}

func (r *accountAPIResponse) text() string {
	switch {
	case r.Error != "":
		return r.Error
	case r.ErrMsg != "":
		return r.ErrMsg
	default:
		return r.Message
	}
}

// AccountAPI talks to the account-store service over JSON POSTs.
type AccountAPI struct {
	baseURL string
	apiKey  string
	client  *fasthttp.Client
	timeout time.Duration
}

func NewAccountAPI(baseURL, apiKey string, timeout time.Duration) *AccountAPI {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &AccountAPI{
		baseURL: baseURL,
		apiKey:  apiKey,
		timeout: timeout,
		client: &fasthttp.Client{
			Name:                "checkin",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: 30 * time.Second,
		},
	}
}

// post sends body to op and decodes the envelope's data into out (if non-nil).
func (a *AccountAPI) post(ctx context.Context, op string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(a.baseURL + accountAPIPrefix + op)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	req.SetBody(payload)

	deadline := time.Now().Add(a.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := a.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	status := resp.StatusCode()
	if status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden {
		return NewFatalError(fmt.Errorf("%s: unauthorized (HTTP %d)", op, status))
	}

	var env accountAPIResponse
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("%s: HTTP %d: decode: %w", op, status, err)
	}
	if status < 200 || status >= 300 || !env.ok() {
		msg := env.text()
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", status)
		}
		return fmt.Errorf("%s: %s", op, msg)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s: decode data: %w", op, err)
		}
	}
	return nil
}

// AddKeys forwards a batch of resale keys to the key inventory.
func (a *AccountAPI) AddKeys(ctx context.Context, keys []ResaleKeyEntry) error {
	return a.post(ctx, "addKeys", struct {
		Keys []ResaleKeyEntry `json:"keys"`
	}{Keys: keys}, nil)
}

// CheckinableAccounts returns the accounts that have not checked in today.
// limit <= 0 means no limit.
func (a *AccountAPI) CheckinableAccounts(ctx context.Context, limit int) ([]AccountRecord, error) {
	body := map[string]any{}
	if limit > 0 {
		body["limit"] = limit
	}
	var data struct {
		Total    int             `json:"total"`
		Accounts []AccountRecord `json:"accounts"`
	}
	if err := a.post(ctx, "getCheckinableAccounts", body, &data); err != nil {
		return nil, err
	}
	return data.Accounts, nil
}

// UpdateAccountInfo writes a partial update to one account record.
func (a *AccountAPI) UpdateAccountInfo(ctx context.Context, id string, update AccountUpdate) error {
	if id == "" {
		return fmt.Errorf("updateAccountInfo: empty account id")
	}
	return a.post(ctx, "updateAccountInfo", struct {
		ID         string        `json:"_id"`
		UpdateData AccountUpdate `json:"updateData"`
	}{ID: id, UpdateData: update}, nil)
}
