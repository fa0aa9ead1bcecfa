package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	pathSignIn       = "/api/user/sign_in"
	pathUserSelf     = "/api/user/self"
	pathTokenList    = "/api/token/?p=0&size=100"
	pathTokenCreate  = "/api/token/"
	pathTokenDelete  = "/api/token/%d"
	pathAffTransfer  = "/api/user/aff_transfer"
	headerAPIUser    = "new-api-user"
	acceptJSONHeader = "application/json, text/plain, */*"
)

// apiEnvelope is the response wrapper new-api deployments use. Fields are
// decoded lazily because deployments disagree on which indicator they set
// and on whether code is a number or a string.
type apiEnvelope struct {
	Success *bool           `json:"success"`
	Ret     json.RawMessage `json:"ret"`
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func parseEnvelope(body []byte) (*apiEnvelope, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response body")
	}
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &env, nil
}

func (e *apiEnvelope) ok() bool {
	return e.Success != nil && *e.Success
}

// signInAccepted applies the three success indicators seen in the wild:
// ret==1, code==0, success==true. Any one is enough.
func (e *apiEnvelope) signInAccepted() bool {
	if e.ok() {
		return true
	}
	if v, ok := rawInt(e.Ret); ok && v == 1 {
		return true
	}
	if v, ok := rawInt(e.Code); ok && v == 0 {
		return true
	}
	return false
}

// text returns the server-provided message, msg first.
func (e *apiEnvelope) text() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Message
}

// rawInt reads a JSON number, or a string holding one. Absent and null are not values.
func rawInt(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			return v, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// createTokenRequest is the body of POST /api/token/. Exactly one of
// UnlimitedQuota and RemainQuota is sent.
type createTokenRequest struct {
	Name               string `json:"name"`
	ExpiredTime        int64  `json:"expired_time"`
	ModelLimitsEnabled bool   `json:"model_limits_enabled"`
	ModelLimits        string `json:"model_limits"`
	AllowIPs           string `json:"allow_ips"`
	Group              string `json:"group"`
	UnlimitedQuota     bool   `json:"unlimited_quota,omitempty"`
	RemainQuota        int64  `json:"remain_quota,omitempty"`
}

func newCreateTokenRequest(cfg TokenConfig) createTokenRequest {
	req := createTokenRequest{
		Name:        cfg.Name,
		ExpiredTime: -1,
		Group:       "default",
	}
	if req.Name == "" {
		req.Name = defaultTokenName
	}
	if cfg.UnlimitedQuota {
		req.UnlimitedQuota = true
	} else {
		req.RemainQuota = cfg.RemainQuota
		if req.RemainQuota <= 0 {
			req.RemainQuota = defaultTokenQuota
		}
	}
	return req
}

type affTransferRequest struct {
	Quota int64 `json:"quota"`
}

type userSelfData struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Quota     int64  `json:"quota"`
	UsedQuota int64  `json:"used_quota"`
	AffCode   string `json:"aff_code"`
	AffQuota  int64  `json:"aff_quota"`
}

// parseUserSelf decodes a /api/user/self response into a snapshot.
func parseUserSelf(res CallResult) (*UserSnapshot, error) {
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Status != 200 {
		return nil, fmt.Errorf("user self: HTTP %d", res.Status)
	}
	env, err := parseEnvelope(res.Body)
	if err != nil {
		return nil, err
	}
	if !env.ok() {
		return nil, fmt.Errorf("user self rejected: %s", env.text())
	}
	var d userSelfData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return nil, fmt.Errorf("decode user self: %w", err)
	}
	return &UserSnapshot{
		Username:  d.Username,
		Email:     d.Email,
		Quota:     d.Quota,
		UsedQuota: d.UsedQuota,
		AffCode:   d.AffCode,
		AffQuota:  d.AffQuota,
	}, nil
}

// parseTokenList decodes a /api/token/ listing. Both a bare array and the
// paginated {items: [...]} shape are accepted for data.
func parseTokenList(res CallResult) ([]TokenRecord, error) {
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Status != 200 {
		return nil, fmt.Errorf("list tokens: HTTP %d", res.Status)
	}
	env, err := parseEnvelope(res.Body)
	if err != nil {
		return nil, err
	}
	if !env.ok() {
		return nil, fmt.Errorf("list tokens rejected: %s", env.text())
	}

	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	var tokens []TokenRecord
	if data[0] == '[' {
		if err := json.Unmarshal(data, &tokens); err != nil {
			return nil, fmt.Errorf("decode token list: %w", err)
		}
		return tokens, nil
	}

	var page struct {
		Items []TokenRecord `json:"items"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("decode token page: %w", err)
	}
	return page.Items, nil
}

// checkMutation interprets the response of create, delete and transfer calls.
func checkMutation(op string, res CallResult) error {
	if res.Err != nil {
		return newRunError(KindTokenOperationFailure, "%s: %w", op, res.Err)
	}
	env, err := parseEnvelope(res.Body)
	if res.Status == 200 && err == nil && env.ok() {
		return nil
	}
	msg := fmt.Sprintf("HTTP %d", res.Status)
	if err == nil && env.text() != "" {
		msg = env.text()
	}
	return newRunError(KindTokenOperationFailure, "%s: %s", op, msg)
}
