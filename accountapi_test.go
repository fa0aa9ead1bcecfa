package main

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

type capturedRequest struct {
	Path string
	Auth string
	Body map[string]any
}

// newTestAccountAPI serves handler over an in-memory listener.
func newTestAccountAPI(t *testing.T, status int, response string) (*AccountAPI, func() []capturedRequest) {
	t.Helper()

	var (
		mu       sync.Mutex
		requests []capturedRequest
	)

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, func(ctx *fasthttp.RequestCtx) {
			var body map[string]any
			_ = json.Unmarshal(ctx.PostBody(), &body)

			mu.Lock()
			requests = append(requests, capturedRequest{
				Path: string(ctx.Path()),
				Auth: string(ctx.Request.Header.Peek("Authorization")),
				Body: body,
			})
			mu.Unlock()

			ctx.SetStatusCode(status)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(response)
		})
	}()
	t.Cleanup(func() { ln.Close() })

	api := NewAccountAPI("http://accounts.test", "secret", 2*time.Second)
	api.client.Dial = func(addr string) (net.Conn, error) {
		return ln.Dial()
	}

	return api, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), requests...)
	}
}

func TestAccountAPIAddKeys(t *testing.T) {
	api, captured := newTestAccountAPI(t, 200, `{"success":true,"data":{"inserted":1}}`)

	keys := []ResaleKeyEntry{{Key: "sk-1", KeyType: ResaleKeyType, Quota: 1, SourceName: "alice&出售_1"}}
	if err := api.AddKeys(context.Background(), keys); err != nil {
		t.Fatalf("AddKeys: %v", err)
	}

	reqs := captured()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests", len(reqs))
	}
	r := reqs[0]
	if r.Path != "/lyanyrouter/addKeys" {
		t.Errorf("path = %q", r.Path)
	}
	if r.Auth != "Bearer secret" {
		t.Errorf("Authorization = %q", r.Auth)
	}
	sent, _ := r.Body["keys"].([]any)
	if len(sent) != 1 {
		t.Fatalf("keys = %v", r.Body["keys"])
	}
	entry := sent[0].(map[string]any)
	if entry["key"] != "sk-1" || entry["key_type"] != "anyrouter" || entry["is_sold"] != false || entry["quota"] != float64(1) || entry["source_name"] != "alice&出售_1" {
		t.Errorf("entry = %v", entry)
	}
}

func TestAccountAPICheckinableAccounts(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"success flag", `{"success":true,"data":{"total":1,"accounts":[{"_id":"r1","username":"alice","session":"S","account_id":"42","checkin_error_count":2,"tokens":[{"name":"出售_A","remain_quota":500000},{"id":7,"is_deleted":true}]}]}}`},
		{"errCode", `{"errCode":0,"errMsg":"ok","data":{"total":1,"accounts":[{"_id":"r1","username":"alice","session":"S","account_id":"42","checkin_error_count":2,"tokens":[{"name":"出售_A","remain_quota":500000},{"id":7,"is_deleted":true}]}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, captured := newTestAccountAPI(t, 200, tt.response)

			accounts, err := api.CheckinableAccounts(context.Background(), 10)
			if err != nil {
				t.Fatalf("CheckinableAccounts: %v", err)
			}
			if len(accounts) != 1 {
				t.Fatalf("accounts = %+v", accounts)
			}

			cred := accounts[0].Credential()
			if cred.RecordID != "r1" || cred.SessionToken != "S" || cred.AccountIdentifier != "42" || cred.Username != "alice" {
				t.Errorf("credential = %+v", cred)
			}
			if len(cred.DesiredTokens) != 2 || !cred.DesiredTokens[0].IsCreation() || !cred.DesiredTokens[1].IsDeletion() {
				t.Errorf("tokens = %+v", cred.DesiredTokens)
			}
			if accounts[0].CheckinErrorCount != 2 {
				t.Errorf("CheckinErrorCount = %d", accounts[0].CheckinErrorCount)
			}

			if got := captured()[0].Body["limit"]; got != float64(10) {
				t.Errorf("limit = %v", got)
			}
		})
	}
}

func TestAccountAPIUpdateAccountInfo(t *testing.T) {
	api, captured := newTestAccountAPI(t, 200, `{"success":true}`)

	count := 3
	if err := api.UpdateAccountInfo(context.Background(), "r1", AccountUpdate{CheckinErrorCount: &count}); err != nil {
		t.Fatalf("UpdateAccountInfo: %v", err)
	}

	body := captured()[0].Body
	if body["_id"] != "r1" {
		t.Errorf("_id = %v", body["_id"])
	}
	update, _ := body["updateData"].(map[string]any)
	if len(update) != 1 || update["checkin_error_count"] != float64(3) {
		t.Errorf("updateData = %v, want only checkin_error_count", update)
	}

	if err := api.UpdateAccountInfo(context.Background(), "", AccountUpdate{}); err == nil {
		t.Error("empty id accepted")
	}
}

func TestAccountAPIErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		response  string
		wantFatal bool
		wantText  string
	}{
		{"rejected", 200, `{"success":false,"error":"account locked"}`, false, "account locked"},
		{"errCode", 200, `{"errCode":5,"errMsg":"db down"}`, false, "db down"},
		{"server error", 500, `{"success":false}`, false, "HTTP 500"},
		{"not json", 502, `<html>bad gateway</html>`, false, "decode"},
		{"unauthorized", 401, `{"success":false}`, true, "unauthorized"},
		{"forbidden", 403, ``, true, "unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, _ := newTestAccountAPI(t, tt.status, tt.response)

			err := api.AddKeys(context.Background(), []ResaleKeyEntry{{Key: "k"}})
			if err == nil {
				t.Fatal("error not reported")
			}
			if IsFatalError(err) != tt.wantFatal {
				t.Errorf("IsFatalError = %v, want %v (%v)", IsFatalError(err), tt.wantFatal, err)
			}
			if !strings.Contains(err.Error(), tt.wantText) {
				t.Errorf("err = %v, want it to mention %q", err, tt.wantText)
			}
		})
	}
}
