// Package testutil provides common test utilities and helpers for portal tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"golang.org/x/crypto/bcrypt"

	"github.com/bmdtechnologies/portal/internal/account"
	"github.com/bmdtechnologies/portal/internal/api"
	"github.com/bmdtechnologies/portal/internal/chat"
	"github.com/bmdtechnologies/portal/internal/content"
	"github.com/bmdtechnologies/portal/internal/messaging"
	"github.com/bmdtechnologies/portal/internal/models"
	"github.com/bmdtechnologies/portal/internal/store"
	"github.com/bmdtechnologies/portal/internal/wizard"
)

// TB is the part of testing.TB the assertion helpers use, so they can be
// exercised with a recording double.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// Fixed credentials of the seeded accounts.
const (
	UserEmail     = "awa@example.com"
	UserPhone     = "+221770000000"
	UserPassword  = "Secret123"
	UserToken     = "tok123"
	AdminEmail    = "admin@bmd.tech"
	AdminPassword = "AdminPass1"
	BaseURL       = "https://portal.example.com"
)

// Env is a portal wired on in-memory dependencies with simulated delivery and
// a mock clock aligned with wall time.
type Env struct {
	Clock    *clock.Mock
	Store    *store.InMemoryStore
	Email    *messaging.SimulatedService
	SMS      *messaging.SimulatedService
	Accounts *account.Service
	Wizards  *wizard.Manager
	Chats    *chat.Manager
	Server   *api.Server
}

// NewTestEnv builds an Env. extra options are applied to the API server.
func NewTestEnv(t *testing.T, extra ...api.Option) *Env {
	t.Helper()
	clk := clock.NewMock()
	clk.Add(time.Since(clk.Now()))
	st := store.NewInMemoryStore()
	emailSvc := messaging.NewSimulatedService(models.ChannelEmail)
	smsSvc := messaging.NewSimulatedService(models.ChannelSMS)
	dispatcher := messaging.NewDispatcher(st, st,
		messaging.WithService(emailSvc),
		messaging.WithService(smsSvc),
		messaging.WithDispatchClock(clk))

	adminHash, err := bcrypt.GenerateFromPassword([]byte(AdminPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash admin password: %v", err)
	}
	accounts := account.NewService(st, dispatcher,
		account.WithClock(clk),
		account.WithBcryptCost(bcrypt.MinCost),
		account.WithPasswordPolicy(&models.DefaultPasswordPolicy),
		account.WithBaseURL(BaseURL),
		account.WithAdmin(account.AdminCredentials{Email: AdminEmail, PasswordHash: string(adminHash)}))

	wizards := wizard.NewManager(accounts, clk, time.Hour)
	chats := chat.NewManager(clk, time.Hour, chat.WithJitter(func(time.Duration) time.Duration { return 0 }))
	portfolio, err := content.LoadPortfolio()
	if err != nil {
		t.Fatalf("failed to load portfolio: %v", err)
	}

	opts := append([]api.Option{api.WithAccounts(accounts), api.WithClock(clk)}, extra...)
	env := &Env{
		Clock:    clk,
		Store:    st,
		Email:    emailSvc,
		SMS:      smsSvc,
		Accounts: accounts,
		Wizards:  wizards,
		Chats:    chats,
		Server:   api.NewServer(wizards, chats, portfolio, opts...),
	}
	t.Cleanup(func() {
		wizards.Close()
		chats.Close()
	})
	return env
}

// SeedAccount stores the confirmed (or unconfirmed) test beneficiary.
func (e *Env) SeedAccount(t *testing.T, confirmed bool) models.Account {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(UserPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	now := e.Clock.Now()
	a := models.Account{
		Email:             UserEmail,
		FirstName:         "Awa",
		LastName:          "Diop",
		Phone:             UserPhone,
		PasswordHash:      string(hash),
		BirthYear:         1995,
		Gender:            "femme",
		ConfirmationToken: UserToken,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if confirmed {
		a.ConfirmedAt = &now
	}
	if err := e.Store.CreateAccount(a); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return a
}

// Do sends a request with an optional JSON body to the server.
func (e *Env) Do(t *testing.T, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.Server.ServeHTTP(rr, CreateHTTPRequest(t, method, url, body))
	return rr
}

var codePattern = regexp.MustCompile(`\b\d{6}\b`)

// LastCode extracts the one-time code of the last message captured by svc.
func LastCode(t TB, svc *messaging.SimulatedService) string {
	t.Helper()
	sent := svc.Sent()
	if len(sent) == 0 {
		t.Fatalf("no message was sent on %s", svc.Channel())
		return ""
	}
	body := sent[len(sent)-1].Message.Body
	code := codePattern.FindString(body)
	if code == "" {
		t.Fatalf("no code found in %q", body)
	}
	return code
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}

	return response
}

// DecodeResult decodes the result field of an API envelope into target and
// returns the envelope status and message.
func DecodeResult(t TB, rr *httptest.ResponseRecorder, target interface{}) (status, message string) {
	t.Helper()
	var envelope struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode envelope %q: %v", rr.Body.String(), err)
		return "", ""
	}
	if target != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, target); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
	}
	return envelope.Status, envelope.Message
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// CreateJSONRequest creates an HTTP request from a raw JSON string.
func CreateJSONRequest(t TB, method, url, jsonBody string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(jsonBody))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// AssertReceiptCount validates the number of dispatch receipts in the store.
func AssertReceiptCount(t TB, st store.ReceiptRepo, expected int, context string) {
	t.Helper()
	receipts, err := st.GetReceipts()
	if err != nil {
		t.Fatalf("%s: failed to get receipts: %v", context, err)
		return
	}
	if len(receipts) != expected {
		t.Errorf("%s: expected %d receipts, got %d", context, expected, len(receipts))
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
