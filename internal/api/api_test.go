package api_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/bmdtechnologies/portal/internal/api"
	"github.com/bmdtechnologies/portal/internal/chat"
	"github.com/bmdtechnologies/portal/internal/content"
	"github.com/bmdtechnologies/portal/internal/messaging"
	"github.com/bmdtechnologies/portal/internal/models"
	"github.com/bmdtechnologies/portal/internal/ratelimit"
	"github.com/bmdtechnologies/portal/internal/testutil"
	"github.com/bmdtechnologies/portal/internal/wizard"
)

func wizardState(t *testing.T, rr *httptest.ResponseRecorder) (models.WizardState, string, string) {
	t.Helper()
	var st models.WizardState
	status, msg := testutil.DecodeResult(t, rr, &st)
	return st, status, msg
}

func createWizard(t *testing.T, env *testutil.Env, body map[string]string) models.WizardState {
	t.Helper()
	rr := env.Do(t, http.MethodPost, "/api/wizards", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	st, _, _ := wizardState(t, rr)
	return st
}

func TestHealth(t *testing.T) {
	env := testutil.NewTestEnv(t)
	rr := env.Do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	var body map[string]interface{}
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &body)
	assert.Equal(t, "healthy", body["status"])
}

func TestLoginBySMSEndToEnd(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.SeedAccount(t, true)

	st := createWizard(t, env, map[string]string{"flow": "login"})
	assert.Equal(t, models.StepEmailEntry, st.Step)
	base := "/api/wizards/" + st.ID

	rr := env.Do(t, http.MethodPost, base+"/email", map[string]string{"email": testutil.UserEmail})
	require.Equal(t, http.StatusOK, rr.Code)
	st, _, _ = wizardState(t, rr)
	assert.Equal(t, models.StepMethodSelect, st.Step)

	rr = env.Do(t, http.MethodPost, base+"/channel", map[string]string{"channel": "sms"})
	require.Equal(t, http.StatusOK, rr.Code)
	st, _, _ = wizardState(t, rr)
	assert.Equal(t, models.StepOTPEntry, st.Step)
	assert.Equal(t, models.ChannelSMS, st.Channel)

	code := testutil.LastCode(t, env.SMS)
	assert.Equal(t, testutil.UserPhone, env.SMS.Sent()[0].To)

	// Non-digits are stripped before verification.
	rr = env.Do(t, http.MethodPost, base+"/code", map[string]string{"code": code[:3] + "-" + code[3:]})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	st, status, _ := wizardState(t, rr)
	assert.Equal(t, "ok", status)
	assert.Equal(t, models.StepSuccess, st.Step)
	testutil.AssertReceiptCount(t, env.Store, 1, "login")
}

func TestWizardErrorMapping(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.SeedAccount(t, true)
	st := createWizard(t, env, map[string]string{"flow": "login"})
	base := "/api/wizards/" + st.ID

	t.Run("unknown wizard", func(t *testing.T) {
		rr := env.Do(t, http.MethodGet, "/api/wizards/nope", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("malformed JSON", func(t *testing.T) {
		rr := httptest.NewRecorder()
		env.Server.ServeHTTP(rr, testutil.CreateJSONRequest(t, http.MethodPost, base+"/email", `{"email":`))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("empty email is a field error", func(t *testing.T) {
		rr := env.Do(t, http.MethodPost, base+"/email", map[string]string{"email": " "})
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		var fields models.FieldErrors
		status, _ := testutil.DecodeResult(t, rr, &fields)
		assert.Equal(t, "invalid", status)
		assert.Equal(t, models.MsgEmailRequired, fields[models.FieldEmail])

		got := env.Do(t, http.MethodGet, base, nil)
		cur, _, _ := wizardState(t, got)
		assert.Equal(t, models.StepEmailEntry, cur.Step)
		assert.False(t, cur.IsLoading)
	})

	t.Run("action not allowed in step", func(t *testing.T) {
		rr := env.Do(t, http.MethodPost, base+"/code", map[string]string{"code": "123456"})
		assert.Equal(t, http.StatusConflict, rr.Code)
		cur, status, _ := wizardState(t, rr)
		assert.Equal(t, "error", status)
		assert.Equal(t, models.StepEmailEntry, cur.Step)
	})

	t.Run("operation failure is shown in the state", func(t *testing.T) {
		rr := env.Do(t, http.MethodPost, base+"/email", map[string]string{"email": "nobody@example.com"})
		assert.Equal(t, http.StatusOK, rr.Code)
		cur, status, msg := wizardState(t, rr)
		assert.Equal(t, "error", status)
		assert.Equal(t, models.StepEmailEntry, cur.Step)
		assert.Equal(t, "Aucun compte associé à cet email", cur.Error)
		assert.Equal(t, cur.Error, msg)
	})

	t.Run("unknown flow", func(t *testing.T) {
		rr := env.Do(t, http.MethodPost, "/api/wizards", map[string]string{"flow": "signup"})
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})
}

func TestWizardResendCooldown(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.SeedAccount(t, true)
	st := createWizard(t, env, map[string]string{"flow": "login"})
	base := "/api/wizards/" + st.ID

	env.Do(t, http.MethodPost, base+"/email", map[string]string{"email": testutil.UserEmail})
	env.Do(t, http.MethodPost, base+"/channel", map[string]string{"channel": "email"})
	first := testutil.LastCode(t, env.Email)

	rr := env.Do(t, http.MethodPost, base+"/resend", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Len(t, env.Email.Sent(), 1)

	env.Clock.Add(wizard.DefaultResendCooldown)
	rr = env.Do(t, http.MethodPost, base+"/resend", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Len(t, env.Email.Sent(), 2)

	// Only the latest code is valid.
	second := testutil.LastCode(t, env.Email)
	if first != second {
		rr = env.Do(t, http.MethodPost, base+"/code", map[string]string{"code": first})
		cur, _, _ := wizardState(t, rr)
		assert.Equal(t, models.StepOTPEntry, cur.Step)
	}
	rr = env.Do(t, http.MethodPost, base+"/code", map[string]string{"code": second})
	cur, _, _ := wizardState(t, rr)
	assert.Equal(t, models.StepSuccess, cur.Step)
}

func TestConfirmAccountExpiresAndRetries(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.SeedAccount(t, false)

	st := createWizard(t, env, map[string]string{
		"flow": "confirm-account", "email": testutil.UserEmail, "token": testutil.UserToken,
	})
	assert.Equal(t, models.StepMethodSelect, st.Step)
	base := "/api/wizards/" + st.ID

	rr := env.Do(t, http.MethodPost, base+"/channel", map[string]string{"channel": "sms"})
	st, _, _ = wizardState(t, rr)
	require.NotNil(t, st.Countdown)
	assert.Equal(t, "5:00", st.Countdown.Display)

	env.Clock.Add(wizard.DefaultCodeExpiry)
	rr = env.Do(t, http.MethodGet, base, nil)
	st, _, _ = wizardState(t, rr)
	assert.Equal(t, models.StepExpired, st.Step)

	rr = env.Do(t, http.MethodPost, base+"/retry", nil)
	st, _, _ = wizardState(t, rr)
	assert.Equal(t, models.StepMethodSelect, st.Step)

	env.Do(t, http.MethodPost, base+"/channel", map[string]string{"channel": "sms"})
	rr = env.Do(t, http.MethodPost, base+"/code", map[string]string{"code": testutil.LastCode(t, env.SMS)})
	st, _, _ = wizardState(t, rr)
	assert.Equal(t, models.StepSuccess, st.Step, st.Error)

	a, err := env.Store.GetAccount(testutil.UserEmail)
	require.NoError(t, err)
	assert.True(t, a.Confirmed())
}

func TestResetPasswordFlow(t *testing.T) {
	env := testutil.NewTestEnv(t)
	env.SeedAccount(t, true)
	st := createWizard(t, env, map[string]string{"flow": "reset-password"})
	base := "/api/wizards/" + st.ID

	env.Do(t, http.MethodPost, base+"/email", map[string]string{"email": testutil.UserEmail})
	env.Do(t, http.MethodPost, base+"/channel", map[string]string{"channel": "email"})
	rr := env.Do(t, http.MethodPost, base+"/code", map[string]string{"code": testutil.LastCode(t, env.Email)})
	st, _, _ = wizardState(t, rr)
	require.Equal(t, models.StepNewPasswordEntry, st.Step, st.Error)

	rr = env.Do(t, http.MethodPost, base+"/password", map[string]string{"newPassword": "Abcd1234", "confirmPassword": "Abcd1235"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	var fields models.FieldErrors
	testutil.DecodeResult(t, rr, &fields)
	assert.Equal(t, "Les mots de passe ne correspondent pas", fields[models.FieldConfirmPassword])

	rr = env.Do(t, http.MethodPost, base+"/password", map[string]string{"newPassword": "Abcd1234", "confirmPassword": "Abcd1234"})
	st, _, _ = wizardState(t, rr)
	assert.Equal(t, models.StepSuccess, st.Step)

	a, err := env.Store.GetAccount(testutil.UserEmail)
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte("Abcd1234")))
}

func TestAdminResetPasswordQueuesLink(t *testing.T) {
	env := testutil.NewTestEnv(t)
	st := createWizard(t, env, map[string]string{"flow": "admin-reset-password"})

	rr := env.Do(t, http.MethodPost, "/api/wizards/"+st.ID+"/email", map[string]string{"email": testutil.AdminEmail})
	st, _, _ = wizardState(t, rr)
	assert.Equal(t, models.StepSuccess, st.Step)

	msgs := env.Store.OutboxMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, messaging.KindResetLink, msgs[0].Kind)
}

func TestDiscardWizard(t *testing.T) {
	env := testutil.NewTestEnv(t)
	st := createWizard(t, env, map[string]string{"flow": "login"})

	rr := env.Do(t, http.MethodDelete, "/api/wizards/"+st.ID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = env.Do(t, http.MethodGet, "/api/wizards/"+st.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = env.Do(t, http.MethodDelete, "/api/wizards/"+st.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func validSignup() models.SignupForm {
	return models.SignupForm{
		FirstName: "Moussa", LastName: "Ndiaye", Email: "moussa@example.com", Phone: "+221771112233",
		Password: "Secret123", ConfirmPassword: "Secret123", BirthYear: "1990", Gender: "homme", AgreeTerms: true,
	}
}

func TestSignup(t *testing.T) {
	env := testutil.NewTestEnv(t)

	rr := env.Do(t, http.MethodPost, "/api/signup", validSignup())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var result map[string]string
	testutil.DecodeResult(t, rr, &result)
	assert.True(t, strings.HasPrefix(result["confirmLink"], testutil.BaseURL+"/confirm-account?email=moussa%40example.com&token="))

	rr = env.Do(t, http.MethodPost, "/api/signup", validSignup())
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	form := validSignup()
	form.Email = "someone@example.com"
	form.ConfirmPassword = "Other123"
	rr = env.Do(t, http.MethodPost, "/api/signup", form)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	var fields models.FieldErrors
	testutil.DecodeResult(t, rr, &fields)
	assert.Equal(t, models.MsgPasswordMismatch, fields["confirmPassword"])
}

func TestAdminLogin(t *testing.T) {
	env := testutil.NewTestEnv(t)
	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"valid", map[string]string{"email": testutil.AdminEmail, "password": testutil.AdminPassword}, http.StatusOK},
		{"wrong password", map[string]string{"email": testutil.AdminEmail, "password": "nope"}, http.StatusUnauthorized},
		{"missing fields", map[string]string{}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.Do(t, http.MethodPost, "/api/admin/login", tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestChatSession(t *testing.T) {
	env := testutil.NewTestEnv(t)

	rr := env.Do(t, http.MethodPost, "/api/chat/sessions", map[string]string{"kind": "widget"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var st models.ChatState
	testutil.DecodeResult(t, rr, &st)
	require.Len(t, st.Messages, 1)
	base := "/api/chat/sessions/" + st.ID

	rr = env.Do(t, http.MethodPost, base+"/messages", map[string]string{"text": "   "})
	testutil.DecodeResult(t, rr, &st)
	assert.Len(t, st.Messages, 1)
	assert.False(t, st.IsTyping)

	rr = env.Do(t, http.MethodPost, base+"/messages", map[string]string{"text": "Où est mon SONDAGE ?"})
	testutil.DecodeResult(t, rr, &st)
	assert.Len(t, st.Messages, 2)
	assert.True(t, st.IsTyping)

	env.Clock.Add(chat.WidgetCatalog().ReplyDelay)
	rr = env.Do(t, http.MethodGet, base, nil)
	testutil.DecodeResult(t, rr, &st)
	require.Len(t, st.Messages, 3)
	assert.False(t, st.IsTyping)
	assert.Equal(t, models.SenderBot, st.Messages[2].Sender)
	assert.Contains(t, st.Messages[2].Text, "sondages")

	rr = env.Do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = env.Do(t, http.MethodPost, base+"/messages", map[string]string{"text": "merci"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.Do(t, http.MethodPost, "/api/chat/sessions", map[string]string{"kind": "fax"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = env.Do(t, http.MethodGet, "/api/chat/quick-actions", nil)
	var actions []models.QuickAction
	testutil.DecodeResult(t, rr, &actions)
	assert.NotEmpty(t, actions)
}

func TestContentEndpoints(t *testing.T) {
	env := testutil.NewTestEnv(t)
	portfolio, err := content.LoadPortfolio()
	require.NoError(t, err)

	rr := env.Do(t, http.MethodGet, "/api/portfolio", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.Do(t, http.MethodGet, "/api/portfolio/projects?featured=true", nil)
	var projects []content.Project
	testutil.DecodeResult(t, rr, &projects)
	assert.Len(t, projects, len(portfolio.FilterProjects(content.ProjectFilter{FeaturedOnly: true})))

	rr = env.Do(t, http.MethodGet, "/api/portfolio/blog", nil)
	var posts []content.BlogPost
	testutil.DecodeResult(t, rr, &posts)
	assert.Len(t, posts, len(portfolio.Blog))

	rr = env.Do(t, http.MethodGet, "/api/pages", nil)
	var pages []content.Page
	testutil.DecodeResult(t, rr, &pages)
	assert.Len(t, pages, len(content.Pages))
}

func TestRateLimitRejectsPosts(t *testing.T) {
	var rejected atomic.Int32
	clockEnv := testutil.NewTestEnv(t)
	limiter := ratelimit.NewKeyedLimiter(time.Minute, 2, clockEnv.Clock)
	env := testutil.NewTestEnv(t, api.WithRateLimiter(limiter, func(context.Context, string) { rejected.Add(1) }))

	for i := 0; i < 2; i++ {
		rr := env.Do(t, http.MethodPost, "/api/wizards", map[string]string{"flow": "login"})
		assert.Equal(t, http.StatusCreated, rr.Code)
	}
	rr := env.Do(t, http.MethodPost, "/api/wizards", map[string]string{"flow": "login"})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, int32(1), rejected.Load())

	rr = env.Do(t, http.MethodGet, "/api/pages", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	clockEnv.Clock.Add(time.Minute)
	rr = env.Do(t, http.MethodPost, "/api/wizards", map[string]string{"flow": "login"})
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func postWizardFrom(t *testing.T, env *testutil.Env, remoteAddr, forwardedFor string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/wizards", strings.NewReader(`{"flow":"login"}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rr := httptest.NewRecorder()
	env.Server.ServeHTTP(rr, req)
	return rr.Code
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	clockEnv := testutil.NewTestEnv(t)
	limiter := ratelimit.NewKeyedLimiter(time.Minute, 2, clockEnv.Clock)
	env := testutil.NewTestEnv(t, api.WithRateLimiter(limiter, nil))

	accepted := 0
	for i := 0; i < 20; i++ {
		if postWizardFrom(t, env, "198.51.100.7:4000", fmt.Sprintf("203.0.113.%d", i)) == http.StatusCreated {
			accepted++
		}
	}
	assert.Equal(t, 2, accepted)
}

func TestRateLimitTrustedProxyForwardedFor(t *testing.T) {
	clockEnv := testutil.NewTestEnv(t)
	limiter := ratelimit.NewKeyedLimiter(time.Minute, 2, clockEnv.Clock)
	proxies, err := api.ParseTrustedProxies("10.0.0.0/8, 192.0.2.1")
	require.NoError(t, err)
	env := testutil.NewTestEnv(t, api.WithRateLimiter(limiter, nil), api.WithTrustedProxies(proxies...))

	// Each client behind the proxy gets its own bucket.
	for _, client := range []string{"203.0.113.1", "203.0.113.2"} {
		for i := 0; i < 2; i++ {
			assert.Equal(t, http.StatusCreated, postWizardFrom(t, env, "10.1.2.3:4000", client))
		}
		assert.Equal(t, http.StatusTooManyRequests, postWizardFrom(t, env, "10.1.2.3:4000", client))
	}

	// Hops prepended by the client are skipped in favour of the one the proxy appended.
	assert.Equal(t, http.StatusTooManyRequests, postWizardFrom(t, env, "10.1.2.3:4000", "198.51.100.9, 203.0.113.1"))
	// Chained trusted proxies are walked past.
	assert.Equal(t, http.StatusTooManyRequests, postWizardFrom(t, env, "192.0.2.1:80", "203.0.113.2, 10.9.9.9"))
}

func TestParseTrustedProxies(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"10.0.0.0/8", 1, false},
		{"10.0.0.0/8, 127.0.0.1 ,::1", 3, false},
		{"10.0.0.0/33", 0, true},
		{"proxy.internal", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := api.ParseTrustedProxies(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestStaticSPA(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>portal</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644))
	env := testutil.NewTestEnv(t, api.WithStaticDir(dir))

	tests := []struct {
		path string
		want int
		body string
	}{
		{"/", http.StatusOK, "portal"},
		{"/survey/42", http.StatusOK, "portal"},
		{"/admin/dashboard/", http.StatusOK, "portal"},
		{"/app.js", http.StatusOK, "console.log"},
		{"/nowhere", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := env.Do(t, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.want, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.body)
		})
	}
}

func TestSMSWebhookMounted(t *testing.T) {
	env := testutil.NewTestEnv(t)
	dispatcher := messaging.NewDispatcher(env.Store, env.Store, messaging.WithService(env.SMS))
	bridge := messaging.NewChatBridge(env.Chats, dispatcher, env.Store, env.Store, env.Clock)
	withHook := testutil.NewTestEnv(t, api.WithChatBridge(bridge, nil, ""))

	form := url.Values{"From": {testutil.UserPhone}, "Body": {"aide"}, "MessageSid": {"SM1"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/sms", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	withHook.Server.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/xml", rr.Header().Get("Content-Type"))
	assert.Equal(t, 1, bridge.Sessions())

	rr = httptest.NewRecorder()
	env.Server.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/twilio/sms", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
