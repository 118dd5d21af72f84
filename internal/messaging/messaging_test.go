package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/bmdtechnologies/portal/internal/chat"
	"github.com/bmdtechnologies/portal/internal/models"
	"github.com/bmdtechnologies/portal/internal/store"
	"github.com/bmdtechnologies/portal/internal/twiliosms"
)

func TestCanonicalPhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+33 6 12 34 56 78", "+33612345678", false},
		{"(221) 77-000-0000", "+221770000000", false},
		{"+1234567890", "+1234567890", false},
		{"12345", "", true},
		{"", "", true},
		{"abc", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalPhone(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("CanonicalPhone(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err != nil && !errors.Is(err, ErrInvalidRecipient) {
			t.Errorf("CanonicalPhone(%q) error should wrap ErrInvalidRecipient", tt.in)
		}
		if got != tt.want {
			t.Errorf("CanonicalPhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSMSServiceSendsCanonicalNumber(t *testing.T) {
	client := twiliosms.NewMockClient()
	svc := NewSMSService(client)
	if err := svc.SendMessage(context.Background(), "+33 6 12 34 56 78", Message{Subject: "ignored", Body: "Votre code : 123456"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := client.Sent()
	if len(sent) != 1 || sent[0].To != "+33612345678" || sent[0].Body != "Votre code : 123456" {
		t.Errorf("unexpected SMS: %+v", sent)
	}
	if err := svc.SendMessage(context.Background(), "12", Message{Body: "x"}); err == nil {
		t.Error("expected invalid recipient error")
	}
}

func TestEmailServiceComposes(t *testing.T) {
	svc, err := NewEmailService(WithSMTPAddr("smtp.example.com:587"), WithSMTPAuth("user", "pass"), WithSMTPFrom("noreply@bmd.tech"))
	if err != nil {
		t.Fatalf("NewEmailService failed: %v", err)
	}
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string
	svc.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
		return nil
	}
	svc.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	err = svc.SendMessage(context.Background(), "Awa@Example.com", Message{Subject: "Code de vérification", Body: "Votre code : 123456"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if gotAddr != "smtp.example.com:587" || gotFrom != "noreply@bmd.tech" {
		t.Errorf("unexpected envelope: %s %s", gotAddr, gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "awa@example.com" {
		t.Errorf("unexpected recipients: %v", gotTo)
	}
	for _, want := range []string{"To: awa@example.com\r\n", "Subject: =?utf-8?q?", "charset=\"utf-8\"", "\r\n\r\nVotre code : 123456\r\n"} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("message missing %q:\n%s", want, gotMsg)
		}
	}
}

func TestNewEmailServiceRequiresConfig(t *testing.T) {
	t.Setenv("SMTP_ADDR", "")
	t.Setenv("SMTP_FROM", "")
	if _, err := NewEmailService(); err == nil {
		t.Error("expected error without address")
	}
	if _, err := NewEmailService(WithSMTPAddr("no-port"), WithSMTPFrom("a@b.com")); err == nil {
		t.Error("expected error for address without port")
	}
}

func TestDispatcherRecordsReceipts(t *testing.T) {
	st := store.NewInMemoryStore()
	sms := NewSimulatedService(models.ChannelSMS)
	clk := clock.NewMock()
	var dispatched []models.MessageStatus
	d := NewDispatcher(st, st, WithService(sms), WithDispatchClock(clk), WithDispatchHooks(DispatchHooks{
		OnDispatch: func(channel models.Channel, kind string, status models.MessageStatus) {
			dispatched = append(dispatched, status)
		},
	}))

	if err := d.Send(context.Background(), models.ChannelSMS, "+123456", KindOTP, Message{Body: "code"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sms.FailWith(errors.New("carrier down"))
	if err := d.Send(context.Background(), models.ChannelSMS, "+123456", KindOTP, Message{Body: "code"}); err == nil {
		t.Fatal("expected error")
	}
	if err := d.Send(context.Background(), models.ChannelEmail, "a@b.com", KindOTP, Message{Body: "code"}); !errors.Is(err, ErrNoService) {
		t.Fatalf("expected ErrNoService, got %v", err)
	}

	receipts, _ := st.GetReceipts()
	if len(receipts) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(receipts))
	}
	if receipts[0].Status != models.MessageStatusSimulated || receipts[1].Status != models.MessageStatusFailed {
		t.Errorf("unexpected statuses: %+v", receipts)
	}
	if receipts[0].Kind != KindOTP || receipts[0].Channel != models.ChannelSMS {
		t.Errorf("unexpected receipt: %+v", receipts[0])
	}
	if len(dispatched) != 2 {
		t.Errorf("expected 2 hook calls, got %d", len(dispatched))
	}
}

func TestDispatcherOutboxRoundTrip(t *testing.T) {
	st := store.NewInMemoryStore()
	email := NewSimulatedService(models.ChannelEmail)
	d := NewDispatcher(st, st, WithService(email))

	id, err := d.Enqueue(models.ChannelEmail, "Awa@Example.com", KindConfirmation, Message{Subject: "Confirmez", Body: "lien"}, "confirm:awa")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := d.Enqueue(models.ChannelEmail, "not-an-email", KindConfirmation, Message{}, ""); err == nil {
		t.Error("expected invalid recipient error")
	}

	sender := store.NewOutboxSender(st, d.Deliver, time.Second)
	if n := sender.Poll(context.Background()); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	sent := email.Sent()
	if len(sent) != 1 || sent[0].To != "awa@example.com" || sent[0].Message.Subject != "Confirmez" {
		t.Errorf("unexpected delivery: %+v", sent)
	}
	msgs := st.OutboxMessages()
	if msgs[0].ID != id || msgs[0].Status != store.OutboxStatusSent {
		t.Errorf("outbox not marked sent: %+v", msgs[0])
	}
}

type bridgeFixture struct {
	clk    *clock.Mock
	store  *store.InMemoryStore
	bridge *ChatBridge
	chats  *chat.Manager
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	clk := clock.NewMock()
	st := store.NewInMemoryStore()
	chats := chat.NewManager(clk, time.Hour, chat.WithJitter(func(time.Duration) time.Duration { return 0 }))
	t.Cleanup(chats.Close)
	d := NewDispatcher(st, st, WithService(NewSimulatedService(models.ChannelSMS)), WithDispatchClock(clk))
	return &bridgeFixture{clk: clk, store: st, chats: chats, bridge: NewChatBridge(chats, d, st, st, clk)}
}

// waitOutbox polls until n messages are queued; forwarding runs on its own goroutine.
func (f *bridgeFixture) waitOutbox(t *testing.T, n int) []store.OutboxMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := f.store.OutboxMessages()
		if len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d queued replies, got %d", n, len(msgs))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChatBridgeRepliesBySMS(t *testing.T) {
	f := newBridgeFixture(t)

	handled, err := f.bridge.HandleInbound(context.Background(), "SM1", "+33 6 12 34 56 78", "Je veux répondre au sondage")
	if err != nil || !handled {
		t.Fatalf("HandleInbound: %v, %v", handled, err)
	}
	f.clk.Add(1500 * time.Millisecond)

	msgs := f.waitOutbox(t, 1)
	if msgs[0].Recipient != "+33612345678" || msgs[0].Kind != KindChatReply {
		t.Errorf("unexpected outbox message: %+v", msgs[0])
	}
	if !strings.Contains(msgs[0].PayloadJSON, "sondages") {
		t.Errorf("expected survey guidance, got %s", msgs[0].PayloadJSON)
	}

	responses, _ := f.store.GetResponses()
	if len(responses) != 1 || responses[0].From != "+33612345678" {
		t.Errorf("inbound not recorded: %+v", responses)
	}
}

func TestChatBridgeOneSessionPerPhone(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.HandleInbound(context.Background(), "SM1", "+33612345678", "bonjour")
	f.bridge.HandleInbound(context.Background(), "SM2", "+33612345678", "merci")
	f.bridge.HandleInbound(context.Background(), "SM3", "+221770000000", "aide")
	if got := f.bridge.Sessions(); got != 2 {
		t.Errorf("expected 2 sessions, got %d", got)
	}
	if got := f.chats.Len(); got != 2 {
		t.Errorf("expected 2 chats, got %d", got)
	}
}

func TestChatBridgeIgnoresDuplicates(t *testing.T) {
	f := newBridgeFixture(t)
	if handled, _ := f.bridge.HandleInbound(context.Background(), "SM1", "+33612345678", "aide"); !handled {
		t.Fatal("first delivery not handled")
	}
	if handled, _ := f.bridge.HandleInbound(context.Background(), "SM1", "+33612345678", "aide"); handled {
		t.Fatal("provider retry handled twice")
	}
	responses, _ := f.store.GetResponses()
	if len(responses) != 1 {
		t.Errorf("expected 1 recorded response, got %d", len(responses))
	}
}

// flakyResponses fails the first AddResponse and then stores normally.
type flakyResponses struct {
	*store.InMemoryStore
	failed bool
}

func (r *flakyResponses) AddResponse(resp models.Response) error {
	if !r.failed {
		r.failed = true
		return errors.New("database is locked")
	}
	return r.InMemoryStore.AddResponse(resp)
}

func TestChatBridgeRetryAfterFailureIsHandled(t *testing.T) {
	f := newBridgeFixture(t)
	responses := &flakyResponses{InMemoryStore: f.store}
	d := NewDispatcher(f.store, f.store, WithService(NewSimulatedService(models.ChannelSMS)), WithDispatchClock(f.clk))
	bridge := NewChatBridge(f.chats, d, f.store, responses, f.clk)

	if handled, err := bridge.HandleInbound(context.Background(), "SM9", "+33612345678", "aide"); err == nil || handled {
		t.Fatalf("expected the first delivery to fail, got %v, %v", handled, err)
	}
	if dup, _ := f.store.IsDuplicate("SM9"); dup {
		t.Fatal("failed message still recorded, the retry would be dropped")
	}

	handled, err := bridge.HandleInbound(context.Background(), "SM9", "+33612345678", "aide")
	if err != nil || !handled {
		t.Fatalf("retry not handled: %v, %v", handled, err)
	}
	if got, _ := f.store.GetResponses(); len(got) != 1 {
		t.Errorf("expected 1 recorded response, got %d", len(got))
	}
	if handled, _ := bridge.HandleInbound(context.Background(), "SM9", "+33612345678", "aide"); handled {
		t.Error("message handled again after success")
	}
}

func TestWebhookHandlerFailureAllowsRetry(t *testing.T) {
	f := newBridgeFixture(t)
	responses := &flakyResponses{InMemoryStore: f.store}
	d := NewDispatcher(f.store, f.store, WithService(NewSimulatedService(models.ChannelSMS)), WithDispatchClock(f.clk))
	h := NewChatBridge(f.chats, d, f.store, responses, f.clk).WebhookHandler(nil, "")

	form := url.Values{"MessageSid": {"SM10"}, "From": {"+33612345678"}, "Body": {"bonjour"}}
	post := func() int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/sms", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := post(); code != http.StatusInternalServerError {
		t.Fatalf("first attempt status = %d, want 500", code)
	}
	if code := post(); code != http.StatusOK {
		t.Fatalf("retry status = %d, want 200", code)
	}
	if got, _ := f.store.GetResponses(); len(got) != 1 {
		t.Errorf("expected the retry to be recorded once, got %d", len(got))
	}
}

func TestChatBridgeAgentHandoff(t *testing.T) {
	f := newBridgeFixture(t)
	f.bridge.HandleInbound(context.Background(), "SM1", "+33612345678", "je veux un agent")
	f.clk.Add(1500 * time.Millisecond)
	f.clk.Add(2 * time.Second)

	msgs := f.waitOutbox(t, 2)
	var agent bool
	for _, m := range msgs {
		if strings.Contains(m.PayloadJSON, models.SenderAgent.DisplayName()) {
			agent = true
		}
	}
	if !agent {
		t.Errorf("agent greeting not forwarded: %+v", msgs)
	}
}

type fakeValidator struct{ ok bool }

func (v fakeValidator) ValidateSignature(string, map[string]string, string) bool { return v.ok }

func TestWebhookHandler(t *testing.T) {
	tests := []struct {
		name      string
		validator SignatureValidator
		form      url.Values
		want      int
	}{
		{"ok", nil, url.Values{"From": {"+33612345678"}, "Body": {"aide"}, "MessageSid": {"SM1"}}, http.StatusOK},
		{"missing body", nil, url.Values{"From": {"+33612345678"}}, http.StatusBadRequest},
		{"bad sender", nil, url.Values{"From": {"12"}, "Body": {"aide"}}, http.StatusBadRequest},
		{"bad signature", fakeValidator{false}, url.Values{"From": {"+33612345678"}, "Body": {"aide"}}, http.StatusForbidden},
		{"good signature", fakeValidator{true}, url.Values{"From": {"+33612345678"}, "Body": {"aide"}, "MessageSid": {"SM2"}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBridgeFixture(t)
			h := f.bridge.WebhookHandler(tt.validator, "https://portal.example.com/webhooks/twilio/sms")
			req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/sms", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rr.Code, tt.want, rr.Body.String())
			}
			if tt.want == http.StatusOK && !strings.Contains(rr.Body.String(), "<Response>") {
				t.Errorf("expected TwiML body, got %q", rr.Body.String())
			}
		})
	}
}
