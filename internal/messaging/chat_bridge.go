package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/facebookgo/clock"

	"github.com/bmdtechnologies/portal/internal/chat"
	"github.com/bmdtechnologies/portal/internal/models"
	"github.com/bmdtechnologies/portal/internal/store"
)

// SignatureValidator checks provider webhook signatures.
type SignatureValidator interface {
	ValidateSignature(url string, params map[string]string, signature string) bool
}

// ChatBridge runs one scripted chat per phone number. Inbound SMS are sent to
// the caller's session and every bot or agent reply is queued back by SMS.
type ChatBridge struct {
	chats      *chat.Manager
	dispatcher *Dispatcher
	dedup      store.DedupRepo
	responses  store.ReceiptRepo
	clock      clock.Clock

	mu      sync.Mutex
	byPhone map[string]string
	byID    map[string]string
}

// NewChatBridge creates a ChatBridge. A nil clock uses wall time.
func NewChatBridge(chats *chat.Manager, dispatcher *Dispatcher, dedup store.DedupRepo, responses store.ReceiptRepo, clk clock.Clock) *ChatBridge {
	if clk == nil {
		clk = clock.New()
	}
	return &ChatBridge{
		chats:      chats,
		dispatcher: dispatcher,
		dedup:      dedup,
		responses:  responses,
		clock:      clk,
		byPhone:    make(map[string]string),
		byID:       make(map[string]string),
	}
}

// HandleInbound feeds an inbound SMS to the sender's chat. It returns false
// without doing anything when messageID was already handled. When handling
// fails the message is released so the provider's retry is processed.
func (b *ChatBridge) HandleInbound(ctx context.Context, messageID, from, body string) (bool, error) {
	phone, err := CanonicalPhone(from)
	if err != nil {
		return false, err
	}
	dedup := messageID != "" && b.dedup != nil
	if dedup {
		inserted, err := b.dedup.RecordInbound(messageID, phone)
		if err != nil {
			return false, err
		}
		if !inserted {
			slog.Info("ChatBridge.HandleInbound: duplicate message ignored", "messageID", messageID, "from", phone)
			return false, nil
		}
	}

	if err := b.deliver(phone, body); err != nil {
		if dedup {
			if rerr := b.dedup.ReleaseInbound(messageID); rerr != nil {
				slog.Error("ChatBridge.HandleInbound: release failed", "error", rerr, "messageID", messageID)
			}
		}
		return false, err
	}

	if dedup {
		if err := b.dedup.MarkProcessed(messageID); err != nil {
			slog.Error("ChatBridge.HandleInbound: mark processed failed", "error", err, "messageID", messageID)
		}
	}
	return true, nil
}

// deliver stores the inbound response and sends it to the phone's chat.
func (b *ChatBridge) deliver(phone, body string) error {
	if b.responses != nil {
		if err := b.responses.AddResponse(models.Response{From: phone, Body: body, Time: b.clock.Now().Unix()}); err != nil {
			return fmt.Errorf("store response: %w", err)
		}
	}

	sess, err := b.sessionFor(phone)
	if err != nil {
		return err
	}
	if _, err := sess.Send(body); err != nil {
		if !errors.Is(err, chat.ErrClosed) {
			return err
		}
		// Evicted between lookup and send: start over once.
		b.forget(sess.ID())
		if sess, err = b.sessionFor(phone); err != nil {
			return err
		}
		if _, err := sess.Send(body); err != nil {
			return err
		}
	}
	return nil
}

func (b *ChatBridge) sessionFor(phone string) (*chat.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id, ok := b.byPhone[phone]; ok {
		if sess, ok := b.chats.Get(id); ok {
			return sess, nil
		}
		delete(b.byPhone, phone)
		delete(b.byID, id)
	}
	sess, err := b.chats.Open(models.ChatKindWidget, chat.WithoutWelcome(), chat.WithMessageHook(b.forward))
	if err != nil {
		return nil, err
	}
	b.byPhone[phone] = sess.ID()
	b.byID[sess.ID()] = phone
	slog.Debug("ChatBridge.sessionFor: chat opened for phone", "sessionID", sess.ID(), "phone", phone)
	return sess, nil
}

func (b *ChatBridge) forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if phone, ok := b.byID[sessionID]; ok {
		delete(b.byPhone, phone)
		delete(b.byID, sessionID)
	}
}

// forward queues a chat reply by SMS to the phone that owns the session.
func (b *ChatBridge) forward(sessionID string, msg models.ChatMessage) {
	if msg.Sender == models.SenderUser {
		return
	}
	b.mu.Lock()
	phone, ok := b.byID[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}
	body := msg.Text
	if msg.Sender == models.SenderAgent {
		body = fmt.Sprintf("%s : %s", msg.SenderName, msg.Text)
	}
	if _, err := b.dispatcher.Enqueue(models.ChannelSMS, phone, KindChatReply, Message{Body: body}, "chat:"+msg.ID); err != nil {
		slog.Error("ChatBridge.forward: reply not queued", "error", err, "sessionID", sessionID)
	}
}

// Sessions returns how many phone numbers have an open chat.
func (b *ChatBridge) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byPhone)
}

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// WebhookHandler handles inbound Twilio SMS webhooks. When validator is set,
// requests must carry a valid X-Twilio-Signature for publicURL.
func (b *ChatBridge) WebhookHandler(validator SignatureValidator, publicURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			slog.Error("ChatBridge.WebhookHandler: failed to parse form", "error", err)
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}

		if validator != nil {
			params := make(map[string]string, len(r.PostForm))
			for k, v := range r.PostForm {
				if len(v) > 0 {
					params[k] = v[0]
				}
			}
			if !validator.ValidateSignature(publicURL, params, r.Header.Get("X-Twilio-Signature")) {
				slog.Warn("ChatBridge.WebhookHandler: invalid signature")
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}

		from := r.PostFormValue("From")
		body := r.PostFormValue("Body")
		sid := r.PostFormValue("MessageSid")
		if from == "" || body == "" {
			slog.Warn("ChatBridge.WebhookHandler: missing fields", "from_set", from != "", "body_set", body != "")
			http.Error(w, "Missing required fields", http.StatusBadRequest)
			return
		}

		if _, err := b.HandleInbound(r.Context(), sid, from, body); err != nil {
			if errors.Is(err, ErrInvalidRecipient) {
				http.Error(w, "Invalid sender", http.StatusBadRequest)
				return
			}
			slog.Error("ChatBridge.WebhookHandler: inbound not handled", "error", err, "messageSid", sid)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, emptyTwiML)
	}
}
