// Package models defines the core data structures for the portal.
//
// It includes the API envelope, dispatch receipts and inbound messages, which are
// shared across the wizard, chat, messaging and store modules.
package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Channel is the delivery medium chosen for a one-time code.
type Channel string

const (
	// ChannelSMS delivers the code by text message to the registered phone number.
	ChannelSMS Channel = "sms"
	// ChannelEmail delivers the code to the account email address.
	ChannelEmail Channel = "email"
)

// ErrInvalidChannel is returned when a channel outside sms|email is requested.
var ErrInvalidChannel = errors.New("invalid channel")

// ParseChannel canonicalizes a user supplied channel name.
func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(s))) {
	case ChannelSMS:
		return ChannelSMS, nil
	case ChannelEmail:
		return ChannelEmail, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
}

// Label returns the human readable channel name used in messages ("SMS" or "email").
func (c Channel) Label() string {
	if c == ChannelSMS {
		return "SMS"
	}
	return "email"
}

// MessageStatus represents the delivery status of a dispatched message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was handed to the provider.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusFailed indicates the provider rejected the message.
	MessageStatusFailed MessageStatus = "failed"
	// MessageStatusSimulated indicates no provider was involved.
	MessageStatusSimulated MessageStatus = "simulated"
)

// Receipt records a single outgoing dispatch (code, reset link or chat reply).
type Receipt struct {
	To      string        `json:"to"`
	Channel Channel       `json:"channel"`
	Kind    string        `json:"kind"`
	Status  MessageStatus `json:"status"`
	Time    int64         `json:"time"`
}

// Response represents an inbound message received from a provider webhook.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusInvalid indicates the request was rejected by input validation.
	APIStatusInvalid APIStatus = "invalid"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Invalid creates a validation failure response carrying per-field messages.
func Invalid(message string, fields FieldErrors) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusInvalid).
		WithMessage(message).
		WithResult(fields).
		Build()
}

// FieldErrors maps a form field name to the message shown next to it.
type FieldErrors map[string]string

// Error implements error so a FieldErrors value can travel through error returns.
func (fe FieldErrors) Error() string {
	if len(fe) == 0 {
		return "no validation errors"
	}
	parts := make([]string, 0, len(fe))
	for field, msg := range fe {
		parts = append(parts, field+": "+msg)
	}
	sort.Strings(parts)
	return "validation failed: " + strings.Join(parts, "; ")
}
