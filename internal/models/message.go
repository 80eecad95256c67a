// Package models defines the data structures shared across waroute components:
// inbound and outbound message shapes, conversation state, matching records,
// favorites and intent cache entries.
package models

import "encoding/json"

// MessageKind identifies the normalized variant of an inbound channel event.
type MessageKind string

const (
	MessageText         MessageKind = "text"
	MessageButtonReply  MessageKind = "button_reply"
	MessageListReply    MessageKind = "list_reply"
	MessageLocation     MessageKind = "location"
	MessageMedia        MessageKind = "media"
	MessageUnrecognized MessageKind = "unrecognized"
)

// IncomingMessage is a normalized inbound event. Exactly one of the
// kind-specific field groups is populated, depending on Kind.
type IncomingMessage struct {
	// From is the canonicalized sender identifier (digits only).
	From string
	Kind MessageKind

	// Text body, for MessageText.
	Text string

	// SelectionID carries the row or button id, for MessageListReply and
	// MessageButtonReply. Row ids follow the "DOMAIN::id" convention.
	SelectionID string

	// Latitude/Longitude, for MessageLocation.
	Latitude  float64
	Longitude float64

	// MediaType ("image" or "document") and MediaID, for MessageMedia.
	MediaType string
	MediaID   string

	// Timestamp is the channel-reported unix time of the event.
	Timestamp int64
}

// RawMessage mirrors one message object of the WhatsApp Cloud API webhook
// payload. Fields are pointers so the normalizer can distinguish absent from
// empty.
type RawMessage struct {
	From        string          `json:"from"`
	ID          string          `json:"id"`
	Timestamp   string          `json:"timestamp"`
	Type        string          `json:"type"`
	Text        *RawText        `json:"text,omitempty"`
	Interactive *RawInteractive `json:"interactive,omitempty"`
	Location    *RawLocation    `json:"location,omitempty"`
	Image       *RawMedia       `json:"image,omitempty"`
	Document    *RawMedia       `json:"document,omitempty"`
}

// RawText carries the body of a text message.
type RawText struct {
	Body string `json:"body"`
}

// RawInteractive carries a button or list reply.
type RawInteractive struct {
	Type        string    `json:"type"`
	ButtonReply *RawReply `json:"button_reply,omitempty"`
	ListReply   *RawReply `json:"list_reply,omitempty"`
}

// RawReply is the selected row or button of an interactive reply.
type RawReply struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// RawLocation carries a shared location. The channel is inconsistent about
// encoding coordinates as numbers or numeric strings, so both are accepted
// and parsed by the normalizer.
type RawLocation struct {
	Latitude  json.RawMessage `json:"latitude"`
	Longitude json.RawMessage `json:"longitude"`
}

// RawMedia is the descriptor of an image or document message.
type RawMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// WebhookPayload is the Cloud API webhook envelope.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

// WebhookEntry is one entry of the webhook envelope.
type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

// WebhookChange is one change notification inside an entry.
type WebhookChange struct {
	Field string       `json:"field"`
	Value WebhookValue `json:"value"`
}

// WebhookValue holds the messages of a change notification.
type WebhookValue struct {
	MessagingProduct string       `json:"messaging_product"`
	Messages         []RawMessage `json:"messages"`
}

// ListRow is one selectable row of an outbound list message.
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListMessage is an outbound interactive list.
type ListMessage struct {
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	SectionTitle string    `json:"section_title,omitempty"`
	Rows         []ListRow `json:"rows"`
	ButtonLabel  string    `json:"button_label"`
}

// Button is one reply button of an outbound buttons message.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ButtonsMessage is an outbound message with up to three reply buttons.
type ButtonsMessage struct {
	Body    string   `json:"body"`
	Buttons []Button `json:"buttons"`
}
