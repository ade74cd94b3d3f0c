// Package email defines the message model shared by the HTTP handler, the
// delivery providers and the parser.
package email

import "time"

// Message is an email message with all its components.
type Message struct {
	From        string
	To          []string
	Cc          []string
	Subject     string
	Date        time.Time
	MessageID   string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
}

// Attachment is a file attached to a message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}
