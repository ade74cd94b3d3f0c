package email

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"
)

// DefaultContentType is used when a filename does not resolve to a plain type.
const DefaultContentType = "application/octet-stream"

// ErrHeaderValue is returned when a header value would break the message framing.
var ErrHeaderValue = errors.New("header value contains a line break")

// encodingExtensions name compression encodings rather than content types.
var encodingExtensions = map[string]struct{}{
	".gz":  {},
	".z":   {},
	".bz2": {},
	".xz":  {},
	".br":  {},
}

// ContentTypeFor guesses the media type of a file from its extension.
// Unknown extensions and encoding extensions fall back to DefaultContentType.
// Media type parameters such as charset are dropped.
func ContentTypeFor(filename string) string {
	ext := filepath.Ext(filename)
	if ext == "" {
		return DefaultContentType
	}
	if _, ok := encodingExtensions[strings.ToLower(ext)]; ok {
		return DefaultContentType
	}

	guessed := mime.TypeByExtension(ext)
	if guessed == "" {
		return DefaultContentType
	}
	mediaType, _, err := mime.ParseMediaType(guessed)
	if err != nil || !strings.Contains(mediaType, "/") {
		return DefaultContentType
	}
	return mediaType
}

type headerField struct {
	key   string
	value string
}

// Render serializes the message as a multipart/mixed MIME document with
// base64 encoded attachments.
func (m *Message) Render() ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	headers := []headerField{
		{"From", m.From},
		{"To", strings.Join(m.To, ", ")},
	}
	if len(m.Cc) > 0 {
		headers = append(headers, headerField{"Cc", strings.Join(m.Cc, ", ")})
	}
	headers = append(headers, headerField{"Subject", mime.QEncoding.Encode("utf-8", m.Subject)})
	if !m.Date.IsZero() {
		headers = append(headers, headerField{"Date", m.Date.Format(time.RFC1123Z)})
	}
	if m.MessageID != "" {
		headers = append(headers, headerField{"Message-ID", m.MessageID})
	}

	for _, h := range headers {
		if strings.ContainsAny(h.value, "\r\n") {
			return nil, fmt.Errorf("%w: %s", ErrHeaderValue, h.key)
		}
		fmt.Fprintf(&buf, "%s: %s\r\n", h.key, h.value)
	}
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	if m.TextBody != "" {
		if err := writeBodyPart(writer, "text/plain; charset=UTF-8", m.TextBody); err != nil {
			return nil, err
		}
	}
	if m.HTMLBody != "" {
		if err := writeBodyPart(writer, "text/html; charset=UTF-8", m.HTMLBody); err != nil {
			return nil, err
		}
	}

	for _, att := range m.Attachments {
		if err := writeAttachment(writer, att); err != nil {
			return nil, err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeBodyPart(writer *multipart.Writer, contentType, body string) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := part.Write([]byte(body)); err != nil {
		return fmt.Errorf("failed to write body part: %w", err)
	}
	return nil
}

// writeAttachment adds one base64 attachment part. The filename is carried
// verbatim; mime.FormatMediaType quotes it or switches to RFC 2231 encoding
// when it holds control or non-ASCII characters.
func writeAttachment(writer *multipart.Writer, att Attachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename})
	if disposition == "" {
		return fmt.Errorf("failed to format content disposition for %q", att.Filename)
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", contentType)
	header.Set("Content-Transfer-Encoding", "base64")
	header.Set("Content-Disposition", disposition)

	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create attachment part: %w", err)
	}
	if _, err := part.Write([]byte(encodeBase64WithLineBreaks(att.Content))); err != nil {
		return fmt.Errorf("failed to write attachment part: %w", err)
	}
	return nil
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}
