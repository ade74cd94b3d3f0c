package smtpd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/photo-mailer/internal/email"
	tlsutil "github.com/shineum/photo-mailer/internal/tls"
)

// mockProvider implements provider.Provider for testing.
type mockProvider struct {
	mu      sync.Mutex
	lastMsg *email.Message
	sendErr error
}

func (m *mockProvider) Send(_ context.Context, msg *email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastMsg = msg
	return m.sendErr
}

func (m *mockProvider) Name() string {
	return "mock"
}

func (m *mockProvider) last() *email.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMsg
}

func (m *mockProvider) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

// startRelay runs a relay on loopback and returns a client positioned
// after the greeting. Empty credentials disable AUTH.
func startRelay(t *testing.T, user, pass string, tlsConfig *tls.Config) (*testClient, *mockProvider) {
	t.Helper()

	prov := &mockProvider{}
	srv := New(ServerConfig{
		ListenAddr:   "127.0.0.1:0",
		Hostname:     "mail.test.com",
		Provider:     prov,
		TLSConfig:    tlsConfig,
		AuthUsername: user,
		AuthPassword: pass,
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	c := &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
	if greeting := c.read(); !strings.HasPrefix(greeting, "220 mail.test.com ") {
		t.Fatalf("greeting: got %q, want prefix '220 mail.test.com '", greeting)
	}
	return c, prov
}

func (c *testClient) read() string {
	c.t.Helper()
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) send(cmd string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(cmd + "\r\n")); err != nil {
		c.t.Fatalf("failed to write command: %v", err)
	}
}

// cmd sends a command and returns the first response line.
func (c *testClient) cmd(cmd string) string {
	c.t.Helper()
	c.send(cmd)
	return c.read()
}

// ehlo sends EHLO and returns every response line.
func (c *testClient) ehlo() []string {
	c.t.Helper()
	c.send("EHLO client.test.com")
	var lines []string
	for {
		line := c.read()
		lines = append(lines, line)
		if !strings.HasPrefix(line, "250-") {
			return lines
		}
	}
}

func expectCode(t *testing.T, step, resp, code string) {
	t.Helper()
	if !strings.HasPrefix(resp, code+" ") {
		t.Errorf("%s: got %q, want prefix '%s '", step, resp, code)
	}
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

const testMessage = "From: sender@example.com\r\n" +
	"To: recipient@example.com\r\n" +
	"Subject: Test Email\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Hello, this is a test email.\r\n" +
	"..leading dot\r\n" +
	".\r\n"

func TestSession_EHLO(t *testing.T) {
	t.Parallel()

	c, _ := startRelay(t, "user", "pass", nil)
	joined := strings.Join(c.ehlo(), "\n")

	if !strings.Contains(joined, "AUTH PLAIN LOGIN") {
		t.Errorf("EHLO response missing AUTH capability: %q", joined)
	}
	if !strings.Contains(joined, "SIZE 26214400") {
		t.Errorf("EHLO response missing SIZE limit: %q", joined)
	}
	if strings.Contains(joined, "STARTTLS") {
		t.Error("STARTTLS advertised without a TLS config")
	}
}

func TestSession_SimpleCommands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cmd  string
		code string
	}{
		{cmd: "HELO client.test.com", code: "250"},
		{cmd: "NOOP", code: "250"},
		{cmd: "INVALID", code: "500"},
		{cmd: "EHLO", code: "501"},
		{cmd: "STARTTLS", code: "502"},
		{cmd: "QUIT", code: "221"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.cmd, func(t *testing.T) {
			t.Parallel()
			c, _ := startRelay(t, "", "", nil)
			expectCode(t, tt.cmd, c.cmd(tt.cmd), tt.code)
		})
	}
}

func TestSession_MailTransaction_NoAuth(t *testing.T) {
	t.Parallel()

	c, prov := startRelay(t, "", "", nil)
	c.ehlo()

	expectCode(t, "MAIL FROM", c.cmd("MAIL FROM:<sender@example.com>"), "250")
	expectCode(t, "RCPT TO", c.cmd("RCPT TO:<recipient@example.com>"), "250")
	expectCode(t, "DATA", c.cmd("DATA"), "354")

	if _, err := c.conn.Write([]byte(testMessage)); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	expectCode(t, "DATA completion", c.read(), "250")

	msg := prov.last()
	if msg == nil {
		t.Fatal("provider did not receive message")
	}
	if msg.Subject != "Test Email" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "Test Email")
	}
	if !strings.Contains(msg.TextBody, ".leading dot") || strings.Contains(msg.TextBody, "..leading dot") {
		t.Errorf("dot-stuffing not undone, body: %q", msg.TextBody)
	}
}

func TestSession_NullReversePath(t *testing.T) {
	t.Parallel()

	c, prov := startRelay(t, "", "", nil)
	expectCode(t, "HELO", c.cmd("HELO client"), "250")
	expectCode(t, "MAIL FROM:<>", c.cmd("MAIL FROM:<>"), "250")
	expectCode(t, "RCPT TO", c.cmd("RCPT TO:<recipient@example.com>"), "250")
	expectCode(t, "DATA", c.cmd("DATA"), "354")

	bounce := "To: recipient@example.com\r\nSubject: bounce\r\n\r\nundeliverable\r\n.\r\n"
	if _, err := c.conn.Write([]byte(bounce)); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	expectCode(t, "DATA completion", c.read(), "250")

	if msg := prov.last(); msg == nil || msg.From != "" {
		t.Errorf("From: got %+v, want empty sender", msg)
	}
}

func TestSession_EnvelopeFillsMissingHeaders(t *testing.T) {
	t.Parallel()

	c, prov := startRelay(t, "", "", nil)
	c.ehlo()
	c.cmd("MAIL FROM:<sender@example.com>")
	c.cmd("RCPT TO:<a@example.com>")
	c.cmd("RCPT TO:<b@example.com>")
	c.cmd("DATA")
	if _, err := c.conn.Write([]byte("Subject: headers only\r\n\r\nbody\r\n.\r\n")); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	expectCode(t, "DATA completion", c.read(), "250")

	msg := prov.last()
	if msg == nil {
		t.Fatal("provider did not receive message")
	}
	if msg.From != "sender@example.com" {
		t.Errorf("From: got %q, want envelope sender", msg.From)
	}
	if strings.Join(msg.To, ",") != "a@example.com,b@example.com" {
		t.Errorf("To: got %v, want envelope recipients", msg.To)
	}
}

func TestSession_ProviderFailure(t *testing.T) {
	t.Parallel()

	c, prov := startRelay(t, "", "", nil)
	prov.fail(errors.New("backend down"))
	c.ehlo()

	c.cmd("MAIL FROM:<sender@example.com>")
	c.cmd("RCPT TO:<recipient@example.com>")
	c.cmd("DATA")
	if _, err := c.conn.Write([]byte(testMessage)); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	expectCode(t, "DATA completion", c.read(), "451")
}

func TestSession_RSET(t *testing.T) {
	t.Parallel()

	c, _ := startRelay(t, "", "", nil)
	c.ehlo()

	c.cmd("MAIL FROM:<sender@example.com>")
	expectCode(t, "RSET", c.cmd("RSET"), "250")
	expectCode(t, "RCPT TO after RSET", c.cmd("RCPT TO:<recipient@example.com>"), "502")
}

func TestSession_StateOrderEnforcement(t *testing.T) {
	t.Parallel()

	c, _ := startRelay(t, "user", "pass", nil)

	expectCode(t, "MAIL FROM before EHLO", c.cmd("MAIL FROM:<sender@example.com>"), "502")
	expectCode(t, "AUTH before EHLO", c.cmd("AUTH PLAIN "+b64("\x00user\x00pass")), "502")

	c.ehlo()

	expectCode(t, "MAIL FROM without AUTH", c.cmd("MAIL FROM:<sender@example.com>"), "530")
	expectCode(t, "RCPT TO before MAIL FROM", c.cmd("RCPT TO:<recipient@example.com>"), "502")
	expectCode(t, "DATA before RCPT TO", c.cmd("DATA"), "502")
}

func TestSession_AuthPlain(t *testing.T) {
	t.Parallel()

	t.Run("inline", func(t *testing.T) {
		t.Parallel()
		c, _ := startRelay(t, "user", "pass", nil)
		c.ehlo()
		expectCode(t, "AUTH PLAIN", c.cmd("AUTH PLAIN "+b64("\x00user\x00pass")), "235")
		expectCode(t, "MAIL FROM", c.cmd("MAIL FROM:<sender@example.com>"), "250")
	})

	t.Run("challenge", func(t *testing.T) {
		t.Parallel()
		c, _ := startRelay(t, "user", "pass", nil)
		c.ehlo()
		if got := c.cmd("AUTH PLAIN"); !strings.HasPrefix(got, "334") {
			t.Fatalf("AUTH PLAIN: got %q, want 334 challenge", got)
		}
		expectCode(t, "credentials", c.cmd(b64("\x00user\x00pass")), "235")
	})

	t.Run("wrong password", func(t *testing.T) {
		t.Parallel()
		c, _ := startRelay(t, "user", "pass", nil)
		c.ehlo()
		expectCode(t, "AUTH PLAIN", c.cmd("AUTH PLAIN "+b64("\x00user\x00nope")), "535")
		expectCode(t, "MAIL FROM after failure", c.cmd("MAIL FROM:<sender@example.com>"), "530")
	})
}

func TestSession_AuthLogin(t *testing.T) {
	t.Parallel()

	t.Run("challenge for both", func(t *testing.T) {
		t.Parallel()
		c, _ := startRelay(t, "user", "pass", nil)
		c.ehlo()
		if got := c.cmd("AUTH LOGIN"); got != "334 VXNlcm5hbWU6" {
			t.Fatalf("username prompt: got %q", got)
		}
		if got := c.cmd(b64("user")); got != "334 UGFzc3dvcmQ6" {
			t.Fatalf("password prompt: got %q", got)
		}
		expectCode(t, "password", c.cmd(b64("pass")), "235")
	})

	t.Run("initial response", func(t *testing.T) {
		t.Parallel()
		c, _ := startRelay(t, "user", "pass", nil)
		c.ehlo()
		if got := c.cmd("AUTH LOGIN " + b64("user")); got != "334 UGFzc3dvcmQ6" {
			t.Fatalf("password prompt: got %q", got)
		}
		expectCode(t, "password", c.cmd(b64("pass")), "235")
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		c, _ := startRelay(t, "user", "pass", nil)
		c.ehlo()
		c.cmd("AUTH LOGIN")
		expectCode(t, "cancel", c.cmd("*"), "501")
	})

	t.Run("wrong password", func(t *testing.T) {
		t.Parallel()
		c, _ := startRelay(t, "user", "pass", nil)
		c.ehlo()
		c.cmd("AUTH LOGIN " + b64("user"))
		expectCode(t, "password", c.cmd(b64("wrong")), "535")
	})
}

func TestSession_STARTTLS(t *testing.T) {
	t.Parallel()

	serverTLS, err := tlsutil.LoadOrGenerateTLS("", "")
	if err != nil {
		t.Fatalf("LoadOrGenerateTLS: %v", err)
	}
	pool, err := tlsutil.TrustPool(serverTLS)
	if err != nil {
		t.Fatalf("TrustPool: %v", err)
	}

	c, _ := startRelay(t, "user", "pass", serverTLS)
	lines := strings.Join(c.ehlo(), "\n")
	if !strings.Contains(lines, "STARTTLS") {
		t.Fatal("EHLO response missing STARTTLS capability")
	}
	if strings.Contains(lines, "AUTH") {
		t.Error("AUTH offered before TLS")
	}
	expectCode(t, "AUTH before TLS", c.cmd("AUTH PLAIN "+b64("\x00user\x00pass")), "523")
	expectCode(t, "STARTTLS", c.cmd("STARTTLS"), "220")

	tlsConn := tls.Client(c.conn, &tls.Config{ServerName: "localhost", RootCAs: pool})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)

	lines = strings.Join(c.ehlo(), "\n")
	if strings.Contains(lines, "STARTTLS") {
		t.Error("STARTTLS advertised after upgrade")
	}
	if !strings.Contains(lines, "AUTH PLAIN LOGIN") {
		t.Error("AUTH not offered after upgrade")
	}
	expectCode(t, "AUTH PLAIN", c.cmd("AUTH PLAIN "+b64("\x00user\x00pass")), "235")
}

// deadlineRecorder records every read deadline it is given.
type deadlineRecorder struct {
	deadlines []time.Time
}

func (d *deadlineRecorder) SetReadDeadline(t time.Time) error {
	d.deadlines = append(d.deadlines, t)
	return nil
}

// slowReader returns one byte per Read, sleeping before each.
type slowReader struct {
	data  []byte
	delay time.Duration
}

func (s *slowReader) Read(p []byte) (int, error) {
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	time.Sleep(s.delay)
	p[0] = s.data[0]
	s.data = s.data[1:]
	return 1, nil
}

func TestIdleReader_RefreshesDeadlinePerRead(t *testing.T) {
	t.Parallel()

	rec := &deadlineRecorder{}
	r := &idleReader{
		r:       &slowReader{data: []byte("abc"), delay: 5 * time.Millisecond},
		conn:    rec,
		timeout: time.Minute,
	}

	buf := make([]byte, 1)
	for i := 0; i < 3; i++ {
		if _, err := r.Read(buf); err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
	}

	if len(rec.deadlines) != 3 {
		t.Fatalf("deadlines set: got %d, want 3", len(rec.deadlines))
	}
	for i := 1; i < len(rec.deadlines); i++ {
		if !rec.deadlines[i].After(rec.deadlines[i-1]) {
			t.Errorf("deadline %d did not move forward: %v then %v", i, rec.deadlines[i-1], rec.deadlines[i])
		}
	}
}
