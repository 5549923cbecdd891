package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBackend struct {
	mu       sync.Mutex
	from     string
	to       []string
	data     []byte
	username string
}

func (b *recordingBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &recordingSession{b: b}, nil
}

type recordingSession struct {
	b *recordingBackend
}

func (s *recordingSession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *recordingSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != "robot" || password != "secret" {
			return errors.New("invalid credentials")
		}
		s.b.mu.Lock()
		s.b.username = username
		s.b.mu.Unlock()
		return nil
	}), nil
}

func (s *recordingSession) Mail(from string, _ *smtp.MailOptions) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.from = from
	return nil
}

func (s *recordingSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.to = append(s.b.to, to)
	return nil
}

func (s *recordingSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.data = data
	return nil
}

func (s *recordingSession) Reset()        {}
func (s *recordingSession) Logout() error { return nil }

func startSMTPServer(t *testing.T) (*recordingBackend, string, int) {
	t.Helper()
	backend := &recordingBackend{}
	srv := smtp.NewServer(backend)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })

	addr := l.Addr().(*net.TCPAddr)
	return backend, "127.0.0.1", addr.Port
}

func TestSMTPTransportSubmit(t *testing.T) {
	backend, host, port := startSMTPServer(t)

	tr, err := NewSMTPTransport(SMTPOptions{
		Host: host, Port: port, Username: "robot", Password: "secret",
		Security: SecurityNone, Timeout: 5 * time.Second,
	}, nil)
	require.NoError(t, err)

	d := New(Options{Transports: map[string]Transport{"ops@example.com": tr}}, nil)
	id, err := d.Send(context.Background(), Request{
		Sender: "ops@example.com", To: []string{"helpdesk@example.com"},
		Subject: "[Support] Printer", Body: "broken",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "smtp://127.0.0.1:"), id)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, "robot", backend.username)
	assert.Equal(t, "ops@example.com", backend.from)
	assert.Equal(t, []string{"helpdesk@example.com"}, backend.to)
	assert.True(t, bytes.Contains(backend.data, []byte("Subject: [Support] Printer")))
}

func TestSMTPTransportAuthFailure(t *testing.T) {
	_, host, port := startSMTPServer(t)

	tr, err := NewSMTPTransport(SMTPOptions{
		Host: host, Port: port, Username: "robot", Password: "wrong",
		Security: SecurityNone, Timeout: 5 * time.Second,
	}, nil)
	require.NoError(t, err)

	_, err = tr.Submit(context.Background(), Outgoing{From: "a@example.com", To: []string{"b@example.com"}, Raw: []byte("Subject: x\r\n\r\nbody\r\n")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp auth")
}

func TestSMTPTransportDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	tr, err := NewSMTPTransport(SMTPOptions{Host: "127.0.0.1", Port: port, Security: SecurityNone, Timeout: time.Second}, nil)
	require.NoError(t, err)
	_, err = tr.Submit(context.Background(), Outgoing{From: "a@example.com", To: []string{"b@example.com"}})
	require.Error(t, err)
}

func TestSMTPTransportSilentServerTimesOut(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	stop := make(chan struct{})
	t.Cleanup(func() {
		close(stop)
		_ = l.Close()
	})
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		<-stop
	}()

	tr, err := NewSMTPTransport(SMTPOptions{
		Host:     "127.0.0.1",
		Port:     l.Addr().(*net.TCPAddr).Port,
		Security: SecurityStartTLS,
		Timeout:  300 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Submit(context.Background(), Outgoing{From: "a@example.com", To: []string{"b@example.com"}})
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("starttls handshake still blocked after 5s")
	}
}

func TestNewSMTPTransportValidation(t *testing.T) {
	_, err := NewSMTPTransport(SMTPOptions{Port: 25}, nil)
	require.Error(t, err)
	_, err = NewSMTPTransport(SMTPOptions{Host: "h"}, nil)
	require.Error(t, err)
	_, err = NewSMTPTransport(SMTPOptions{Host: "h", Port: 25, Security: "ssl3"}, nil)
	require.Error(t, err)

	tr, err := NewSMTPTransport(SMTPOptions{Host: "h", Port: 587}, nil)
	require.NoError(t, err)
	assert.Equal(t, SecurityStartTLS, tr.opts.Security)
	assert.Equal(t, DefaultSMTPTimeout, tr.opts.Timeout)
}

type mockSESClient struct {
	lastInput *sesv2.SendEmailInput
	err       error
}

func (m *mockSESClient) SendEmail(_ context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.lastInput = params
	if m.err != nil {
		return nil, m.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("0100-abc")}, nil
}

func TestSESTransportSubmit(t *testing.T) {
	mock := &mockSESClient{}
	tr := NewSESTransportWithClient(mock)

	id, err := tr.Submit(context.Background(), Outgoing{
		From: "ops@example.com", To: []string{"a@example.com"}, Raw: []byte("raw-mime"), MessageID: "m1@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "ses://0100-abc", id)
	require.NotNil(t, mock.lastInput.Content.Raw)
	assert.Equal(t, []byte("raw-mime"), mock.lastInput.Content.Raw.Data)
	assert.Equal(t, "ops@example.com", aws.ToString(mock.lastInput.FromEmailAddress))
	assert.Equal(t, []string{"a@example.com"}, mock.lastInput.Destination.ToAddresses)

	mock.err = errors.New("throttled")
	_, err = tr.Submit(context.Background(), Outgoing{From: "ops@example.com"})
	require.Error(t, err)
	assert.Equal(t, "ses", tr.Name())
}

func TestStdoutTransport(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStdoutTransportWithWriter(&buf)

	id, err := tr.Submit(context.Background(), Outgoing{
		From: "ops@example.com", To: []string{"a@example.com", "b@example.com"},
		Subject: "Hello", Body: "Body text", MessageID: "m1@example.com",
		Attached: []string{"/tmp/work/invoice.pdf"},
	})
	require.NoError(t, err)
	assert.Equal(t, "stdout://m1@example.com", id)

	out := buf.String()
	assert.Contains(t, out, "To: a@example.com, b@example.com")
	assert.Contains(t, out, "Subject: Hello")
	assert.Contains(t, out, "Attachments: invoice.pdf")

	buf.Reset()
	tr.Raw = true
	_, err = tr.Submit(context.Background(), Outgoing{Raw: []byte("Subject: raw\r\n\r\nx"), MessageID: "m2"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(buf.String(), "Subject: raw"))
}
