package notify

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locallibrary/internal/apperr"
)

type recordedMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSMTPSender_Send_AttachesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "book.pdf")
	content := []byte("%PDF-1.4 pretend book")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	var got recordedMail
	s := newSMTPSender(Config{Host: "mail.local", Port: 2525, From: "library@example.com"}, quietLogger(),
		func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
			got = recordedMail{addr: addr, from: from, to: to, msg: string(msg)}
			return nil
		})

	err := s.Send(context.Background(), Message{
		To:             []string{"reader@example.com"},
		Subject:        "Library Book request",
		Body:           "Hello reader",
		AttachmentPath: path,
		AttachmentType: "application/pdf",
	})
	require.NoError(t, err)

	assert.Equal(t, "mail.local:2525", got.addr)
	assert.Equal(t, "library@example.com", got.from)
	assert.Equal(t, []string{"reader@example.com"}, got.to)
	assert.Contains(t, got.msg, "Subject: Library Book request")
	assert.Contains(t, got.msg, "Hello reader")
	assert.Contains(t, got.msg, "Content-Type: application/pdf")
	assert.Contains(t, got.msg, `filename=book.pdf`)
	assert.Contains(t, got.msg, base64.StdEncoding.EncodeToString(content))
}

func TestSMTPSender_Send_MissingAttachment(t *testing.T) {
	called := false
	s := newSMTPSender(Config{Host: "mail.local", Port: 25, From: "library@example.com"}, quietLogger(),
		func(string, smtp.Auth, string, []string, []byte) error {
			called = true
			return nil
		})

	err := s.Send(context.Background(), Message{
		To:             []string{"reader@example.com"},
		Subject:        "x",
		AttachmentPath: filepath.Join(t.TempDir(), "missing.pdf"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotification)
	assert.False(t, called)
}

func TestSMTPSender_Send_RelayFailure(t *testing.T) {
	s := newSMTPSender(Config{Host: "mail.local", Port: 25, From: "library@example.com"}, quietLogger(),
		func(string, smtp.Auth, string, []string, []byte) error {
			return errors.New("connection refused")
		})

	err := s.Send(context.Background(), Message{To: []string{"reader@example.com"}, Subject: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotification)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestSMTPSender_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	s := newSMTPSender(Config{
		Host:            "mail.local",
		Port:            25,
		From:            "library@example.com",
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
	}, quietLogger(), func(string, smtp.Auth, string, []string, []byte) error {
		calls++
		return errors.New("timeout")
	})

	msg := Message{To: []string{"reader@example.com"}, Subject: "x"}
	for i := 0; i < 4; i++ {
		err := s.Send(context.Background(), msg)
		assert.ErrorIs(t, err, apperr.ErrNotification)
	}
	assert.Equal(t, 2, calls, "open breaker must not reach the relay")
}

func TestSMTPSender_RejectsBadRecipient(t *testing.T) {
	s := newSMTPSender(Config{Host: "mail.local", Port: 25, From: "library@example.com"}, quietLogger(),
		func(string, smtp.Auth, string, []string, []byte) error { return nil })

	err := s.Send(context.Background(), Message{To: []string{"not an address"}, Subject: "x"})
	assert.ErrorIs(t, err, apperr.ErrNotification)
}

func TestWriteBase64_WrapsLines(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, writeBase64(&sb, make([]byte, 200)))
	for _, line := range strings.Split(strings.TrimRight(sb.String(), "\r\n"), "\r\n") {
		assert.LessOrEqual(t, len(line), 76)
	}
}

func TestLogSender(t *testing.T) {
	s := LogSender{Logger: quietLogger()}
	assert.NoError(t, s.Send(context.Background(), Message{To: []string{"a@example.com"}}))
	assert.ErrorIs(t, s.Send(context.Background(), Message{}), apperr.ErrNotification)
}
