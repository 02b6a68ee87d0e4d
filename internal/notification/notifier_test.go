package notification

import (
	"Go2Attribution/internal/config"
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmailNotifier_Send(t *testing.T) {
	cfg := config.SMTPConfig{Host: "mail.local", Port: 2525, From: "attr@local", To: "ops@local, oncall@local"}
	n := NewEmailNotifier(cfg).(*EmailNotifier)

	var gotAddr string
	var gotTo []string
	var gotMsg []byte
	n.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, msg
		return nil
	}

	require.NoError(t, n.Send(context.Background(), "subject line", "<p>body</p>"))
	assert.Equal(t, "mail.local:2525", gotAddr)
	assert.Equal(t, []string{"ops@local", "oncall@local"}, gotTo)
	assert.True(t, strings.Contains(string(gotMsg), "Subject: subject line\r\n"))
	assert.True(t, strings.HasSuffix(string(gotMsg), "\r\n\r\n<p>body</p>"))
}

func TestEmailNotifier_SendError(t *testing.T) {
	n := NewEmailNotifier(config.SMTPConfig{To: "ops@local"}).(*EmailNotifier)
	n.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }

	assert.ErrorContains(t, n.Send(context.Background(), "s", "b"), "refused")
}

func TestEmailNotifier_CanceledContext(t *testing.T) {
	n := NewEmailNotifier(config.SMTPConfig{}).(*EmailNotifier)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Send(ctx, "s", "b"), context.Canceled)
}
