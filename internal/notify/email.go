package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"shipflow/internal/components/assert"
	"strings"

	"github.com/jordan-wright/email"
)

type EmailOptions struct {
	Server   string
	Port     int
	Address  string
	Password string
	To       []string
	// TitlePrefix is prepended to every subject.
	TitlePrefix string
}

type sendFunc func(mail *email.Email, addr string, auth smtp.Auth) error

func sendMail(mail *email.Email, addr string, auth smtp.Auth) error {
	return mail.Send(addr, auth)
}

// Email sends notifications as plain text mail over SMTP.
type Email struct {
	opts EmailOptions
	send sendFunc
}

func NewEmail(opts EmailOptions) Email {
	assert.NotEmptyStr(opts.Server)
	assert.NotEmptyStr(opts.Address)
	if opts.Port == 0 {
		opts.Port = 587
	}
	return Email{opts: opts, send: sendMail}
}

func (e Email) Notify(ctx context.Context, event Event) error {
	if len(e.opts.To) == 0 {
		return nil
	}

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("shipflow <%s>", e.opts.Address)
	mail.To = e.opts.To
	mail.Subject = title(e.opts.TitlePrefix, event.Title, event.Level)
	mail.Text = []byte(event.Message)

	addr := fmt.Sprintf("%s:%d", e.opts.Server, e.opts.Port)
	err := e.send(mail, addr, smtp.PlainAuth("", e.opts.Address, e.opts.Password, e.opts.Server))
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = e.send(mail, addr, nil)
	}
	if err != nil {
		return fmt.Errorf("email: %w", err)
	}
	return nil
}
