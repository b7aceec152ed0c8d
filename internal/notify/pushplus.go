package notify

import (
	"context"
	"fmt"
	"shipflow/internal/components/assert"
	"shipflow/internal/components/telemetry"
	"time"

	"github.com/go-resty/resty/v2"
)

const DefaultPushPlusUrl = "http://www.pushplus.plus/send"

type PushPlusOptions struct {
	Token       string
	Url         string
	TitlePrefix string
	Timeout     time.Duration
}

// PushPlus posts markdown messages to the pushplus.plus relay.
type PushPlus struct {
	client *resty.Client
	opts   PushPlusOptions
}

func NewPushPlus(opts PushPlusOptions, tel telemetry.API) PushPlus {
	assert.NotEmptyStr(opts.Token)
	if opts.Url == "" {
		opts.Url = DefaultPushPlusUrl
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}

	client := resty.New()
	client.SetTimeout(opts.Timeout)
	telemetry.InstrumentResty(client, tel)

	return PushPlus{client: client, opts: opts}
}

type pushPlusRequest struct {
	Token    string `json:"token"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Template string `json:"template"`
}

type pushPlusResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (p PushPlus) Notify(ctx context.Context, event Event) error {
	var body pushPlusResponse
	res, err := p.client.R().
		SetContext(ctx).
		SetBody(pushPlusRequest{
			Token:    p.opts.Token,
			Title:    title(p.opts.TitlePrefix, event.Title, event.Level),
			Content:  event.Message,
			Template: "markdown",
		}).
		SetResult(&body).
		Post(p.opts.Url)
	if err != nil {
		return fmt.Errorf("pushplus: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("pushplus: unexpected status %d", res.StatusCode())
	}
	if body.Code != 200 {
		return fmt.Errorf("pushplus: code %d: %s", body.Code, body.Msg)
	}
	return nil
}
