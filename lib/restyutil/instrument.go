// Package restyutil traces resty requests and optionally dumps every exchange
// for offline inspection of portal behavior.
package restyutil

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/semconv/v1.13.0/httpconv"
	"go.opentelemetry.io/otel/trace"
)

type InstrumentOutput interface {
	Write(id string, contents string)
}

type Options struct {
	// Tracer defaults to a tracer named "resty".
	Tracer trace.Tracer
	// Output receives every exchange, nil disables dumping.
	Output InstrumentOutput
	// Prefix is prepended to message ids, clients sharing an output need
	// distinct prefixes.
	Prefix string
	Redact Redactor
}

type instrumentCtx struct {
	opts      Options
	idcounter *uint64
}

// InstrumentClient opens a span per request and, when an output is
// configured, writes the full exchange under a sequential message id.
func InstrumentClient(client *resty.Client, opts Options) {
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("resty")
	}

	var idcounter uint64
	i := instrumentCtx{opts: opts, idcounter: &idcounter}
	client.OnBeforeRequest(i.onBeforeRequest)
	client.OnAfterResponse(i.onAfterResponse)
	client.OnError(i.onError)
}

type messageIdKeyType int

var messageIdKey messageIdKeyType

func (i instrumentCtx) onBeforeRequest(_ *resty.Client, req *resty.Request) error {
	ctx, _ := i.opts.Tracer.Start(req.Context(), req.Method)
	messageId := i.opts.Prefix + strconv.FormatUint(atomic.AddUint64(i.idcounter, 1), 10)
	ctx = context.WithValue(ctx, messageIdKey, messageId)
	req.SetContext(ctx)
	return nil
}

func (i instrumentCtx) onAfterResponse(_ *resty.Client, res *resty.Response) error {
	ctx := res.Request.Context()
	span := trace.SpanFromContext(ctx)
	defer span.End()

	// request attributes are only available once the raw request exists
	span.SetName(fmt.Sprintf("http %s", res.Request.Method))
	if res.RawResponse != nil {
		span.SetAttributes(httpconv.ClientResponse(res.RawResponse)...)
	}
	if res.Request.RawRequest != nil {
		span.SetAttributes(httpconv.ClientRequest(res.Request.RawRequest)...)
	}
	if res.IsError() {
		span.SetStatus(codes.Error, res.Status())
	}

	if i.opts.Output != nil {
		messageId, _ := ctx.Value(messageIdKey).(string)
		i.opts.Output.Write(messageId, FormatExchange(res, i.opts.Redact))
	}
	return nil
}

func (i instrumentCtx) onError(req *resty.Request, err error) {
	span := trace.SpanFromContext(req.Context())
	defer span.End()

	span.RecordError(err)
	span.SetStatus(codes.Error, "request failed")
	span.SetName(fmt.Sprintf("http %s", req.Method))
	if req.RawRequest != nil {
		span.SetAttributes(httpconv.ClientRequest(req.RawRequest)...)
	}
}
