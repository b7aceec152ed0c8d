package session

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"shipflow/internal/components/assert"
	"shipflow/internal/components/telemetry"
	"shipflow/lib/restyutil"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	browser "github.com/EDDYCJY/fake-useragent"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

// RandomUserAgent as ClientOptions.UserAgent picks a desktop browser agent per client.
const RandomUserAgent = "random"

type ClientOptions struct {
	BaseUrl   string
	UserAgent string
	Headers   map[string]string
	Timeout   time.Duration
	// RequestsPerSecond of zero disables rate limiting.
	RequestsPerSecond float64
	CloudflareBypass  bool
	// Dump receives every request and response with credentials redacted.
	Dump restyutil.InstrumentOutput
}

var tracer = otel.Tracer("shipflow/session")

func redactBody(body string) string {
	values, err := url.ParseQuery(body)
	if err != nil || len(values) == 0 {
		return body
	}
	return telemetry.RedactForm(values)
}

// Conn is the HTTP state of one backend. Http follows redirects within the
// backend's domain, NoRedirect shares its cookie jar but hands back 3xx
// responses untouched, which is what login probes need.
type Conn struct {
	BaseUrl    *url.URL
	Http       *resty.Client
	NoRedirect *resty.Client
	Jar        http.CookieJar
}

func NewConn(opts ClientOptions, tel telemetry.API) (Conn, error) {
	assert.NotNil(tel)
	assert.NotEmptyStr(opts.BaseUrl)

	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return Conn{}, fmt.Errorf("parse base url: %w", err)
	}
	if baseUrl.Scheme == "" || baseUrl.Host == "" {
		return Conn{}, fmt.Errorf("base url %q must be absolute", opts.BaseUrl)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return Conn{}, err
	}

	userAgent := opts.UserAgent
	switch userAgent {
	case "":
		userAgent = DefaultUserAgent
	case RandomUserAgent:
		userAgent = browser.Computer()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		// burst >= 1 so no request is ever rejected, only delayed
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	configure := func(client *resty.Client, prefix string) {
		client.SetBaseURL(opts.BaseUrl)
		client.SetCookieJar(jar)
		if opts.CloudflareBypass {
			client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
		}
		client.SetHeader("user-agent", userAgent)
		client.SetHeaders(opts.Headers)
		client.SetTimeout(opts.Timeout)
		if limiter != nil {
			client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
				return limiter.Wait(req.Context())
			})
		}
		telemetry.InstrumentResty(client, tel)
		restyutil.InstrumentClient(client, restyutil.Options{
			Tracer: tracer,
			Output: opts.Dump,
			Prefix: prefix,
			Redact: redactBody,
		})
	}

	httpClient := resty.New()
	configure(httpClient, "")
	httpClient.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseUrl.Hostname()))

	noRedirect := resty.New()
	configure(noRedirect, "noredirect-")
	noRedirect.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}))

	return Conn{
		BaseUrl:    baseUrl,
		Http:       httpClient,
		NoRedirect: noRedirect,
		Jar:        jar,
	}, nil
}
