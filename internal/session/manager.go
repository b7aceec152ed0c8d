// Package session owns one backend's authenticated HTTP session: the cookie jar,
// the persisted cookie cache and the login / re-login protocol.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"shipflow/internal/components/assert"
	"shipflow/internal/components/telemetry"
	"shipflow/internal/failure"
	"shipflow/lib/retry"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	Expired
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Authenticator is the backend specific half of the login protocol.
type Authenticator interface {
	// Probe issues one cheap request and reports whether the cookies in conn
	// still carry a valid session.
	Probe(ctx context.Context, conn Conn) (bool, error)
	// Login runs a full login sequence. Errors of type failure.AuthenticationError
	// are final, anything else may be retried with a new sequence.
	Login(ctx context.Context, conn Conn, credential Credential) error
}

type Verdict int

const (
	Ok Verdict = iota
	AuthExpired
	Rejected
)

// Classification is what a Classifier makes of a response.
type Classification struct {
	Verdict Verdict
	Code    string
	Message string
}

// Classifier decides whether a response is a success, a sign the session
// expired, or a structured rejection of the request.
type Classifier func(res *resty.Response) Classification

// DefaultClassifier treats 401 and 403 as an expired session and everything
// else as success.
func DefaultClassifier(res *resty.Response) Classification {
	switch res.StatusCode() {
	case http.StatusUnauthorized, http.StatusForbidden:
		return Classification{Verdict: AuthExpired}
	}
	return Classification{Verdict: Ok}
}

// Request describes one authenticated call.
type Request struct {
	// Op names the call in errors and telemetry.
	Op         string
	Method     string
	Path       string
	Query      map[string]string
	Form       map[string]string
	NoRedirect bool
	// Replayable marks a call that may reach the backend twice without harm.
	// GETs always are. Other calls are re-sent only when the connection was
	// never established, a 5xx or a lost response ends them.
	Replayable bool
}

func (r Request) replayable(method string) bool {
	return r.Replayable || method == resty.MethodGet || method == resty.MethodHead
}

const (
	report_restore       = "manager.restore-cookies"
	report_login_attempt = "manager.login-attempt"
	report_persist       = "manager.persist-cookies"
	report_reauth        = "manager.reauthenticate"
	report_network       = "manager.network"
	report_logins        = "manager.logins"
)

var (
	errNoSessionCookie = errors.New("login response set no session cookie")
	// errNotSent marks a transport error raised before any byte of the
	// request reached the backend.
	errNotSent = errors.New("request not sent")
)

type Options struct {
	Backend    string
	Credential Credential
	// MaxRetry bounds the number of full login sequences.
	MaxRetry int
	Network  retry.Policy
	Cookies  CookieStore
	Classify Classifier
	// SessionCookie is the cookie a successful login must leave in the jar.
	// Empty accepts any cookie.
	SessionCookie string
}

type Manager struct {
	backend    string
	conn       Conn
	auth       Authenticator
	credential Credential
	maxRetry   int
	network    retry.Policy
	cookies    CookieStore
	classify   Classifier
	sessionKey string
	tel        telemetry.API

	mu           sync.Mutex
	state        State
	restoreTried bool
	lastAuth     time.Time
	logins       int

	// separate lock, responses arrive while mu is held during login
	seenMu sync.Mutex
	seen   map[string]*http.Cookie
}

func NewManager(conn Conn, auth Authenticator, opts Options, tel telemetry.API) *Manager {
	assert.NotNil(auth)
	assert.NotNil(tel)
	assert.NotNil(conn.Http)
	assert.NotNil(conn.Jar)
	assert.NotEmptyStr(opts.Backend)

	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 5
	}
	if opts.Network.MaxAttempts <= 0 {
		opts.Network = retry.Policy{
			MaxAttempts: 3,
			Initial:     time.Second,
			Max:         10 * time.Second,
		}
	}
	opts.Network.Retryable = failure.IsRetryable
	if opts.Classify == nil {
		opts.Classify = DefaultClassifier
	}

	m := &Manager{
		backend:    opts.Backend,
		conn:       conn,
		auth:       auth,
		credential: opts.Credential,
		maxRetry:   opts.MaxRetry,
		network:    opts.Network,
		cookies:    opts.Cookies,
		classify:   opts.Classify,
		sessionKey: opts.SessionCookie,
		tel:        tel,
		seen:       map[string]*http.Cookie{},
	}

	// the jar only hands back name=value, remember the attributes of every
	// Set-Cookie so the cache can carry expiry
	track := func(_ *resty.Client, res *resty.Response) error {
		m.remember(res.Cookies())
		return nil
	}
	conn.Http.OnAfterResponse(track)
	if conn.NoRedirect != nil {
		conn.NoRedirect.OnAfterResponse(track)
	}
	return m
}

func (m *Manager) Backend() string {
	return m.backend
}

func (m *Manager) Conn() Conn {
	return m.conn
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Logins is the number of login sequences started so far.
func (m *Manager) Logins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logins
}

func (m *Manager) LastAuth() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAuth
}

func (m *Manager) remember(cookies []*http.Cookie) {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	for _, c := range cookies {
		copied := *c
		if copied.MaxAge > 0 && copied.Expires.IsZero() {
			copied.Expires = time.Now().Add(time.Duration(copied.MaxAge) * time.Second)
		}
		m.seen[c.Name] = &copied
	}
}

// EnsureAuthenticated makes sure the session is usable. The first call tries the
// cookie cache and a single probe before falling back to a full login.
func (m *Manager) EnsureAuthenticated(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Authenticated {
		return nil
	}
	if m.state == Unauthenticated && !m.restoreTried {
		m.restoreTried = true
		if m.restore(ctx) {
			m.state = Authenticated
			m.lastAuth = time.Now()
			return nil
		}
	}
	return m.login(ctx)
}

func (m *Manager) restore(ctx context.Context) bool {
	cookies, err := m.cookies.Load()
	if err != nil {
		m.tel.ReportWarning(report_restore, err)
		return false
	}
	if len(cookies) == 0 {
		return false
	}
	m.conn.Jar.SetCookies(m.conn.BaseUrl, cookies)

	ok, err := m.auth.Probe(ctx, m.conn)
	if err != nil {
		m.tel.ReportWarning(report_restore, fmt.Errorf("probe: %w", err))
	}
	if err != nil || !ok {
		m.forget(cookies)
		m.tel.ReportDebug(fmt.Sprintf("%s: cached session rejected", m.backend))
		return false
	}
	m.tel.ReportDebug(fmt.Sprintf("%s: reusing cached session", m.backend))
	return true
}

func (m *Manager) forget(cookies []*http.Cookie) {
	expired := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		expired = append(expired, &http.Cookie{
			Name:   c.Name,
			Domain: c.Domain,
			Path:   c.Path,
			MaxAge: -1,
		})
	}
	m.conn.Jar.SetCookies(m.conn.BaseUrl, expired)
}

func (m *Manager) login(ctx context.Context) error {
	m.state = Authenticating

	policy := retry.Policy{
		MaxAttempts: m.maxRetry,
		Initial:     m.network.Initial,
		Max:         m.network.Max,
		Retryable: func(err error) bool {
			return !failure.IsAuth(err)
		},
	}
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		m.logins++
		m.tel.ReportCount(report_logins, 1)

		err := m.auth.Login(ctx, m.conn, m.credential)
		if err == nil && !m.hasSessionCookie() {
			err = fmt.Errorf("%w (%s)", errNoSessionCookie, m.sessionCookieName())
		}
		if err != nil {
			m.tel.ReportWarning(
				report_login_attempt,
				fmt.Sprintf("%s %d/%d", m.backend, attempt, m.maxRetry),
				err,
			)
		}
		return err
	})

	var exhausted *retry.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		m.state = Unauthenticated
		return failure.Authentication(m.backend, failure.AuthLoginExhausted, exhausted)
	case err != nil:
		m.state = Unauthenticated
		return err
	}

	m.state = Authenticated
	m.lastAuth = time.Now()
	m.persist()
	return nil
}

func (m *Manager) sessionCookieName() string {
	if m.sessionKey == "" {
		return "any"
	}
	return m.sessionKey
}

func (m *Manager) hasSessionCookie() bool {
	for _, c := range m.conn.Jar.Cookies(m.conn.BaseUrl) {
		if m.sessionKey == "" || c.Name == m.sessionKey {
			return c.Value != ""
		}
	}
	return false
}

func (m *Manager) persist() {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()

	current := m.conn.Jar.Cookies(m.conn.BaseUrl)
	cookies := make([]*http.Cookie, 0, len(current))
	for _, c := range current {
		out := &http.Cookie{Name: c.Name, Value: c.Value}
		if meta, ok := m.seen[c.Name]; ok {
			out.Domain = meta.Domain
			out.Path = meta.Path
			out.Expires = meta.Expires
		}
		cookies = append(cookies, out)
	}
	err := m.cookies.Save(cookies)
	if err != nil {
		m.tel.ReportWarning(report_persist, err)
	}
}

// Expire marks the session as no longer valid, the next call logs in again.
func (m *Manager) Expire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Authenticated {
		m.state = Expired
	}
}

// Do issues an authenticated call. Transport failures are retried under the
// network policy, for calls that are not Replayable only while nothing was sent.
// A response classified as AuthExpired triggers exactly one re-login and one
// re-issue of the same call: the backend did not act on the rejected one.
func (m *Manager) Do(ctx context.Context, req Request) (*resty.Response, error) {
	err := m.EnsureAuthenticated(ctx)
	if err != nil {
		return nil, err
	}

	res, class, err := m.send(ctx, req)
	if err != nil {
		return res, err
	}

	if class.Verdict == AuthExpired {
		m.tel.ReportDebug(fmt.Sprintf("%s: session expired during %s", m.backend, req.Op))
		m.Expire()
		err = m.EnsureAuthenticated(ctx)
		if err != nil {
			m.tel.ReportBroken(report_reauth, m.backend, err)
			return nil, err
		}
		res, class, err = m.send(ctx, req)
		if err != nil {
			return res, err
		}
		if class.Verdict == AuthExpired {
			m.Expire()
			return res, failure.Authentication(
				m.backend,
				failure.AuthSessionExpired,
				fmt.Errorf("%s: session rejected again right after login", req.Op),
			)
		}
	}

	if class.Verdict == Rejected {
		return res, fmt.Errorf("%s: %w", req.Op, failure.Business(class.Code, class.Message))
	}
	return res, nil
}

func (m *Manager) send(ctx context.Context, req Request) (*resty.Response, Classification, error) {
	client := m.conn.Http
	if req.NoRedirect && m.conn.NoRedirect != nil {
		client = m.conn.NoRedirect
	}
	method := req.Method
	if method == "" {
		method = resty.MethodGet
	}

	policy := m.network
	if !req.replayable(method) {
		policy.Retryable = func(err error) bool {
			return errors.Is(err, errNotSent) && m.network.Retryable(err)
		}
	}

	var res *resty.Response
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		r := client.R().SetContext(ctx)
		if len(req.Query) > 0 {
			r.SetQueryParams(req.Query)
		}
		if len(req.Form) > 0 {
			r.SetFormData(req.Form)
		}

		var err error
		res, err = r.Execute(method, req.Path)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if notSent(err) {
				err = fmt.Errorf("%w: %w", errNotSent, err)
			}
			return failure.Network(req.Op, err)
		}
		if res.StatusCode() >= 500 {
			return failure.Network(req.Op, fmt.Errorf("unexpected status %d", res.StatusCode()))
		}
		return nil
	})
	if err != nil {
		m.tel.ReportWarning(report_network, req.Op, err)
		return res, Classification{}, err
	}
	return res, m.classify(res), nil
}

// notSent reports whether err happened while connecting, before the request
// could have reached the backend.
func notSent(err error) bool {
	var op *net.OpError
	if !errors.As(err, &op) {
		return false
	}
	return op.Op == "dial" || op.Op == "proxyconnect"
}
