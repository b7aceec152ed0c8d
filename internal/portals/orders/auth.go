// Package orders talks to the work order portal: a captcha gated login with an
// encrypted password, and the completed order export.
package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"shipflow/internal/captcha"
	"shipflow/internal/cipher"
	"shipflow/internal/components/assert"
	"shipflow/internal/components/telemetry"
	"shipflow/internal/failure"
	"shipflow/internal/session"
	"shipflow/lib/htmlutil"
	"strings"

	"github.com/go-resty/resty/v2"
)

const Backend = "orders"

// SessionCookie carries the login session.
const SessionCookie = "PHPSESSID"

// LoginSequences is the number of login sequences a session manager should run
// for this portal. The captcha solver already retries inside one sequence, a
// second outer loop would multiply the challenge count.
const LoginSequences = 1

type Paths struct {
	Captcha string
	Login   string
	Probe   string
	Export  string
}

func DefaultPaths() Paths {
	return Paths{
		Captcha: "/index.php/Public/getImgCode.html",
		Login:   "/index.php/Public/login.html",
		Probe:   "/index.php/Order/order/status/120.html",
		Export:  "/index.php/Order/exportorder.html",
	}
}

// DefaultProbeMarker appears on the order list page only when logged in.
const DefaultProbeMarker = "服务工单"

const (
	report_fetch_captcha = "auth.fetch-captcha"
	report_login_reject  = "auth.login-rejected"
)

// messages the login endpoint uses for a wrong captcha and a wrong credential
var (
	captchaHints    = []string{"验证码", "captcha"}
	credentialHints = []string{"密码", "用户", "账号", "password", "account"}
)

// loginErrorSelector finds the message on the html jump page the portal
// renders instead of json when a non ajax login fails.
const loginErrorSelector = "p.error, div.error, .msg"

type Authenticator struct {
	paths  Paths
	marker string
	keys   cipher.KeySource
	solver captcha.Solver
	tel    telemetry.API
}

func NewAuthenticator(paths Paths, marker string, keys cipher.KeySource, solver captcha.Solver, tel telemetry.API) Authenticator {
	assert.NotNil(keys)
	assert.NotNil(tel)
	assert.NotEmptyStr(paths.Captcha)
	assert.NotEmptyStr(paths.Login)
	assert.NotEmptyStr(paths.Probe)
	if marker == "" {
		marker = DefaultProbeMarker
	}
	return Authenticator{paths: paths, marker: marker, keys: keys, solver: solver, tel: tel}
}

// Probe loads the order list without following redirects, a logged out session
// is redirected to the login page.
func (a Authenticator) Probe(ctx context.Context, conn session.Conn) (bool, error) {
	res, err := conn.NoRedirect.R().
		SetContext(ctx).
		Get(a.paths.Probe)
	if err != nil {
		return false, failure.Network("probe", err)
	}
	if res.StatusCode() != http.StatusOK {
		return false, nil
	}
	return htmlutil.PageContains(ctx, res.Body(), a.marker)
}

func (a Authenticator) Login(ctx context.Context, conn session.Conn, credential session.Credential) error {
	fetch := func(ctx context.Context) ([]byte, error) {
		res, err := conn.Http.R().
			SetContext(ctx).
			SetHeader("accept", "image/*").
			Get(a.paths.Captcha)
		if err != nil {
			a.tel.ReportWarning(report_fetch_captcha, err)
			return nil, failure.Network("fetch captcha", err)
		}
		if res.StatusCode() != http.StatusOK || len(res.Body()) == 0 {
			return nil, failure.Network("fetch captcha", fmt.Errorf("unexpected status %d", res.StatusCode()))
		}
		return res.Body(), nil
	}

	submit := func(ctx context.Context, code string) error {
		return a.submit(ctx, conn.Http, credential, code)
	}

	_, err := a.solver.Solve(ctx, fetch, submit)
	return err
}

type loginResponse struct {
	Code json.Number `json:"code"`
	Msg  string      `json:"msg"`
}

func containsAny(s string, hints []string) bool {
	lower := strings.ToLower(s)
	for _, h := range hints {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

func (a Authenticator) submit(ctx context.Context, client *resty.Client, credential session.Credential, code string) error {
	key, err := a.keys.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("dynamic key: %w", err)
	}
	token, err := cipher.Encrypt(credential.Password, key)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}

	res, err := client.R().
		SetContext(ctx).
		SetHeader("x-requested-with", "XMLHttpRequest").
		SetFormData(map[string]string{
			"username":              credential.Username,
			"accesstoken":           token,
			"imgcode":               code,
			"event_submit_do_login": "submit",
		}).
		Post(a.paths.Login)
	if err != nil {
		return failure.Network("login", err)
	}
	if res.StatusCode() != http.StatusOK {
		return fmt.Errorf("login: unexpected status %d", res.StatusCode())
	}

	if isHTML(res) {
		msg := htmlutil.FirstText(res.Body(), loginErrorSelector)
		if msg == "" {
			msg = htmlutil.FirstText(res.Body(), "title")
		}
		return a.reject("html", msg)
	}

	var body loginResponse
	decoder := json.NewDecoder(bytes.NewReader(res.Body()))
	decoder.UseNumber()
	err = decoder.Decode(&body)
	if err != nil {
		return fmt.Errorf("login: decode response: %w", err)
	}
	if body.Code.String() == "0" {
		return nil
	}
	return a.reject(body.Code.String(), body.Msg)
}

func (a Authenticator) reject(code, msg string) error {
	a.tel.ReportWarning(report_login_reject, code, msg)
	switch {
	case containsAny(msg, captchaHints):
		return fmt.Errorf("%w: %s", captcha.ErrWrongCaptcha, msg)
	case containsAny(msg, credentialHints):
		return failure.Authentication(Backend, failure.AuthBadCredential, errors.New(msg))
	}
	return fmt.Errorf("login rejected (%s): %s", code, msg)
}

func isHTML(res *resty.Response) bool {
	contentType := strings.ToLower(res.Header().Get("content-type"))
	trimmed := bytes.TrimSpace(res.Body())
	return strings.Contains(contentType, "text/html") ||
		bytes.HasPrefix(trimmed, []byte("<!DOCTYPE")) || bytes.HasPrefix(trimmed, []byte("<html"))
}

// Classify treats any html answer from a data endpoint as the login page.
func Classify(res *resty.Response) session.Classification {
	status := res.StatusCode()
	if status == http.StatusUnauthorized || status == http.StatusForbidden ||
		(status >= 300 && status < 400) {
		return session.Classification{Verdict: session.AuthExpired}
	}
	if isHTML(res) {
		return session.Classification{Verdict: session.AuthExpired}
	}
	return session.Classification{Verdict: session.Ok}
}
