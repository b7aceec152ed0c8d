// Package wms holds what the picking and logistics portals share: both are
// deployments of the same warehouse web application with one login form and
// one JSON envelope.
package wms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"shipflow/internal/components/assert"
	"shipflow/internal/failure"
	"shipflow/internal/session"

	"github.com/go-resty/resty/v2"
)

// Envelope is the response shape of every JSON endpoint.
type Envelope struct {
	Success *bool           `json:"success"`
	Msg     string          `json:"msg"`
	Code    json.RawMessage `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func (e Envelope) Succeeded() bool {
	return e.Success != nil && *e.Success
}

// HasData reports whether data is present and not null.
func (e Envelope) HasData() bool {
	trimmed := bytes.TrimSpace(e.Data)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// CodeString renders the code field whether the backend sent it as a number or a string.
func (e Envelope) CodeString() string {
	if len(e.Code) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(e.Code, &s) == nil {
		return s
	}
	return string(bytes.TrimSpace(e.Code))
}

// ErrNotJSON means a JSON endpoint answered with something else, which in
// practice is the login page served to an unauthenticated session.
var ErrNotJSON = errors.New("response is not json")

func Decode(body []byte) (Envelope, error) {
	var env Envelope
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return env, ErrNotJSON
	}
	err := json.Unmarshal(trimmed, &env)
	if err != nil {
		return env, fmt.Errorf("%w: %w", ErrNotJSON, err)
	}
	return env, nil
}

func looksLikeLoginPage(res *resty.Response) bool {
	trimmed := bytes.TrimSpace(res.Body())
	return len(trimmed) > 0 && trimmed[0] == '<'
}

// Classify maps a response to a session verdict. Redirects, 401/403 and html
// bodies mean the session is gone. An envelope with success=false and no data is
// a rejection of that one request.
func Classify(res *resty.Response) session.Classification {
	status := res.StatusCode()
	if status == http.StatusUnauthorized || status == http.StatusForbidden ||
		(status >= 300 && status < 400) || looksLikeLoginPage(res) {
		return session.Classification{Verdict: session.AuthExpired}
	}

	env, err := Decode(res.Body())
	if err != nil {
		return session.Classification{Verdict: session.Ok}
	}
	if env.Success != nil && !*env.Success && !env.HasData() {
		return session.Classification{
			Verdict: session.Rejected,
			Code:    env.CodeString(),
			Message: env.Msg,
		}
	}
	return session.Classification{Verdict: session.Ok}
}

const DefaultLoginPath = "/wms-web/security/login"

// SessionCookie carries the login session on both WMS portals.
const SessionCookie = "JSESSIONID"

// Authenticator implements the username/password login form.
type Authenticator struct {
	Backend   string
	LoginPath string
	// ProbePath is posted with ProbeForm, any JSON answer means the session is valid.
	ProbePath string
	ProbeForm map[string]string
	// ExtraForm is merged into the login form, logistics sends an empty authCode.
	ExtraForm map[string]string
	Language  string
}

func NewAuthenticator(a Authenticator) Authenticator {
	assert.NotEmptyStr(a.Backend)
	if a.LoginPath == "" {
		a.LoginPath = DefaultLoginPath
	}
	assert.NotEmptyStr(a.ProbePath)
	if a.Language == "" {
		a.Language = "zh_CN"
	}
	return a
}

func (a Authenticator) Probe(ctx context.Context, conn session.Conn) (bool, error) {
	res, err := conn.NoRedirect.R().
		SetContext(ctx).
		SetFormData(a.ProbeForm).
		Post(a.ProbePath)
	if err != nil {
		return false, failure.Network("probe", err)
	}
	if res.StatusCode() != http.StatusOK {
		return false, nil
	}
	_, err = Decode(res.Body())
	return err == nil, nil
}

func (a Authenticator) Login(ctx context.Context, conn session.Conn, credential session.Credential) error {
	form := map[string]string{
		"username": credential.Username,
		"password": credential.Password,
		"language": a.Language,
	}
	for k, v := range a.ExtraForm {
		form[k] = v
	}

	res, err := conn.Http.R().
		SetContext(ctx).
		SetFormData(form).
		Post(a.LoginPath)
	if err != nil {
		return failure.Network("login", err)
	}
	if res.StatusCode() != http.StatusOK {
		return fmt.Errorf("login: unexpected status %d", res.StatusCode())
	}

	env, err := Decode(res.Body())
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if env.Succeeded() {
		return nil
	}
	if env.Msg != "" {
		return failure.Authentication(a.Backend, failure.AuthBadCredential, errors.New(env.Msg))
	}
	return fmt.Errorf("login: rejected without a message (code %s)", env.CodeString())
}

// PostData posts a JSON document as the "data" form field, the calling
// convention of the RF endpoints. The call is sent at most once past a
// successful connect: a 5xx or a lost response is returned, not retried.
func PostData(ctx context.Context, sess *session.Manager, op, path string, payload any) (Envelope, error) {
	return postData(ctx, sess, op, path, payload, false)
}

// QueryData is PostData for read only endpoints, retried like any GET.
func QueryData(ctx context.Context, sess *session.Manager, op, path string, payload any) (Envelope, error) {
	return postData(ctx, sess, op, path, payload, true)
}

func postData(ctx context.Context, sess *session.Manager, op, path string, payload any, replayable bool) (Envelope, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%s: encode payload: %w", op, err)
	}
	res, err := sess.Do(ctx, session.Request{
		Op:         op,
		Method:     resty.MethodPost,
		Path:       path,
		Form:       map[string]string{"data": string(encoded)},
		Replayable: replayable,
	})
	if err != nil {
		return Envelope{}, err
	}
	env, err := Decode(res.Body())
	if err != nil {
		return Envelope{}, fmt.Errorf("%s: %w", op, err)
	}
	return env, nil
}
