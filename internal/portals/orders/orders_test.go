package orders

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"shipflow/internal/captcha"
	"shipflow/internal/cipher"
	"shipflow/internal/components/chrono"
	"shipflow/internal/components/telemetry"
	"shipflow/internal/failure"
	"shipflow/internal/session"
	"shipflow/lib/retry"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func gbk(t *testing.T, s string) []byte {
	out, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte(s))
	require.NoError(t, err)
	return out
}

const exportCSV = "工单号,客户姓名,机号1(sn)\nW1,张三,=\"SN100\"\nW2,李四,\nW3,王五,'SN300\n"

func TestParsePortalExport(t *testing.T) {
	rows, errs := ParseExport(gbk(t, exportCSV))
	require.Equal(t, []Row{
		{Line: 2, SN: "SN100", OrderRef: "W1", Customer: "张三"},
		{Line: 4, SN: "SN300", OrderRef: "W3", Customer: "王五"},
	}, rows)
	require.Len(t, errs, 1)

	var parseErr *failure.ParseError
	require.ErrorAs(t, errs[0], &parseErr)
	require.Equal(t, 3, parseErr.Row)
}

func TestParsePlainRows(t *testing.T) {
	rows, errs := ParseExport([]byte("SN001,TYPE_A,ORD1\nSN002,BADTYPE,ORD2\nbroken\n,TYPE_A,ORD4\n"))
	require.Len(t, rows, 2)
	require.Equal(t, Row{Line: 1, SN: "SN001", Type: "TYPE_A", OrderRef: "ORD1"}, rows[0])
	require.Equal(t, "BADTYPE", rows[1].Type)
	require.Len(t, errs, 2)
}

func TestParseSkipsPlainHeader(t *testing.T) {
	rows, errs := ParseExport([]byte("sn,type,order\nSN001,TYPE_A,ORD1\n"))
	require.Empty(t, errs)
	require.Len(t, rows, 1)
}

var loginDate = time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

type fakePortal struct {
	t            *testing.T
	mu           sync.Mutex
	captchaCalls int
	logins       int
	rejectFirst  int
	rejectHTML   bool
	valid        map[string]bool
	exports      []string
}

func (p *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	authorized := func() bool {
		c, err := r.Cookie("PHPSESSID")
		return err == nil && p.valid[c.Value]
	}

	switch r.URL.Path {
	case "/index.php/Public/getImgCode.html":
		p.captchaCalls++
		w.Header().Set("content-type", "image/png")
		fmt.Fprintf(w, "captcha-%d", p.captchaCalls)
	case "/index.php/Public/login.html":
		p.logins++
		require.NoError(p.t, r.ParseForm())
		key, _ := cipher.NewDateKeySource("asd0", "bjsf", "dongjunyaoguoqip", chrono.Fixed{At: loginDate}).Fetch(context.Background())
		password, err := cipher.Decrypt(r.PostForm.Get("accesstoken"), key)
		if err != nil || password != "hunter2" {
			w.Write([]byte(`{"code":1,"msg":"用户名或密码错误"}`))
			return
		}
		if p.rejectFirst > 0 {
			p.rejectFirst--
			if p.rejectHTML {
				w.Header().Set("content-type", "text/html; charset=utf-8")
				w.Write([]byte(`<html><head><title>跳转提示</title></head><body><p class="error">验证码错误</p></body></html>`))
				return
			}
			w.Write([]byte(`{"code":1,"msg":"验证码错误"}`))
			return
		}
		sid := fmt.Sprintf("sid-%d", p.logins)
		p.valid[sid] = true
		http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: sid, Path: "/"})
		w.Write([]byte(`{"code":0,"msg":"ok"}`))
	case "/index.php/Order/order/status/120.html":
		if !authorized() {
			http.Redirect(w, r, "/index.php/Public/login.html", http.StatusFound)
			return
		}
		w.Write([]byte(`<html><body><h1>服务工单</h1></body></html>`))
	case "/index.php/Order/exportorder.html":
		if !authorized() {
			w.Header().Set("content-type", "text/html; charset=utf-8")
			w.Write([]byte(`<!DOCTYPE html><html><form id="login"></form></html>`))
			return
		}
		p.exports = append(p.exports, r.URL.Query().Get("innertype"))
		w.Header().Set("content-type", "application/octet-stream")
		w.Write(gbk(p.t, exportCSV))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *fakePortal) expire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.valid = map[string]bool{}
}

func (p *fakePortal) counts() (captchaCalls, logins int, exports []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.captchaCalls, p.logins, append([]string{}, p.exports...)
}

type fixedRecognizer struct{}

func (fixedRecognizer) Recognize(ctx context.Context, image []byte) (string, error) {
	return "ab12", nil
}

func newTestPortal(t *testing.T, password string) (*fakePortal, *session.Manager, Portal) {
	return newTestPortalWithCaptcha(t, password, 5)
}

func newTestPortalWithCaptcha(t *testing.T, password string, captchaRetry int) (*fakePortal, *session.Manager, Portal) {
	fake := &fakePortal{t: t, valid: map[string]bool{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	tel := &telemetry.Recorder{}
	conn, err := session.NewConn(session.ClientOptions{BaseUrl: srv.URL}, tel)
	require.NoError(t, err)

	keys := cipher.NewDateKeySource("asd0", "bjsf", "dongjunyaoguoqip", chrono.Fixed{At: loginDate})
	solver := captcha.NewSolver(fixedRecognizer{}, captcha.Options{Backend: Backend, MaxRetry: captchaRetry}, tel)
	auth := NewAuthenticator(DefaultPaths(), "", keys, solver, tel)

	manager := session.NewManager(conn, auth, session.Options{
		Backend:       Backend,
		Credential:    session.Credential{Username: "op", Password: password},
		MaxRetry:      LoginSequences,
		Network:       retry.Policy{MaxAttempts: 1},
		Classify:      Classify,
		SessionCookie: SessionCookie,
	}, tel)
	return fake, manager, NewPortal(manager, DefaultPaths(), "114", tel)
}

func TestExportWithCaptchaLogin(t *testing.T) {
	fake, manager, portal := newTestPortal(t, "hunter2")
	fake.mu.Lock()
	fake.rejectFirst = 2
	fake.mu.Unlock()

	data, err := portal.Export(context.Background(), 1)
	require.NoError(t, err)
	rows, _ := ParseExport(data)
	require.Len(t, rows, 2)

	captchaCalls, _, exports := fake.counts()
	require.Equal(t, 3, captchaCalls, "every wrong guess fetches a new challenge")
	require.Equal(t, 1, manager.Logins())
	require.Equal(t, []string{"1"}, exports)

	fake.expire()
	_, err = portal.Export(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 2, manager.Logins(), "html answer triggers exactly one re-login")
	_, _, exports = fake.counts()
	require.Equal(t, []string{"1", "2"}, exports)
}

func TestCaptchaBudgetBoundsTheWholeLogin(t *testing.T) {
	fake, manager, portal := newTestPortalWithCaptcha(t, "hunter2", 3)
	fake.mu.Lock()
	fake.rejectFirst = 100
	fake.mu.Unlock()

	_, err := portal.Export(context.Background(), 1)
	kind, ok := failure.AuthKindOf(err)
	require.True(t, ok, "got %v", err)
	require.Equal(t, failure.AuthCaptchaExhausted, kind)

	captchaCalls, logins, exports := fake.counts()
	require.Equal(t, 3, captchaCalls)
	require.Equal(t, 3, logins)
	require.Equal(t, 1, manager.Logins())
	require.Empty(t, exports)
}

func TestHtmlLoginErrorPage(t *testing.T) {
	fake, manager, portal := newTestPortal(t, "hunter2")
	fake.mu.Lock()
	fake.rejectFirst = 1
	fake.rejectHTML = true
	fake.mu.Unlock()

	_, err := portal.Export(context.Background(), 1)
	require.NoError(t, err)

	captchaCalls, logins, _ := fake.counts()
	require.Equal(t, 2, captchaCalls, "the error paragraph reads as a wrong captcha")
	require.Equal(t, 2, logins)
	require.Equal(t, 1, manager.Logins())
}

func TestBadCredentialIsNotRetried(t *testing.T) {
	fake, manager, portal := newTestPortal(t, "wrong")

	_, err := portal.Export(context.Background(), 1)
	kind, ok := failure.AuthKindOf(err)
	require.True(t, ok, "got %v", err)
	require.Equal(t, failure.AuthBadCredential, kind)
	_, logins, _ := fake.counts()
	require.Equal(t, 1, logins)
	require.Equal(t, 1, manager.Logins())
}

func TestProbe(t *testing.T) {
	fake, manager, _ := newTestPortal(t, "hunter2")
	require.NoError(t, manager.EnsureAuthenticated(context.Background()))

	auth := NewAuthenticator(DefaultPaths(), "", cipher.DateKeySource{}, captcha.Solver{}, &telemetry.Recorder{})
	ok, err := auth.Probe(context.Background(), manager.Conn())
	require.NoError(t, err)
	require.True(t, ok)

	fake.expire()
	ok, err = auth.Probe(context.Background(), manager.Conn())
	require.NoError(t, err)
	require.False(t, ok)
}
