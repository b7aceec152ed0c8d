package captcha

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"shipflow/internal/components/assert"
	"shipflow/internal/components/telemetry"
	"shipflow/lib/textutil"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrUnrecognized means the OCR service answered but produced no usable text.
var ErrUnrecognized = errors.New("captcha not recognized")

// Recognizer turns a challenge image into text.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

const (
	report_token_fetch = "baidu.fetch-token"
	report_ocr_failed  = "baidu.ocr-failed"
)

const (
	DefaultTokenURL = "https://aip.baidubce.com/oauth/2.0/token"
	DefaultOcrURL   = "https://aip.baidubce.com/rest/2.0/ocr/v1/accurate_basic"
)

type BaiduOptions struct {
	ApiKey    string
	SecretKey string
	TokenURL  string
	OcrURL    string
	// TokenTTL bounds how long an access token is reused, the service grants
	// far longer lifetimes but a short TTL keeps rotated keys from lingering.
	TokenTTL time.Duration
	Timeout  time.Duration
}

// BaiduRecognizer calls the accurate_basic OCR endpoint, access tokens come from
// the client credentials grant and are cached until TokenTTL elapses.
type BaiduRecognizer struct {
	http    *resty.Client
	options BaiduOptions
	tokens  *expirable.LRU[string, string]
	tel     telemetry.API
}

func NewBaiduRecognizer(options BaiduOptions, tel telemetry.API) BaiduRecognizer {
	assert.NotEmptyStr(options.ApiKey)
	assert.NotEmptyStr(options.SecretKey)
	assert.NotNil(tel)

	if options.TokenURL == "" {
		options.TokenURL = DefaultTokenURL
	}
	if options.OcrURL == "" {
		options.OcrURL = DefaultOcrURL
	}
	if options.TokenTTL <= 0 {
		options.TokenTTL = 12 * time.Hour
	}
	if options.Timeout <= 0 {
		options.Timeout = 10 * time.Second
	}

	client := resty.New().SetTimeout(options.Timeout)
	telemetry.InstrumentResty(client, telemetry.NewScopedAPI("ocr", tel))

	return BaiduRecognizer{
		http:    client,
		options: options,
		tokens:  expirable.NewLRU[string, string](1, nil, options.TokenTTL),
		tel:     tel,
	}
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (r BaiduRecognizer) token(ctx context.Context) (string, error) {
	token, ok := r.tokens.Get(r.options.ApiKey)
	if ok {
		return token, nil
	}

	var body tokenResponse
	res, err := r.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     r.options.ApiKey,
			"client_secret": r.options.SecretKey,
		}).
		SetResult(&body).
		ForceContentType("application/json").
		Post(r.options.TokenURL)
	if err != nil {
		r.tel.ReportBroken(report_token_fetch, err)
		return "", err
	}
	if body.AccessToken == "" {
		err = fmt.Errorf(
			"token request rejected (%d): %s %s",
			res.StatusCode(), body.Error, body.ErrorDescription,
		)
		r.tel.ReportBroken(report_token_fetch, err)
		return "", err
	}

	r.tokens.Add(r.options.ApiKey, body.AccessToken)
	return body.AccessToken, nil
}

type ocrResponse struct {
	WordsResult []struct {
		Words string `json:"words"`
	} `json:"words_result"`
	ErrorCode int    `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

// token errors the service uses for invalid or expired access tokens
var invalidTokenCodes = map[int]struct{}{110: {}, 111: {}}

func (r BaiduRecognizer) Recognize(ctx context.Context, image []byte) (string, error) {
	token, err := r.token(ctx)
	if err != nil {
		return "", err
	}

	var body ocrResponse
	_, err = r.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"access_token":     token,
			"image":            base64.StdEncoding.EncodeToString(image),
			"language_type":    "ENG",
			"detect_direction": "false",
		}).
		SetResult(&body).
		ForceContentType("application/json").
		Post(r.options.OcrURL)
	if err != nil {
		return "", err
	}

	if body.ErrorCode != 0 {
		if _, ok := invalidTokenCodes[body.ErrorCode]; ok {
			r.tokens.Remove(r.options.ApiKey)
		}
		err = fmt.Errorf("ocr error %d: %s", body.ErrorCode, body.ErrorMsg)
		r.tel.ReportWarning(report_ocr_failed, err)
		return "", err
	}

	var words strings.Builder
	for _, w := range body.WordsResult {
		words.WriteString(w.Words)
	}
	text := textutil.StripWhitespace(words.String())
	if text == "" {
		return "", ErrUnrecognized
	}
	return text, nil
}
