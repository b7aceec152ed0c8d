// Package config loads the immutable configuration snapshot a process runs with.
package config

import (
	"errors"
	"fmt"
	"os"
	"shipflow/internal/components/telemetry"
	"shipflow/internal/failure"
	"shipflow/lib/configutil"
	"shipflow/lib/textutil"
	"strings"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type System struct {
	// Interval is the number of minutes between cycles in loop mode.
	Interval int    `json:"interval" yaml:"interval" validate:"min=1"`
	MaxRetry int    `json:"max_retry" yaml:"max_retry" validate:"min=1"`
	Timezone string `json:"timezone" yaml:"timezone"`
}

type Paths struct {
	// Cookies is the prefix of the per backend cookie cache files.
	Cookies     string `json:"cookies" yaml:"cookies" validate:"required"`
	Audit       string `json:"audit" yaml:"audit"`
	Lock        string `json:"lock" yaml:"lock" validate:"required"`
	CaptchaDump string `json:"captcha_dump" yaml:"captcha_dump"`
	Dotenv      string `json:"dotenv" yaml:"dotenv"`
}

type DateRange struct {
	DaysBack int `json:"days_back" yaml:"days_back" validate:"min=0"`
}

type ProductType struct {
	Name       string   `json:"name" yaml:"name" validate:"required"`
	ExportType int      `json:"export_type" yaml:"export_type" validate:"min=1"`
	Prefixes   []string `json:"sn_prefixes" yaml:"sn_prefixes"`
}

// Http is the client setup shared by every backend.
type Http struct {
	BaseUrl           string            `json:"base_url" yaml:"base_url" validate:"required,url"`
	UserAgent         string            `json:"user_agent" yaml:"user_agent"`
	Headers           map[string]string `json:"headers" yaml:"headers"`
	TimeoutSeconds    int               `json:"timeout" yaml:"timeout" validate:"min=0"`
	RequestsPerSecond float64           `json:"requests_per_second" yaml:"requests_per_second" validate:"min=0"`
	CloudflareBypass  bool              `json:"cloudflare_bypass" yaml:"cloudflare_bypass"`
	// SessionCookie overrides the cookie a login must leave behind.
	SessionCookie string `json:"session_cookie" yaml:"session_cookie"`
}

type OrdersPaths struct {
	Key     string `json:"key" yaml:"key"`
	Captcha string `json:"captcha" yaml:"captcha"`
	Login   string `json:"login" yaml:"login"`
	Probe   string `json:"probe" yaml:"probe"`
	Export  string `json:"export" yaml:"export"`
}

// DateKey configures the legacy date derived cipher key, used when no key
// endpoint is configured.
type DateKey struct {
	Prefix string `json:"prefix" yaml:"prefix"`
	Suffix string `json:"suffix" yaml:"suffix"`
	IV     string `json:"iv" yaml:"iv"`
}

type Orders struct {
	Http        Http        `json:"http" yaml:"http"`
	Paths       OrdersPaths `json:"paths" yaml:"paths"`
	ProbeMarker string      `json:"probe_marker" yaml:"probe_marker"`
	Agency      string      `json:"agency" yaml:"agency"`
	DateKey     DateKey     `json:"date_key" yaml:"date_key"`

	Username string `json:"-" yaml:"-" validate:"required"`
	Password string `json:"-" yaml:"-" validate:"required"`
}

// Wms configures the picking and logistics portals. Paths overrides the
// endpoint defaults by name.
type Wms struct {
	Http      Http              `json:"http" yaml:"http"`
	LoginPath string            `json:"login_path" yaml:"login_path"`
	Paths     map[string]string `json:"paths" yaml:"paths"`

	Username string `json:"-" yaml:"-" validate:"required"`
	Password string `json:"-" yaml:"-" validate:"required"`
}

type Backends struct {
	Orders    Orders `json:"orders" yaml:"orders"`
	Picking   Wms    `json:"picking" yaml:"picking"`
	Logistics Wms    `json:"logistics" yaml:"logistics"`
}

type Captcha struct {
	MaxRetry       int    `json:"max_retry" yaml:"max_retry" validate:"min=1"`
	ExpectedLength int    `json:"expected_length" yaml:"expected_length" validate:"min=0"`
	TokenUrl       string `json:"token_url" yaml:"token_url"`
	OcrUrl         string `json:"ocr_url" yaml:"ocr_url"`

	ApiKey    string `json:"-" yaml:"-" validate:"required"`
	SecretKey string `json:"-" yaml:"-" validate:"required"`
}

type Shipping struct {
	CarrierName string `json:"carrier_name" yaml:"carrier_name"`
	CarrierCode string `json:"carrier_code" yaml:"carrier_code"`
	PageSize    int    `json:"page_size" yaml:"page_size" validate:"min=1"`
	MaxPages    int    `json:"max_pages" yaml:"max_pages" validate:"min=1"`
	// NearMiss is the similarity above which a non matching recipient is
	// reported as a probable typo.
	NearMiss        float64  `json:"near_miss" yaml:"near_miss" validate:"min=0,max=1"`
	SelfPickupStaff []string `json:"self_pickup_staff" yaml:"self_pickup_staff"`
}

type PushPlus struct {
	Url   string `json:"url" yaml:"url"`
	Token string `json:"-" yaml:"-"`
}

type Email struct {
	Server   string   `json:"server" yaml:"server"`
	Port     int      `json:"port" yaml:"port"`
	Address  string   `json:"address" yaml:"address"`
	To       []string `json:"to" yaml:"to"`
	Password string   `json:"-" yaml:"-"`
}

type Notification struct {
	TitlePrefix string   `json:"title_prefix" yaml:"title_prefix"`
	PushPlus    PushPlus `json:"pushplus" yaml:"pushplus"`
	Email       Email    `json:"email" yaml:"email"`
}

type Config struct {
	System       System           `json:"system" yaml:"system"`
	Paths        Paths            `json:"paths" yaml:"paths"`
	DateRange    DateRange        `json:"date_range" yaml:"date_range"`
	ProductTypes []ProductType    `json:"product_types" yaml:"product_types" validate:"min=1,dive"`
	Backends     Backends         `json:"backends" yaml:"backends"`
	Captcha      Captcha          `json:"captcha" yaml:"captcha"`
	Shipping     Shipping         `json:"shipping" yaml:"shipping"`
	Notification Notification     `json:"notification" yaml:"notification"`
	Telemetry    telemetry.Config `json:"telemetry" yaml:"telemetry"`

	raw map[string]any
}

// Lookup reads a dotted key like "system.max_retry" from the document as it was
// written, before defaults were applied.
func (c Config) Lookup(key string) (any, bool) {
	return configutil.Lookup(c.raw, key)
}

func Defaults() Config {
	return Config{
		System: System{
			Interval: 30,
			MaxRetry: 5,
		},
		Paths: Paths{
			Cookies: "data/cookies",
			Audit:   "data/audit.jsonl",
			Lock:    "data/shipflow.lock",
			Dotenv:  ".env",
		},
		DateRange: DateRange{DaysBack: 29},
		ProductTypes: []ProductType{
			{Name: "user_machine", ExportType: 1},
			{Name: "user_board", ExportType: 2},
		},
		Backends: Backends{
			Orders: Orders{
				Agency: "114",
				DateKey: DateKey{
					Prefix: "asd0",
					Suffix: "bjsf",
					IV:     "dongjunyaoguoqip",
				},
			},
		},
		Captcha: Captcha{MaxRetry: 5},
		Shipping: Shipping{
			CarrierName: "顺丰速运",
			CarrierCode: "shunfeng",
			PageSize:    10,
			MaxPages:    100,
			NearMiss:    0.9,
		},
		Notification: Notification{TitlePrefix: "shipflow"},
	}
}

// environment variables carrying secrets, they never come from the config file.
const (
	EnvOrdersUsername    = "ORDERS_USERNAME"
	EnvOrdersPassword    = "ORDERS_PASSWORD"
	EnvPickingUsername   = "PICKING_USERNAME"
	EnvPickingPassword   = "PICKING_PASSWORD"
	EnvLogisticsUsername = "LOGISTICS_USERNAME"
	EnvLogisticsPassword = "LOGISTICS_PASSWORD"
	EnvSelfPickupStaff   = "SELF_PICKUP_STAFF"
	EnvOcrApiKey         = "OCR_API_KEY"
	EnvOcrSecretKey      = "OCR_SECRET_KEY"
	EnvPushPlusToken     = "PUSHPLUS_TOKEN"
	EnvSmtpPassword      = "SMTP_PASSWORD"
)

func (c *Config) overlayEnv() {
	c.Backends.Orders.Username = os.Getenv(EnvOrdersUsername)
	c.Backends.Orders.Password = os.Getenv(EnvOrdersPassword)
	c.Backends.Picking.Username = os.Getenv(EnvPickingUsername)
	c.Backends.Picking.Password = os.Getenv(EnvPickingPassword)
	c.Backends.Logistics.Username = os.Getenv(EnvLogisticsUsername)
	c.Backends.Logistics.Password = os.Getenv(EnvLogisticsPassword)
	c.Captcha.ApiKey = os.Getenv(EnvOcrApiKey)
	c.Captcha.SecretKey = os.Getenv(EnvOcrSecretKey)
	c.Notification.PushPlus.Token = os.Getenv(EnvPushPlusToken)
	c.Notification.Email.Password = os.Getenv(EnvSmtpPassword)

	staff := textutil.SplitList(os.Getenv(EnvSelfPickupStaff))
	if len(staff) > 0 {
		c.Shipping.SelfPickupStaff = staff
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func firstInvalid(err error) error {
	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) && len(invalid) > 0 {
		field := invalid[0]
		return failure.Configuration(
			strings.TrimPrefix(field.Namespace(), "Config."),
			fmt.Errorf("failed %q check", field.Tag()),
		)
	}
	return failure.Configuration("", err)
}

// Load reads path (and its .local override), fills defaults, overlays secrets
// from the environment and validates the result. Every problem is returned as a
// *failure.ConfigurationError.
func Load(path string) (Config, error) {
	cfg, err := configutil.ReadConfig[Config](path)
	if err != nil {
		return Config{}, failure.Configuration(path, err)
	}
	raw, err := configutil.ReadConfig[map[string]any](path)
	if err != nil {
		return Config{}, failure.Configuration(path, err)
	}

	err = mergo.Merge(&cfg, Defaults())
	if err != nil {
		return Config{}, failure.Configuration("", err)
	}
	cfg.raw = raw
	if _, ok := configutil.Lookup(raw, "captcha.max_retry"); !ok {
		cfg.Captcha.MaxRetry = cfg.System.MaxRetry
	}

	if cfg.Paths.Dotenv != "" {
		err = godotenv.Load(cfg.Paths.Dotenv)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, failure.Configuration("paths.dotenv", err)
		}
	}
	cfg.overlayEnv()

	err = validate.Struct(cfg)
	if err != nil {
		return Config{}, firstInvalid(err)
	}
	return cfg, nil
}
