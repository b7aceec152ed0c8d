package config

import (
	"os"
	"path/filepath"
	"shipflow/internal/failure"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const baseConfig = `{
	// comments are fine, this is json5
	system: { interval: 10 },
	backends: {
		orders: { http: { base_url: "https://orders.example.com" }, agency: "114" },
		picking: { http: { base_url: "https://wms.example.com" } },
		logistics: {
			http: { base_url: "https://wms.example.com", requests_per_second: 2 },
			paths: { list: "/custom/list" },
		},
	},
	shipping: { self_pickup_staff: ["张三"] },
}`

func setSecrets(t *testing.T) {
	t.Setenv(EnvOrdersUsername, "orders-user")
	t.Setenv(EnvOrdersPassword, "orders-pass")
	t.Setenv(EnvPickingUsername, "picker")
	t.Setenv(EnvPickingPassword, "picker-pass")
	t.Setenv(EnvLogisticsUsername, "shipper")
	t.Setenv(EnvLogisticsPassword, "shipper-pass")
	t.Setenv(EnvOcrApiKey, "ak")
	t.Setenv(EnvOcrSecretKey, "sk")
	t.Setenv(EnvSelfPickupStaff, "")
}

func writeConfig(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAppliesDefaultsAndSecrets(t *testing.T) {
	setSecrets(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, "shipflow.json5", baseConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 10, cfg.System.Interval)
	require.Equal(t, 5, cfg.System.MaxRetry)
	require.Equal(t, 29, cfg.DateRange.DaysBack)
	require.Equal(t, 100, cfg.Shipping.MaxPages)
	require.Equal(t, "顺丰速运", cfg.Shipping.CarrierName)
	require.Equal(t, []string{"张三"}, cfg.Shipping.SelfPickupStaff)
	require.Equal(t, "orders-pass", cfg.Backends.Orders.Password)
	require.Equal(t, "/custom/list", cfg.Backends.Logistics.Paths["list"])

	diff := cmp.Diff(Defaults().ProductTypes, cfg.ProductTypes)
	require.Empty(t, diff)

	interval, ok := cfg.Lookup("system.interval")
	require.True(t, ok)
	require.EqualValues(t, 10, interval)
	_, ok = cfg.Lookup("system.max_retry")
	require.False(t, ok, "lookup sees the document as written")
	agency, ok := cfg.Lookup("backends.orders.agency")
	require.True(t, ok)
	require.Equal(t, "114", agency)
}

func TestCaptchaRetryFollowsSystem(t *testing.T) {
	setSecrets(t)
	backends := `backends: {
		orders: { http: { base_url: "https://orders.example.com" } },
		picking: { http: { base_url: "https://wms.example.com" } },
		logistics: { http: { base_url: "https://wms.example.com" } },
	},`

	path := writeConfig(t, t.TempDir(), "shipflow.json5", `{ system: { max_retry: 3 }, `+backends+` }`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Captcha.MaxRetry)

	path = writeConfig(t, t.TempDir(), "shipflow.json5", `{ system: { max_retry: 3 }, captcha: { max_retry: 7 }, `+backends+` }`)
	cfg, err = Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Captcha.MaxRetry)

	path = writeConfig(t, t.TempDir(), "shipflow.json5", `{ `+backends+` }`)
	cfg, err = Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Captcha.MaxRetry)
}

func TestLocalOverrideAndEnvStaff(t *testing.T) {
	setSecrets(t)
	t.Setenv(EnvSelfPickupStaff, "李四, 王五 ,")
	dir := t.TempDir()
	path := writeConfig(t, dir, "shipflow.json5", baseConfig)
	writeConfig(t, dir, "shipflow.local.json5", `{ system: { interval: 45 } }`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 45, cfg.System.Interval)
	require.Equal(t, []string{"李四", "王五"}, cfg.Shipping.SelfPickupStaff)
}

func TestLoadYaml(t *testing.T) {
	setSecrets(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, "shipflow.yaml", `
backends:
  orders:
    http: { base_url: "https://orders.example.com" }
  picking:
    http: { base_url: "https://wms.example.com" }
  logistics:
    http: { base_url: "https://wms.example.com" }
product_types:
  - name: TYPE_A
    export_type: 1
    sn_prefixes: [SN]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.ProductTypes, 1)
	require.Equal(t, "TYPE_A", cfg.ProductTypes[0].Name)
	require.Equal(t, []string{"SN"}, cfg.ProductTypes[0].Prefixes)
}

func TestMissingCredentialIsConfigurationError(t *testing.T) {
	setSecrets(t)
	t.Setenv(EnvPickingPassword, "")
	dir := t.TempDir()
	path := writeConfig(t, dir, "shipflow.json5", baseConfig)

	_, err := Load(path)
	var configErr *failure.ConfigurationError
	require.ErrorAs(t, err, &configErr)
	require.Equal(t, "Backends.Picking.Password", configErr.Key)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	require.True(t, failure.IsConfiguration(err))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestDotenv(t *testing.T) {
	setSecrets(t)
	t.Setenv(EnvOrdersPassword, "")
	require.NoError(t, os.Unsetenv(EnvOrdersPassword))
	dir := t.TempDir()
	dotenv := writeConfig(t, dir, "test.env", "ORDERS_PASSWORD=from-dotenv\n")
	path := writeConfig(t, dir, "shipflow.json5", `{
		paths: { dotenv: "`+filepath.ToSlash(dotenv)+`" },
		backends: {
			orders: { http: { base_url: "https://orders.example.com" } },
			picking: { http: { base_url: "https://wms.example.com" } },
			logistics: { http: { base_url: "https://wms.example.com" } },
		},
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-dotenv", cfg.Backends.Orders.Password)
}
