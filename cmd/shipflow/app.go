package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"shipflow/internal/captcha"
	"shipflow/internal/cipher"
	"shipflow/internal/components/chrono"
	"shipflow/internal/components/telemetry"
	"shipflow/internal/config"
	"shipflow/internal/failure"
	"shipflow/internal/notify"
	"shipflow/internal/pipeline"
	"shipflow/internal/portals/logistics"
	"shipflow/internal/portals/orders"
	"shipflow/internal/portals/picking"
	"shipflow/internal/portals/wms"
	"shipflow/internal/records"
	"shipflow/internal/session"
	"shipflow/lib/restyutil"
	"time"

	"github.com/gofrs/flock"
)

// app is everything a cycle needs, built once per process.
type app struct {
	cfg   config.Config
	tel   telemetry.API
	clock chrono.API
	orch  *pipeline.Orchestrator

	notifier notify.Notifier

	audit *records.JSONLog
	lock  *flock.Flock
	otel  telemetry.Telemetry
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := a.otel.Shutdown(ctx)
	if err != nil {
		slog.Warn("shutdown telemetry", "err", err)
	}
	if a.audit != nil {
		err = a.audit.Close()
		if err != nil {
			slog.Warn("close audit log", "err", err)
		}
	}
	if a.lock != nil {
		err = a.lock.Unlock()
		if err != nil {
			slog.Warn("release lock", "err", err)
		}
	}
}

var errLocked = errors.New("another shipflow process is running")

func acquireLock(path string) (*flock.Flock, error) {
	err := os.MkdirAll(filepath.Dir(path), 0700)
	if err != nil {
		return nil, err
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock %s)", errLocked, path)
	}
	return lock, nil
}

func clientOptions(h config.Http, backend string) (session.ClientOptions, error) {
	opts := session.ClientOptions{
		BaseUrl:           h.BaseUrl,
		UserAgent:         h.UserAgent,
		Headers:           h.Headers,
		Timeout:           time.Duration(h.TimeoutSeconds) * time.Second,
		RequestsPerSecond: h.RequestsPerSecond,
		CloudflareBypass:  h.CloudflareBypass,
	}
	if dumpHttp != "" {
		out, err := restyutil.NewFilesystemOutput(filepath.Join(dumpHttp, backend))
		if err != nil {
			return opts, err
		}
		opts.Dump = out
	}
	return opts, nil
}

func override(target *string, paths map[string]string, key string) {
	if v := paths[key]; v != "" {
		*target = v
	}
}

func sessionOptions(cfg config.Config, backend string, h config.Http, credential session.Credential, classify session.Classifier) session.Options {
	return session.Options{
		Backend:       backend,
		Credential:    credential,
		MaxRetry:      cfg.System.MaxRetry,
		Cookies:       session.NewCookieStore(session.CookiePath(cfg.Paths.Cookies, backend)),
		Classify:      classify,
		SessionCookie: h.SessionCookie,
	}
}

func newOrders(cfg config.Config, clock chrono.API, tel telemetry.API) (pipeline.OrdersPortal, error) {
	c := cfg.Backends.Orders
	tel = telemetry.NewScopedAPI(pipeline.BackendOrders, tel)

	clientOpts, err := clientOptions(c.Http, pipeline.BackendOrders)
	if err != nil {
		return nil, err
	}
	conn, err := session.NewConn(clientOpts, tel)
	if err != nil {
		return nil, failure.Configuration("backends.orders.http", err)
	}

	var keys cipher.KeySource
	if c.Paths.Key != "" {
		keys = cipher.NewServerKeySource(conn.Http, c.Paths.Key)
	} else {
		keys = cipher.NewDateKeySource(c.DateKey.Prefix, c.DateKey.Suffix, c.DateKey.IV, clock)
	}

	recognizer := captcha.NewBaiduRecognizer(captcha.BaiduOptions{
		ApiKey:    cfg.Captcha.ApiKey,
		SecretKey: cfg.Captcha.SecretKey,
		TokenURL:  cfg.Captcha.TokenUrl,
		OcrURL:    cfg.Captcha.OcrUrl,
	}, tel)
	solver := captcha.NewSolver(recognizer, captcha.Options{
		Backend:        pipeline.BackendOrders,
		MaxRetry:       cfg.Captcha.MaxRetry,
		ExpectedLength: cfg.Captcha.ExpectedLength,
		DumpPath:       cfg.Paths.CaptchaDump,
	}, tel)

	paths := orders.DefaultPaths()
	if c.Paths.Captcha != "" {
		paths.Captcha = c.Paths.Captcha
	}
	if c.Paths.Login != "" {
		paths.Login = c.Paths.Login
	}
	if c.Paths.Probe != "" {
		paths.Probe = c.Paths.Probe
	}
	if c.Paths.Export != "" {
		paths.Export = c.Paths.Export
	}

	auth := orders.NewAuthenticator(paths, c.ProbeMarker, keys, solver, tel)
	sessOpts := sessionOptions(
		cfg,
		pipeline.BackendOrders,
		c.Http,
		session.Credential{Username: c.Username, Password: c.Password},
		orders.Classify,
	)
	// captcha.max_retry is the whole login budget
	sessOpts.MaxRetry = orders.LoginSequences
	if sessOpts.SessionCookie == "" {
		sessOpts.SessionCookie = orders.SessionCookie
	}
	manager := session.NewManager(conn, auth, sessOpts, tel)
	return orders.NewPortal(manager, paths, c.Agency, tel), nil
}

func newWmsSession(cfg config.Config, backend string, c config.Wms, auth wms.Authenticator, tel telemetry.API) (*session.Manager, error) {
	clientOpts, err := clientOptions(c.Http, backend)
	if err != nil {
		return nil, err
	}
	conn, err := session.NewConn(clientOpts, tel)
	if err != nil {
		return nil, failure.Configuration(fmt.Sprintf("backends.%s.http", backend), err)
	}
	auth.Backend = backend
	auth.LoginPath = c.LoginPath
	sessOpts := sessionOptions(
		cfg,
		backend,
		c.Http,
		session.Credential{Username: c.Username, Password: c.Password},
		wms.Classify,
	)
	if sessOpts.SessionCookie == "" {
		sessOpts.SessionCookie = wms.SessionCookie
	}
	return session.NewManager(conn, wms.NewAuthenticator(auth), sessOpts, tel), nil
}

func newPicking(cfg config.Config, tel telemetry.API) (pipeline.PickingPortal, error) {
	c := cfg.Backends.Picking
	tel = telemetry.NewScopedAPI(pipeline.BackendPicking, tel)

	paths := picking.DefaultPaths()
	override(&paths.QuerySN, c.Paths, "query_sn")
	override(&paths.CreateSlip, c.Paths, "create_slip")
	override(&paths.PickDetail, c.Paths, "pick_detail")
	override(&paths.ConfirmPick, c.Paths, "confirm_pick")
	probe := paths.QuerySN
	override(&probe, c.Paths, "probe")

	manager, err := newWmsSession(cfg, pipeline.BackendPicking, c, wms.Authenticator{ProbePath: probe}, tel)
	if err != nil {
		return nil, err
	}
	return picking.NewPortal(manager, paths, tel), nil
}

func newLogistics(cfg config.Config, tel telemetry.API) (pipeline.LogisticsPortal, error) {
	c := cfg.Backends.Logistics
	tel = telemetry.NewScopedAPI(pipeline.BackendLogistics, tel)

	paths := logistics.DefaultPaths()
	override(&paths.Collect, c.Paths, "collect")
	override(&paths.List, c.Paths, "list")
	override(&paths.Ship, c.Paths, "ship")

	manager, err := newWmsSession(cfg, pipeline.BackendLogistics, c, wms.Authenticator{
		ProbePath: paths.Collect,
		ProbeForm: logistics.ProbeForm(),
		ExtraForm: map[string]string{"authCode": ""},
	}, tel)
	if err != nil {
		return nil, err
	}
	return logistics.NewPortal(manager, logistics.Options{
		Paths:       paths,
		PageSize:    cfg.Shipping.PageSize,
		MaxPages:    cfg.Shipping.MaxPages,
		CarrierName: cfg.Shipping.CarrierName,
		CarrierCode: cfg.Shipping.CarrierCode,
	}, tel), nil
}

func newNotifier(cfg config.Config, tel telemetry.API) notify.Notifier {
	n := cfg.Notification
	out := notify.Multi{}
	if n.PushPlus.Token != "" {
		out = append(out, notify.NewPushPlus(notify.PushPlusOptions{
			Token:       n.PushPlus.Token,
			Url:         n.PushPlus.Url,
			TitlePrefix: n.TitlePrefix,
		}, telemetry.NewScopedAPI("pushplus", tel)))
	}
	if n.Email.Server != "" && n.Email.Address != "" && len(n.Email.To) > 0 {
		out = append(out, notify.NewEmail(notify.EmailOptions{
			Server:      n.Email.Server,
			Port:        n.Email.Port,
			Address:     n.Email.Address,
			Password:    n.Email.Password,
			To:          n.Email.To,
			TitlePrefix: n.TitlePrefix,
		}))
	}
	if len(out) == 0 {
		return notify.Noop{}
	}
	return out
}

func productTypes(cfg config.Config) []pipeline.ProductType {
	out := make([]pipeline.ProductType, 0, len(cfg.ProductTypes))
	for _, pt := range cfg.ProductTypes {
		out = append(out, pipeline.ProductType{
			Name:       pt.Name,
			ExportType: pt.ExportType,
			Prefixes:   pt.Prefixes,
		})
	}
	return out
}

func newOrchestrator(cfg config.Config, clock chrono.API, tel telemetry.API, audit records.AuditLog, notifier notify.Notifier) (*pipeline.Orchestrator, error) {
	ordersPortal, err := newOrders(cfg, clock, tel)
	if err != nil {
		return nil, err
	}
	pickingPortal, err := newPicking(cfg, tel)
	if err != nil {
		return nil, err
	}
	logisticsPortal, err := newLogistics(cfg, tel)
	if err != nil {
		return nil, err
	}

	return pipeline.NewOrchestrator(
		ordersPortal,
		pickingPortal,
		logisticsPortal,
		pipeline.Options{
			ProductTypes: productTypes(cfg),
			DaysBack:     cfg.DateRange.DaysBack,
			Router: records.NewRouter(
				cfg.Shipping.SelfPickupStaff,
				cfg.Shipping.NearMiss,
				telemetry.NewScopedAPI("router", tel),
			),
			Audit:    audit,
			Notifier: notifier,
		},
		clock,
		telemetry.NewScopedAPI("pipeline", tel),
	)
}

// setup loads the configuration and builds every component. Errors here are
// startup errors and end the process. Once the configuration is known they are
// also sent to the configured notifiers.
func setup(ctx context.Context) (*app, error) {
	telemetry.InitSlog(verbose)
	if verbose {
		slog.DebugContext(ctx, "verbose logging enabled")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, tel: telemetry.SlogAPI{}}
	a.notifier = newNotifier(cfg, a.tel)
	fail := func(err error) (*app, error) {
		a.Close()
		notify.Deliver(ctx, a.notifier, notify.Fatal(fmt.Errorf("startup: %w", err), time.Now()), a.tel)
		return nil, err
	}

	a.otel, err = telemetry.Setup(ctx, "shipflow", cfg.Telemetry)
	if err != nil {
		return fail(fmt.Errorf("setup telemetry: %w", err))
	}

	a.clock, err = chrono.NewStandardImpl(cfg.System.Timezone)
	if err != nil {
		return fail(failure.Configuration("system.timezone", err))
	}

	a.lock, err = acquireLock(cfg.Paths.Lock)
	if err != nil {
		return fail(err)
	}

	if cfg.Paths.Audit != "" {
		a.audit, err = records.OpenJSONLog(cfg.Paths.Audit)
		if err != nil {
			return fail(fmt.Errorf("open audit log: %w", err))
		}
	}
	var audit records.AuditLog = &records.MemoryLog{}
	if a.audit != nil {
		audit = a.audit
	}

	a.orch, err = newOrchestrator(cfg, a.clock, a.tel, audit, a.notifier)
	if err != nil {
		return fail(err)
	}
	return a, nil
}
