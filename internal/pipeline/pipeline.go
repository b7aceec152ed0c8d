// Package pipeline runs a cycle: download completed orders, pick every unit,
// then ship the units the logistics listing releases.
package pipeline

import (
	"context"
	"fmt"
	"shipflow/internal/components/assert"
	"shipflow/internal/components/chrono"
	"shipflow/internal/components/telemetry"
	"shipflow/internal/failure"
	"shipflow/internal/notify"
	"shipflow/internal/portals/logistics"
	"shipflow/internal/portals/picking"
	"shipflow/internal/records"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("shipflow/pipeline")
	meter  = otel.Meter("shipflow/pipeline")
)

const (
	report_download     = "pipeline.download"
	report_parse        = "pipeline.parse"
	report_pick         = "pipeline.pick"
	report_list         = "pipeline.list"
	report_ship         = "pipeline.ship"
	report_unlisted     = "pipeline.unlisted"
	report_backend_down = "pipeline.backend-aborted"
	report_cancelled    = "pipeline.cancelled"
	report_record       = "pipeline.record"
)

// backend names used in summaries and notifications
const (
	BackendOrders    = "orders"
	BackendPicking   = "picking"
	BackendLogistics = "logistics"
)

type OrdersPortal interface {
	Export(ctx context.Context, exportType int) ([]byte, error)
}

type PickingPortal interface {
	QuerySN(ctx context.Context, sn string) (picking.Item, error)
	CreateSlip(ctx context.Context, item picking.Item) (string, error)
	QueryPickDetail(ctx context.Context, slipNo string) error
	ConfirmPick(ctx context.Context, slipNo, sn string) error
}

type LogisticsPortal interface {
	ListShippable(ctx context.Context, w logistics.Window) ([]logistics.Row, error)
	Ship(ctx context.Context, row logistics.Row, route records.Route) (string, error)
}

// ProductType is one product line. Each is downloaded with its own export.
type ProductType struct {
	Name       string
	ExportType int
	// Prefixes, when any product type has them, decide the type of portal
	// export rows by serial number prefix.
	Prefixes []string
}

type Options struct {
	ProductTypes []ProductType
	DaysBack     int
	Router       records.Router
	Audit        records.AuditLog
	Notifier     notify.Notifier
}

type Orchestrator struct {
	orders    OrdersPortal
	picking   PickingPortal
	logistics LogisticsPortal
	opts      Options
	time      chrono.API
	tel       telemetry.API

	unitsPicked  metric.Int64Counter
	unitsShipped metric.Int64Counter
	unitsFailed  metric.Int64Counter
}

func NewOrchestrator(
	orders OrdersPortal,
	picking PickingPortal,
	logistics LogisticsPortal,
	opts Options,
	time chrono.API,
	tel telemetry.API,
) (*Orchestrator, error) {
	assert.NotNil(orders)
	assert.NotNil(picking)
	assert.NotNil(logistics)
	assert.NotNil(opts.Audit)
	assert.NotNil(time)
	assert.NotNil(tel)
	if len(opts.ProductTypes) == 0 {
		return nil, failure.Configuration("product_types", fmt.Errorf("no product types configured"))
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Noop{}
	}

	o := &Orchestrator{
		orders:    orders,
		picking:   picking,
		logistics: logistics,
		opts:      opts,
		time:      time,
		tel:       tel,
	}

	var err error
	o.unitsPicked, err = meter.Int64Counter(
		"shipflow.units_picked",
		metric.WithDescription("Units whose pick was confirmed."),
	)
	if err != nil {
		return nil, err
	}
	o.unitsShipped, err = meter.Int64Counter(
		"shipflow.units_shipped",
		metric.WithDescription("Units whose shipment was confirmed."),
	)
	if err != nil {
		return nil, err
	}
	o.unitsFailed, err = meter.Int64Counter(
		"shipflow.units_failed",
		metric.WithDescription("Unit step failures."),
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// cycle is the state of one RunCycle call.
type cycle struct {
	store   *records.Store
	summary *Summary
	// aborted holds the backends that failed authentication, their remaining
	// steps are skipped for the rest of the cycle.
	aborted map[string]error
}

func (c *cycle) abort(backend string, err error) {
	if _, done := c.aborted[backend]; done {
		return
	}
	c.aborted[backend] = err
	c.summary.AuthFailures[backend] = err.Error()
}

func (c *cycle) isAborted(backend string) bool {
	_, ok := c.aborted[backend]
	return ok
}

func (o *Orchestrator) newCycle() *cycle {
	id := uuid.NewString()
	return &cycle{
		store: records.NewStore(id, o.opts.Audit, o.time, o.tel),
		summary: &Summary{
			CycleID:      id,
			StartedAt:    o.time.Now(),
			AuthFailures: map[string]string{},
		},
		aborted: map[string]error{},
	}
}

// RunCycle processes every product type in order and returns what happened. It
// never returns early on a unit failure: only authentication failures stop a
// backend and only cancellation stops the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) Summary {
	ctx, span := tracer.Start(ctx, "RunCycle")
	defer span.End()

	c := o.newCycle()
	span.SetAttributes(attribute.String("cycle_id", c.summary.CycleID))
	o.tel.ReportDebug("cycle started", c.summary.CycleID)

	for _, pt := range o.opts.ProductTypes {
		if o.cancelled(ctx, c) {
			break
		}
		o.download(ctx, c, pt)
		if o.cancelled(ctx, c) {
			break
		}
		o.pick(ctx, c, pt)
		if o.cancelled(ctx, c) {
			break
		}
		o.ship(ctx, c, pt)
	}

	c.summary.fill(c.store.Counts())
	c.summary.FinishedAt = o.time.Now()
	if c.summary.Cancelled {
		span.SetStatus(codes.Error, "cancelled")
	}

	notify.Deliver(ctx, o.opts.Notifier, c.summary.Event(), o.tel)
	return *c.summary
}

func (o *Orchestrator) cancelled(ctx context.Context, c *cycle) bool {
	if ctx.Err() == nil {
		return false
	}
	if !c.summary.Cancelled {
		c.summary.Cancelled = true
		o.tel.ReportWarning(report_cancelled, c.summary.CycleID, ctx.Err())
	}
	return true
}

// escalate handles an error that escaped a backend call. Authentication and
// configuration errors abort the backend and page the operator.
func (o *Orchestrator) escalate(ctx context.Context, c *cycle, backend string, err error) {
	if !failure.Escapes(err) || c.isAborted(backend) {
		return
	}
	c.abort(backend, err)
	o.tel.ReportWarning(report_backend_down, backend, err)

	event := notify.Fatal(fmt.Errorf("%s: %w", backend, err), o.time.Now())
	if failure.IsAuth(err) {
		event = notify.LoginFailure(backend, err, o.time.Now())
	}
	notify.Deliver(ctx, o.opts.Notifier, event, o.tel)
}

// during names the sub-step an error came from, unless it already does.
func during(substep string, err error) error {
	if strings.HasPrefix(err.Error(), substep+":") {
		return err
	}
	return fmt.Errorf("%s: %w", substep, err)
}

func (o *Orchestrator) fail(c *cycle, sn string, step records.Step, pt string, err error) {
	ferr := c.store.Fail(sn, step, err)
	if ferr != nil {
		o.tel.ReportBroken(report_record, sn, ferr)
	}
	o.unitsFailed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("step", string(step)),
		attribute.String("product_type", pt),
		attribute.String("reason", failure.Reason(err)),
	))
}
