package pipeline

import (
	"context"
	"errors"
	"fmt"
	"shipflow/internal/failure"
	"shipflow/internal/portals/logistics"
	"shipflow/internal/portals/orders"
	"shipflow/internal/records"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

func (o *Orchestrator) hasPrefixes() bool {
	for _, pt := range o.opts.ProductTypes {
		if len(pt.Prefixes) > 0 {
			return true
		}
	}
	return false
}

// classify resolves the product type of an export row. A type column must
// name a configured product type. Without one, the serial number prefix decides
// when prefixes are configured, otherwise the export the row came from does.
func (o *Orchestrator) classify(row orders.Row, export ProductType) (string, error) {
	if row.Type != "" {
		for _, pt := range o.opts.ProductTypes {
			if pt.Name == row.Type {
				return pt.Name, nil
			}
		}
		return "", &failure.ParseError{
			Row:    row.Line,
			Field:  "type",
			Reason: fmt.Sprintf("unknown product type %q", row.Type),
		}
	}

	if !o.hasPrefixes() {
		return export.Name, nil
	}
	for _, pt := range o.opts.ProductTypes {
		for _, prefix := range pt.Prefixes {
			if strings.HasPrefix(row.SN, prefix) {
				return pt.Name, nil
			}
		}
	}
	return "", &failure.ParseError{
		Row:    row.Line,
		Field:  "sn",
		Reason: fmt.Sprintf("no product type for serial number %q", row.SN),
	}
}

// download exports the completed orders of pt and adds every valid row to
// the store as a Parsed unit.
func (o *Orchestrator) download(ctx context.Context, c *cycle, pt ProductType) {
	if c.isAborted(BackendOrders) {
		return
	}
	ctx, span := tracer.Start(ctx, "download")
	span.SetAttributes(attribute.String("product_type", pt.Name))
	defer span.End()

	data, err := o.orders.Export(ctx, pt.ExportType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "export failed")
		o.tel.ReportWarning(report_download, pt.Name, err)
		c.summary.StepErrors = append(c.summary.StepErrors, fmt.Sprintf("download %s: %s", pt.Name, err))
		o.escalate(ctx, c, BackendOrders, err)
		return
	}

	rows, parseErrs := orders.ParseExport(data)
	for _, row := range rows {
		name, err := o.classify(row, pt)
		if err == nil {
			err = c.store.Add(records.Unit{
				SN:           row.SN,
				ProductType:  name,
				OrderRef:     row.OrderRef,
				CustomerName: row.Customer,
			})
			if errors.Is(err, records.ErrDuplicate) {
				err = &failure.ParseError{Row: row.Line, Field: "sn", Reason: err.Error()}
			}
		}
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
	}

	for _, err := range parseErrs {
		o.tel.ReportWarning(report_parse, pt.Name, err)
	}
	c.summary.ParseErrors += len(parseErrs)
	o.tel.ReportDebug(
		"export parsed",
		pt.Name,
		fmt.Sprintf("%d rows", len(rows)),
		fmt.Sprintf("%d errors", len(parseErrs)),
	)
}

func (o *Orchestrator) pickable(pt ProductType) func(records.Unit) bool {
	return func(u records.Unit) bool {
		return u.ProductType == pt.Name && u.State == records.Parsed
	}
}

// pick runs the four picking sub-steps for every Parsed unit of pt.
func (o *Orchestrator) pick(ctx context.Context, c *cycle, pt ProductType) {
	ctx, span := tracer.Start(ctx, "pick")
	span.SetAttributes(attribute.String("product_type", pt.Name))
	defer span.End()

	for _, unit := range c.store.Select(o.pickable(pt)) {
		if c.isAborted(BackendPicking) || o.cancelled(ctx, c) {
			return
		}
		o.pickUnit(ctx, c, unit)
	}
}

func (o *Orchestrator) pickUnit(ctx context.Context, c *cycle, unit records.Unit) {
	err := c.store.BeginPick(unit.SN)
	if errors.Is(err, records.ErrAlreadyAdvanced) {
		return
	}
	if err != nil {
		o.tel.ReportBroken(report_record, unit.SN, err)
		return
	}

	slipNo, err := o.pickSequence(ctx, unit.SN)
	if err != nil {
		o.tel.ReportWarning(report_pick, unit.SN, err)
		o.fail(c, unit.SN, records.StepPick, unit.ProductType, err)
		o.escalate(ctx, c, BackendPicking, err)
		return
	}

	err = c.store.CompletePick(unit.SN, slipNo)
	if err != nil {
		o.tel.ReportBroken(report_record, unit.SN, err)
		return
	}
	o.unitsPicked.Add(ctx, 1, metric.WithAttributes(attribute.String("product_type", unit.ProductType)))
}

func (o *Orchestrator) pickSequence(ctx context.Context, sn string) (string, error) {
	item, err := o.picking.QuerySN(ctx, sn)
	if err != nil {
		return "", during("query-sn", err)
	}
	slipNo, err := o.picking.CreateSlip(ctx, item)
	if err != nil {
		return "", during("create-slip", err)
	}
	err = o.picking.QueryPickDetail(ctx, slipNo)
	if err != nil {
		return slipNo, during("query-pick-detail", err)
	}
	err = o.picking.ConfirmPick(ctx, slipNo, sn)
	if err != nil {
		return slipNo, during("confirm-pick", err)
	}
	return slipNo, nil
}

// ship lists the shippable slips and ships the ones whose unit was picked in
// this cycle. Listed units that were not picked here are left alone.
func (o *Orchestrator) ship(ctx context.Context, c *cycle, pt ProductType) {
	if c.isAborted(BackendLogistics) {
		return
	}
	picked := c.store.Select(func(u records.Unit) bool {
		return u.ProductType == pt.Name && u.State == records.Picked
	})
	if len(picked) == 0 {
		return
	}

	ctx, span := tracer.Start(ctx, "ship")
	span.SetAttributes(attribute.String("product_type", pt.Name))
	defer span.End()

	window := logistics.WindowEndingAt(o.time.Now(), o.opts.DaysBack)
	rows, err := o.logistics.ListShippable(ctx, window)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing failed")
		o.tel.ReportWarning(report_list, pt.Name, err)
		c.summary.StepErrors = append(c.summary.StepErrors, fmt.Sprintf("list %s: %s", pt.Name, err))
		o.escalate(ctx, c, BackendLogistics, err)
		return
	}

	pending := map[string]bool{}
	for _, u := range picked {
		pending[u.SN] = true
	}

	for _, row := range rows {
		if !pending[row.SN()] {
			continue
		}
		if c.isAborted(BackendLogistics) || o.cancelled(ctx, c) {
			return
		}
		delete(pending, row.SN())
		o.shipUnit(ctx, c, row)
	}

	for sn := range pending {
		o.tel.ReportDebug("picked unit not listed as shippable yet", sn)
	}
	if len(pending) > 0 {
		o.tel.ReportCount(report_unlisted, int64(len(pending)))
	}
}

func (o *Orchestrator) shipUnit(ctx context.Context, c *cycle, row logistics.Row) {
	sn := row.SN()
	err := c.store.MarkShipEligible(sn, row.SlipNo())
	if err != nil {
		o.tel.ReportBroken(report_record, sn, err)
		return
	}

	unit, _ := c.store.Get(sn)
	route := o.opts.Router.Route(unit.CustomerName)
	err = c.store.BeginShip(sn, route)
	if err != nil {
		o.tel.ReportBroken(report_record, sn, err)
		return
	}

	txID, err := o.logistics.Ship(ctx, row, route)
	if err != nil {
		o.tel.ReportWarning(report_ship, sn, err)
		o.fail(c, sn, records.StepShip, unit.ProductType, during("ship", err))
		o.escalate(ctx, c, BackendLogistics, err)
		return
	}

	err = c.store.CompleteShip(sn, txID)
	if err != nil {
		o.tel.ReportBroken(report_record, sn, err)
		return
	}
	o.unitsShipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("product_type", unit.ProductType),
		attribute.String("route", string(route)),
	))
}
