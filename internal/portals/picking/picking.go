// Package picking drives the RF endpoints of the warehouse picking portal. One
// unit is picked with four calls: look up the SN, create an outbound slip, load
// the pick detail, confirm the pick.
package picking

import (
	"context"
	"encoding/json"
	"fmt"
	"shipflow/internal/components/assert"
	"shipflow/internal/components/telemetry"
	"shipflow/internal/failure"
	"shipflow/internal/portals/wms"
	"shipflow/internal/session"
	"strings"
)

const (
	report_query_sn     = "picking.query-sn"
	report_create_slip  = "picking.create-slip"
	report_pick_detail  = "picking.query-pick-detail"
	report_confirm_pick = "picking.confirm-pick"
)

type Paths struct {
	QuerySN     string
	CreateSlip  string
	PickDetail  string
	ConfirmPick string
}

func DefaultPaths() Paths {
	return Paths{
		QuerySN:     "/wms-web/rfweb/rfController/querySoSkuBySn",
		CreateSlip:  "/wms-web/rfweb/rfController/saveWmsSoOrder",
		PickDetail:  "/wms-web/rfweb/rfController/WMSRF_PK_QueryPickDetail",
		ConfirmPick: "/wms-web/rfweb/rfController/pickBySnCode",
	}
}

// SlipType is the outbound order type used for slips created while picking.
const SlipType = "YHJCK"

// Item is the SKU document returned for an SN, passed back untouched when the
// slip is created.
type Item = json.RawMessage

type Portal struct {
	session *session.Manager
	paths   Paths
	tel     telemetry.API
}

func NewPortal(sess *session.Manager, paths Paths, tel telemetry.API) Portal {
	assert.NotNil(sess)
	assert.NotNil(tel)
	assert.NotEmptyStr(paths.QuerySN)
	assert.NotEmptyStr(paths.CreateSlip)
	assert.NotEmptyStr(paths.PickDetail)
	assert.NotEmptyStr(paths.ConfirmPick)
	return Portal{session: sess, paths: paths, tel: tel}
}

func rejection(env wms.Envelope, fallback string) error {
	msg := env.Msg
	if msg == "" {
		msg = fallback
	}
	return failure.Business(env.CodeString(), msg)
}

func (p Portal) QuerySN(ctx context.Context, sn string) (Item, error) {
	env, err := wms.QueryData(ctx, p.session, "query-sn", p.paths.QuerySN, map[string]any{
		"snCode": sn,
	})
	if err != nil {
		p.tel.ReportWarning(report_query_sn, sn, err)
		return nil, err
	}
	if !env.HasData() {
		return nil, rejection(env, fmt.Sprintf("no item found for %s", sn))
	}
	return Item(env.Data), nil
}

// CreateSlip creates an outbound slip for item and returns its number.
func (p Portal) CreateSlip(ctx context.Context, item Item) (string, error) {
	env, err := wms.PostData(ctx, p.session, "create-slip", p.paths.CreateSlip, map[string]any{
		"customerCode": nil,
		"customerName": nil,
		"items":        []json.RawMessage{item},
		"soType":       SlipType,
		"whCode":       nil,
		"whName":       nil,
	})
	if err != nil {
		p.tel.ReportWarning(report_create_slip, err)
		return "", err
	}

	var slipNo string
	if env.HasData() {
		err = json.Unmarshal(env.Data, &slipNo)
		if err != nil {
			// some deployments answer with the number unquoted
			slipNo = strings.Trim(string(env.Data), `" `)
		}
	}
	if slipNo == "" {
		return "", rejection(env, "slip was not created")
	}
	return slipNo, nil
}

func (p Portal) QueryPickDetail(ctx context.Context, slipNo string) error {
	env, err := wms.QueryData(ctx, p.session, "query-pick-detail", p.paths.PickDetail, map[string]any{
		"allocId":      nil,
		"currentIndex": 1,
		"pickNo":       nil,
		"soDeliver":    "Y",
		"soNo":         slipNo,
		"toId":         nil,
	})
	if err != nil {
		p.tel.ReportWarning(report_pick_detail, slipNo, err)
		return err
	}
	if !env.Succeeded() && !env.HasData() {
		return rejection(env, "pick detail unavailable")
	}
	return nil
}

func (p Portal) ConfirmPick(ctx context.Context, slipNo, sn string) error {
	env, err := wms.PostData(ctx, p.session, "confirm-pick", p.paths.ConfirmPick, map[string]any{
		"soNo":   slipNo,
		"snCode": sn,
	})
	if err != nil {
		p.tel.ReportWarning(report_confirm_pick, sn, err)
		return err
	}
	if !env.Succeeded() {
		return rejection(env, "pick was not confirmed")
	}
	return nil
}
