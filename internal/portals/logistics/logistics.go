// Package logistics lists outbound slips ready to ship and confirms shipment on
// the logistics portal.
package logistics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"shipflow/internal/components/assert"
	"shipflow/internal/components/telemetry"
	"shipflow/internal/failure"
	"shipflow/internal/portals/wms"
	"shipflow/internal/records"
	"shipflow/internal/session"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	report_list_page  = "logistics.list-page"
	report_page_cap   = "logistics.page-cap"
	report_ship       = "logistics.ship"
	report_list_total = "logistics.listed"
)

type Paths struct {
	Collect string
	List    string
	Ship    string
}

func DefaultPaths() Paths {
	return Paths{
		Collect: "/wms-web/oubweb/outboundSoController/collectSoOrderGroupByStatus.shtml",
		List:    "/wms-web/oubweb/outboundSoController/query.shtml",
		Ship:    "/wms-web/oubweb/outboundShippmentController/shipmentByAllocListNew.shtml",
	}
}

type Options struct {
	Paths    Paths
	PageSize int
	// MaxPages stops a listing that never runs out of rows.
	MaxPages    int
	CarrierName string
	CarrierCode string
}

// Row is one listing row kept as the backend sent it, shipping posts it back.
type Row map[string]any

func (r Row) str(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (r Row) SN() string {
	return r.str("invSn")
}

func (r Row) SlipNo() string {
	return r.str("soNo")
}

// Window is the order time range a listing covers.
type Window struct {
	From time.Time
	To   time.Time
}

// WindowEndingAt covers the daysBack days before now, from midnight of the first
// day through the end of today.
func WindowEndingAt(now time.Time, daysBack int) Window {
	start := now.AddDate(0, 0, -daysBack)
	return Window{
		From: time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, now.Location()),
		To:   time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, now.Location()),
	}
}

const timeLayout = "2006-01-02 15:04:05"

type Portal struct {
	session *session.Manager
	opts    Options
	tel     telemetry.API
}

func NewPortal(sess *session.Manager, opts Options, tel telemetry.API) Portal {
	assert.NotNil(sess)
	assert.NotNil(tel)
	assert.NotEmptyStr(opts.Paths.List)
	assert.NotEmptyStr(opts.Paths.Ship)
	if opts.PageSize <= 0 {
		opts.PageSize = 10
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 100
	}
	if opts.CarrierName == "" {
		opts.CarrierName = "顺丰速运"
	}
	if opts.CarrierCode == "" {
		opts.CarrierCode = "shunfeng"
	}
	return Portal{session: sess, opts: opts, tel: tel}
}

func (p Portal) listQuery(w Window, page int) map[string]string {
	return map[string]string{
		"soNo":             "",
		"workOrderNo":      "",
		"omsOrderNo":       "",
		"soType":           "",
		"orderTimeFm":      w.From.Format(timeLayout),
		"orderTimeTo":      w.To.Format(timeLayout),
		"skuBrand":         "",
		"tpyeCode":         "",
		"ownerName":        "",
		"ownerCode":        "",
		"skuName":          "",
		"skuCode":          "",
		"logisticNo":       "",
		"carrierName":      "",
		"carrierCode":      "",
		"shipperWh":        "",
		"lotAtt13":         "",
		"printStatus":      "",
		"pickNo":           "",
		"status":           "00,10,20,30,40,50,60,70,80",
		"page.currentPage": strconv.Itoa(page),
		"page.limitCount":  strconv.Itoa(p.opts.PageSize),
		"wsdStatus":        "60,70,50",
	}
}

type listResponse struct {
	Rows  []Row `json:"rows"`
	Total int   `json:"total"`
}

// ListShippable pages through the outbound listing until a page comes back empty.
// The listing is the authority on which units may ship.
func (p Portal) ListShippable(ctx context.Context, w Window) ([]Row, error) {
	all := []Row{}
	for page := 1; ; page++ {
		if page > p.opts.MaxPages {
			p.tel.ReportWarning(report_page_cap, fmt.Sprintf("stopped after %d pages", p.opts.MaxPages))
			break
		}

		res, err := p.session.Do(ctx, session.Request{
			Op:     "list-shippable",
			Method: resty.MethodGet,
			Path:   p.opts.Paths.List,
			Query:  p.listQuery(w, page),
		})
		if err != nil {
			p.tel.ReportWarning(report_list_page, page, err)
			return all, err
		}

		var body listResponse
		decoder := json.NewDecoder(bytes.NewReader(res.Body()))
		decoder.UseNumber()
		err = decoder.Decode(&body)
		if err != nil {
			return all, fmt.Errorf("list-shippable: page %d: %w", page, err)
		}
		if len(body.Rows) == 0 {
			break
		}
		all = append(all, body.Rows...)
	}

	p.tel.ReportCount(report_list_total, int64(len(all)))
	return all, nil
}

type vas struct {
	TpType            string  `json:"tpType"`
	CarrierName       string  `json:"carrierName"`
	CarrierCode       string  `json:"carrierCode"`
	AllocateInWhNames *string `json:"allocateInWhNames"`
	TransitWarehouse  *string `json:"transitWarehouse"`
	CttaName          *string `json:"cttaName"`
	LogisticType      *string `json:"logisticType"`
	Def1              *string `json:"def1"`
	Weight            *string `json:"weight"`
	Cubic             *string `json:"cubic"`
	InsuredValue      *string `json:"insuredValue"`
	ContactTel        *string `json:"contactTel"`
	TpNo              *string `json:"tpNo"`
	PackageNo         *string `json:"packageNo"`
	SnCode            *string `json:"snCode"`
	SoNo              string  `json:"soNo"`
}

// shipment builds the vasSave document. Self pickup has tpType 3 and no carrier,
// courier shipments have tpType 0 and the configured carrier with an empty
// tracking number.
func (p Portal) shipment(slipNo string, route records.Route) []vas {
	if route == records.SelfPickup {
		return []vas{{TpType: "3", SoNo: slipNo}}
	}
	empty := ""
	return []vas{{
		TpType:      "0",
		CarrierName: p.opts.CarrierName,
		CarrierCode: p.opts.CarrierCode,
		TpNo:        &empty,
		SoNo:        slipNo,
	}}
}

// ShipForm renders the form posted to confirm shipment of row.
func (p Portal) ShipForm(row Row, route records.Route) (map[string]string, error) {
	vasSave, err := json.Marshal(p.shipment(row.SlipNo(), route))
	if err != nil {
		return nil, err
	}

	detail := Row{}
	for k, v := range row {
		detail[k] = v
	}
	detail["id"] = "1"
	detail["rowId"] = "1"
	detail["_index"] = "1"
	allocDetails, err := json.Marshal([]Row{detail})
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"vasSave":      string(vasSave),
		"allocDetails": string(allocDetails),
		"allocateInWh": `""`,
		"soNos":        "",
	}, nil
}

// Ship confirms shipment of one listing row and returns the slip number as the
// transaction id.
func (p Portal) Ship(ctx context.Context, row Row, route records.Route) (string, error) {
	form, err := p.ShipForm(row, route)
	if err != nil {
		return "", fmt.Errorf("ship: encode payload: %w", err)
	}

	res, err := p.session.Do(ctx, session.Request{
		Op:     "ship",
		Method: resty.MethodPost,
		Path:   p.opts.Paths.Ship,
		Form:   form,
	})
	if err != nil {
		p.tel.ReportWarning(report_ship, row.SN(), err)
		return "", err
	}

	env, err := wms.Decode(res.Body())
	if err != nil {
		return "", fmt.Errorf("ship: %w", err)
	}
	if !env.Succeeded() {
		msg := env.Msg
		if msg == "" {
			msg = "shipment was not confirmed"
		}
		return "", failure.Business(env.CodeString(), msg)
	}
	return row.SlipNo(), nil
}

// ProbeForm is the small collect request used to check a cached session.
func ProbeForm() map[string]string {
	return map[string]string{"page.currentPage": "1", "page.limitCount": "1"}
}
