package orders

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"shipflow/internal/components/assert"
	"shipflow/internal/components/telemetry"
	"shipflow/internal/failure"
	"shipflow/internal/session"
	"shipflow/lib/textutil"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

const report_export = "portal.export"

// columns of the portal export
const (
	ColumnSN       = "机号1(sn)"
	ColumnCustomer = "客户姓名"
)

var orderColumns = []string{"工单号", "工单编号", "订单号"}

// status 9 is "completed" on the portal
const completedStatus = "9"

type Portal struct {
	session *session.Manager
	paths   Paths
	agency  string
	tel     telemetry.API
}

func NewPortal(sess *session.Manager, paths Paths, agency string, tel telemetry.API) Portal {
	assert.NotNil(sess)
	assert.NotNil(tel)
	assert.NotEmptyStr(paths.Export)
	return Portal{session: sess, paths: paths, agency: agency, tel: tel}
}

func (p Portal) exportQuery(exportType int) map[string]string {
	return map[string]string{
		"assign":         "",
		"ordername":      "",
		"brand":          "",
		"machinetype":    "",
		"status":         completedStatus,
		"ischangetime":   "",
		"keyword":        "",
		"keywordoption":  "mobile",
		"datetype":       "2",
		"startdate":      "",
		"enddate":        "",
		"day":            "",
		"isremind":       "",
		"iscomplain":     "",
		"isvip":          "2",
		"agency":         p.agency,
		"originname":     "",
		"feedback":       "",
		"innertype":      strconv.Itoa(exportType),
		"overtime":       "",
		"charge":         "0",
		"company":        "",
		"vip":            "",
		"waitpartstatus": "0",
	}
}

// Export downloads the completed orders of one product line as raw CSV bytes.
func (p Portal) Export(ctx context.Context, exportType int) ([]byte, error) {
	res, err := p.session.Do(ctx, session.Request{
		Op:     "export",
		Method: resty.MethodGet,
		Path:   p.paths.Export,
		Query:  p.exportQuery(exportType),
	})
	if err != nil {
		p.tel.ReportWarning(report_export, exportType, err)
		return nil, err
	}
	return res.Body(), nil
}

// Row is one line of an export. Type is empty for portal exports, whose product
// type is implied by the export they came from.
type Row struct {
	Line     int
	SN       string
	Type     string
	OrderRef string
	Customer string
}

// decode turns the export into utf-8, the portal serves GBK.
func decode(data []byte) ([]byte, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return data, nil
	}
	out, _, err := transform.Bytes(simplifiedchinese.GBK.NewDecoder(), data)
	if err != nil {
		return nil, fmt.Errorf("decode gbk: %w", err)
	}
	return out, nil
}

func indexOf(header []string, names ...string) int {
	for i, h := range header {
		h = strings.TrimSpace(h)
		for _, n := range names {
			if h == n {
				return i
			}
		}
	}
	return -1
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// ParseExport reads either the portal export (header row naming the SN column)
// or the plain "SN,TYPE,ORDER[,CUSTOMER]" form. Malformed rows come back as
// *failure.ParseError and never stop the rest of the file.
func ParseExport(data []byte) ([]Row, []error) {
	data, err := decode(data)
	if err != nil {
		return nil, []error{&failure.ParseError{Row: 0, Reason: err.Error()}}
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rows := []Row{}
	errs := []error{}

	snIdx, customerIdx, orderIdx := -1, -1, -1
	portal := false
	line := 0
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			errs = append(errs, &failure.ParseError{Row: line, Reason: err.Error()})
			continue
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}

		if line == 1 {
			if idx := indexOf(record, ColumnSN); idx >= 0 {
				portal = true
				snIdx = idx
				customerIdx = indexOf(record, ColumnCustomer)
				orderIdx = indexOf(record, orderColumns...)
				continue
			}
			if strings.EqualFold(field(record, 0), "sn") {
				continue
			}
		}

		if portal {
			sn := textutil.CleanSN(field(record, snIdx))
			if sn == "" {
				errs = append(errs, &failure.ParseError{Row: line, Field: "sn", Reason: "empty serial number"})
				continue
			}
			rows = append(rows, Row{
				Line:     line,
				SN:       sn,
				OrderRef: textutil.CleanSN(field(record, orderIdx)),
				Customer: field(record, customerIdx),
			})
			continue
		}

		if len(record) < 3 {
			errs = append(errs, &failure.ParseError{
				Row:    line,
				Reason: fmt.Sprintf("expected at least 3 fields, got %d", len(record)),
			})
			continue
		}
		sn := textutil.CleanSN(record[0])
		if sn == "" {
			errs = append(errs, &failure.ParseError{Row: line, Field: "sn", Reason: "empty serial number"})
			continue
		}
		rows = append(rows, Row{
			Line:     line,
			SN:       sn,
			Type:     field(record, 1),
			OrderRef: field(record, 2),
			Customer: field(record, 3),
		})
	}
	return rows, errs
}
