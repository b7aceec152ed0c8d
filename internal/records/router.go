package records

import (
	"shipflow/internal/components/assert"
	"shipflow/internal/components/telemetry"
	"shipflow/lib/textutil"
)

const report_near_miss = "router.near-miss"

// Router picks the shipping route from the recipient name. Only an exact,
// case-sensitive match against the staff allow-list is self pickup.
type Router struct {
	staff     map[string]struct{}
	names     []string
	threshold float64
	tel       telemetry.API
}

// NewRouter builds a router, threshold is the similarity above which a
// non-matching name is reported as a probable typo. Zero disables the report.
func NewRouter(staff []string, threshold float64, tel telemetry.API) Router {
	assert.NotNil(tel)
	set := make(map[string]struct{}, len(staff))
	for _, name := range staff {
		set[name] = struct{}{}
	}
	return Router{staff: set, names: staff, threshold: threshold, tel: tel}
}

func (r Router) Route(recipient string) Route {
	if _, ok := r.staff[recipient]; ok {
		return SelfPickup
	}
	if r.threshold > 0 && recipient != "" {
		match, ok := textutil.NearMiss(recipient, r.names, r.threshold)
		if ok {
			r.tel.ReportWarning(report_near_miss, recipient, match)
		}
	}
	return Courier
}
