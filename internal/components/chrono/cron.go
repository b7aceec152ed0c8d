package chrono

import (
	"fmt"
	"shipflow/internal/components/telemetry"

	"github.com/robfig/cron/v3"
)

// CronAPI is the interface that anything depending on things to happen on a cron job should use.
type CronAPI interface {
	Cron(spec string, callback func()) error
	Stop()
}

// StandardCron is the standard implementation of CronAPI using `github.com/robfig/cron/v3`.
type StandardCron struct {
	cron *cron.Cron
}

// NewStandardCron is the constructor of StandardCron. Jobs that are still running when
// their next tick arrives are skipped rather than stacked.
func NewStandardCron(tel telemetry.API, location API) StandardCron {
	logger := cronLogger{tel: tel}
	cronner := cron.New(
		cron.WithLogger(logger),
		cron.WithLocation(location.Location()),
		cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
	)
	cronner.Start()

	return StandardCron{
		cron: cronner,
	}
}

func (s StandardCron) Cron(spec string, callback func()) error {
	_, err := s.cron.AddFunc(spec, callback)
	return err
}

// Stop prevents further ticks and waits for a running job to return.
func (s StandardCron) Stop() {
	<-s.cron.Stop().Done()
}

// Every builds an "@every" spec from a minute interval.
func Every(minutes int) string {
	return fmt.Sprintf("@every %dm", minutes)
}

type cronLogger struct {
	tel telemetry.API
}

func (l cronLogger) formatParams(keysAndValues []any) []any {
	params := []any{}
	for i := 0; i < len(keysAndValues)/2; i++ {
		idx := i * 2
		params = append(params, fmt.Sprintf("%v: %v", keysAndValues[idx], keysAndValues[idx+1]))
	}
	return params
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.tel.ReportDebug(fmt.Sprintf("cron: %s", msg), l.formatParams(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.tel.ReportBroken("cron", append([]any{fmt.Errorf("%s: %w", msg, err)}, l.formatParams(keysAndValues)...)...)
}
