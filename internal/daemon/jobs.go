package daemon

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// job is a named periodic task run by the daemon's cron.
type job struct {
	name string
	run  func(ctx context.Context) error
}

type scheduledJob struct {
	every time.Duration
	job   job
}

// addJob registers j to run every interval. Overlapping runs are skipped
// by the cron chain.
func (d *Daemon) addJob(ctx context.Context, every time.Duration, j job) error {
	_, err := d.cron.AddFunc("@every "+every.String(), func() {
		if ctx.Err() != nil {
			return
		}
		d.Log.Debug().Str("job", j.name).Msg("running job")
		if err := j.run(ctx); err != nil {
			d.Log.Error().Err(err).Str("job", j.name).Msg("job failed")
		}
	})
	if err != nil {
		return err
	}
	d.Log.Debug().Str("job", j.name).Dur("every", every).Msg("job registered")
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

var _ cron.Logger = cronLogger{}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
