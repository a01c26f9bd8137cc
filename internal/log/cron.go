package log

// CronLogger satisfies cron.Logger so scheduler messages share the
// application log stream.
type CronLogger struct{}

func (CronLogger) Info(msg string, keysAndValues ...interface{}) {
	Debug("cron: "+msg, keysAndValues...)
}

func (CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	Error("cron: "+msg, err, keysAndValues...)
}
