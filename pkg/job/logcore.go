package job

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logCore is a zapcore.Core that appends entries to a job's activity log.
// Fields added through With are not rendered; fields passed at the call
// site are appended to the message as key=value pairs.
type logCore struct {
	zapcore.LevelEnabler
	job *Job
}

func newLogCore(j *Job, level zapcore.LevelEnabler) zapcore.Core {
	return &logCore{LevelEnabler: level, job: j}
}

// loggerFor tees base into the job's activity log.
func loggerFor(base *zap.Logger, j *Job, level zapcore.LevelEnabler) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	core := zapcore.NewTee(base.Core(), newLogCore(j, level))
	return zap.New(core).With(zap.String("job_id", j.ID()))
}

func (c *logCore) With(_ []zapcore.Field) zapcore.Core {
	return c
}

func (c *logCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *logCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	c.job.appendLog(LogEntry{
		Time:    ent.Time.UTC(),
		Level:   levelName(ent.Level),
		Message: renderMessage(ent.Message, fields),
	})
	return nil
}

func (c *logCore) Sync() error {
	return nil
}

func levelName(l zapcore.Level) string {
	switch {
	case l <= zapcore.DebugLevel:
		return "DEBUG"
	case l == zapcore.InfoLevel:
		return "INFO"
	case l == zapcore.WarnLevel:
		return "WARNING"
	default:
		return "ERROR"
	}
}

func renderMessage(msg string, fields []zapcore.Field) string {
	if len(fields) == 0 {
		return msg
	}
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	keys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, enc.Fields[k])
	}
	return b.String()
}
