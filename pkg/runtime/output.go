package runtime

import (
	"fmt"

	"go.uber.org/zap"
)

var Types = struct{ Start, Message, Metric, Finish zap.Field }{
	Start:   zap.String("type", "start"),
	Message: zap.String("type", "message"),
	Metric:  zap.String("type", "metric"),
	Finish:  zap.String("type", "finish"),
}

var Outcomes = struct{ Success, Failure, Crash zap.Field }{
	Success: zap.String("outcome", "success"),
	Failure: zap.String("outcome", "failure"),
	Crash:   zap.String("outcome", "crash"),
}

// MetricDefinition describes a metric emitted by a test instance.
type MetricDefinition struct {
	Name           string
	Unit           string
	ImprovementDir int
}

// RecordMessage records an informational message.
func (re *RunEnv) RecordMessage(msg string, a ...interface{}) {
	if len(a) > 0 {
		msg = fmt.Sprintf(msg, a...)
	}
	re.logger.Info(msg, Types.Message)
}

// RecordStart records that the calling instance started.
func (re *RunEnv) RecordStart() {
	re.logger.Info("",
		Types.Start,
		zap.String("plan", re.TestPlan),
		zap.String("case", re.TestCase),
		zap.String("run", re.TestRun),
		zap.Int("instances", re.TestInstanceCount),
		zap.String("group", re.TestGroupID),
	)
}

// RecordSuccess records that the calling instance succeeded.
func (re *RunEnv) RecordSuccess() {
	re.logger.Info("", Types.Finish, Outcomes.Success)
}

// RecordFailure records that the calling instance failed with the supplied
// error.
func (re *RunEnv) RecordFailure(err error) {
	re.logger.Error("", Types.Finish, Outcomes.Failure, zap.Error(err))
}

// RecordCrash records that the calling instance crashed/panicked with the
// supplied error.
func (re *RunEnv) RecordCrash(err interface{}) {
	re.logger.Error("",
		Types.Finish,
		Outcomes.Crash,
		zap.Any("error", err),
		zap.Stack("stacktrace"),
	)
}

// RecordMetric records a metric event associated with the provided metric
// definition, giving it value `value`.
func (re *RunEnv) RecordMetric(metric *MetricDefinition, value float64) {
	re.logger.Info("",
		Types.Metric,
		zap.String("name", metric.Name),
		zap.String("unit", metric.Unit),
		zap.Int("improve_dir", metric.ImprovementDir),
		zap.Float64("value", value),
	)
}
