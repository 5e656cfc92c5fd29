package runtime

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvTestPlan           = "TEST_PLAN"
	EnvTestCase           = "TEST_CASE"
	EnvTestRun            = "TEST_RUN"
	EnvTestGroupID        = "TEST_GROUP_ID"
	EnvTestSidecar        = "TEST_SIDECAR"
	EnvTestSubnet         = "TEST_SUBNET"
	EnvTestInstanceCount  = "TEST_INSTANCE_COUNT"
	EnvTestInstanceParams = "TEST_INSTANCE_PARAMS"
	EnvTestOutputsPath    = "TEST_OUTPUTS_PATH"
)

// processStart is captured as early as possible; scenario metrics that are
// expressed "since startup" are measured against it.
var processStart = time.Now()

// IPNet is a net.IPNet that (un)marshals from/to its CIDR notation.
type IPNet struct {
	net.IPNet
}

func (i IPNet) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *IPNet) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		return nil
	}
	_, n, err := net.ParseCIDR(string(text))
	if err != nil {
		return err
	}
	i.IPNet = *n
	return nil
}

// RunParams encapsulates the parameters of this test run, as handed over by
// the runner.
type RunParams struct {
	TestPlan    string `json:"plan"`
	TestCase    string `json:"case"`
	TestRun     string `json:"run"`
	TestGroupID string `json:"group,omitempty"`

	TestInstanceCount  int               `json:"instances"`
	TestInstanceParams map[string]string `json:"params,omitempty"`

	// TestSidecar is true if the instance can talk to a sidecar that shapes
	// the data network.
	TestSidecar bool   `json:"sidecar,omitempty"`
	TestSubnet  *IPNet `json:"network,omitempty"`

	// TestOutputsPath is the directory where run.out is written, if set.
	TestOutputsPath string `json:"outputs_path,omitempty"`
}

// ToEnvVars returns the environment variables an instance would receive for
// these params.
func (rp *RunParams) ToEnvVars() map[string]string {
	out := map[string]string{
		EnvTestPlan:           rp.TestPlan,
		EnvTestCase:           rp.TestCase,
		EnvTestRun:            rp.TestRun,
		EnvTestGroupID:        rp.TestGroupID,
		EnvTestSidecar:        strconv.FormatBool(rp.TestSidecar),
		EnvTestInstanceCount:  strconv.Itoa(rp.TestInstanceCount),
		EnvTestInstanceParams: packParams(rp.TestInstanceParams),
		EnvTestOutputsPath:    rp.TestOutputsPath,
	}
	if rp.TestSubnet != nil {
		out[EnvTestSubnet] = rp.TestSubnet.String()
	}
	return out
}

// RunEnv encapsulates the context for this test run.
type RunEnv struct {
	RunParams

	// StartedAt is the instant this instance started.
	StartedAt time.Time

	logger  *zap.Logger
	slogger *zap.SugaredLogger
}

// Option customizes a RunEnv created with NewRunEnv.
type Option func(*runEnvOptions)

type runEnvOptions struct {
	core      zapcore.Core
	startedAt time.Time
}

// WithCore routes the output events of the RunEnv to the supplied core
// instead of stdout and run.out.
func WithCore(core zapcore.Core) Option {
	return func(o *runEnvOptions) {
		o.core = core
	}
}

// WithStartTime overrides the start instant of the instance.
func WithStartTime(t time.Time) Option {
	return func(o *runEnvOptions) {
		o.startedAt = t
	}
}

// NewRunEnv constructs a RunEnv from the supplied params.
func NewRunEnv(params RunParams, opts ...Option) *RunEnv {
	o := runEnvOptions{startedAt: time.Now()}
	for _, opt := range opts {
		opt(&o)
	}

	re := &RunEnv{RunParams: params, StartedAt: o.startedAt}
	if re.TestInstanceParams == nil {
		re.TestInstanceParams = make(map[string]string)
	}
	re.initLoggers(o.core)
	return re
}

// CurrentRunEnv populates a test context from environment vars.
func CurrentRunEnv() (*RunEnv, error) {
	params, err := ParseRunParams(os.Environ())
	if err != nil {
		return nil, err
	}
	return NewRunEnv(*params, WithStartTime(processStart)), nil
}

// ParseRunParams parses a list of environment variables into RunParams.
func ParseRunParams(env []string) (*RunParams, error) {
	m, err := ParseKeyValues(env)
	if err != nil {
		return nil, err
	}

	rp := &RunParams{
		TestPlan:           m[EnvTestPlan],
		TestCase:           m[EnvTestCase],
		TestRun:            m[EnvTestRun],
		TestGroupID:        m[EnvTestGroupID],
		TestSidecar:        toBool(m[EnvTestSidecar]),
		TestInstanceParams: unpackParams(m[EnvTestInstanceParams]),
		TestOutputsPath:    m[EnvTestOutputsPath],
	}

	if v := m[EnvTestInstanceCount]; v != "" {
		if rp.TestInstanceCount, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", EnvTestInstanceCount, v, err)
		}
	}

	if v := m[EnvTestSubnet]; v != "" {
		rp.TestSubnet = new(IPNet)
		if err := rp.TestSubnet.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", EnvTestSubnet, v, err)
		}
	}

	return rp, nil
}

// ParseKeyValues converts a list of KEY=VALUE strings into a map.
func ParseKeyValues(in []string) (map[string]string, error) {
	res := make(map[string]string, len(in))
	for _, d := range in {
		splt := strings.SplitN(d, "=", 2)
		if len(splt) < 2 {
			return nil, fmt.Errorf("invalid key-value: %s", d)
		}
		res[splt[0]] = splt[1]
	}
	return res, nil
}

// SLogger returns the sugared logger of this instance.
func (re *RunEnv) SLogger() *zap.SugaredLogger {
	return re.slogger
}

// Loggers returns the loggers populated from this runenv.
func (re *RunEnv) Loggers() (*zap.Logger, *zap.SugaredLogger) {
	return re.logger, re.slogger
}

// Elapsed returns the time elapsed since the instance started, as measured
// by now.
func (re *RunEnv) Elapsed(now time.Time) time.Duration {
	return now.Sub(re.StartedAt)
}

func (re *RunEnv) initLoggers(core zapcore.Core) {
	if core == nil {
		level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
		if l := os.Getenv("LOG_LEVEL"); l != "" {
			_ = level.UnmarshalText([]byte(l))
		}

		outputs := []string{"stdout"}
		if re.TestOutputsPath != "" {
			outputs = append(outputs, re.TestOutputsPath+string(os.PathSeparator)+"run.out")
		}

		enc := zap.NewProductionEncoderConfig()
		enc.NameKey = ""
		enc.EncodeTime = zapcore.EpochNanosTimeEncoder

		cfg := zap.Config{
			Level:             level,
			DisableCaller:     true,
			DisableStacktrace: true,
			Encoding:          "json",
			EncoderConfig:     enc,
			OutputPaths:       outputs,
			ErrorOutputPaths:  []string{"stderr"},
		}

		l, err := cfg.Build()
		if err != nil {
			panic(err)
		}
		core = l.Core()
	}

	re.logger = zap.New(core).With(
		zap.String("run_id", re.TestRun),
		zap.String("group_id", re.TestGroupID),
	)
	re.slogger = re.logger.Sugar()
}

func packParams(in map[string]string) string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	arr := make([]string, 0, len(in))
	for _, k := range keys {
		arr = append(arr, k+"="+in[k])
	}
	return strings.Join(arr, "|")
}

func unpackParams(packed string) map[string]string {
	spltparams := strings.Split(packed, "|")
	params := make(map[string]string, len(spltparams))
	for _, s := range spltparams {
		v := strings.SplitN(s, "=", 2)
		if len(v) != 2 {
			continue
		}
		params[v[0]] = v[1]
	}
	return params
}

func toBool(s string) bool {
	v, _ := strconv.ParseBool(s)
	return v
}
