package runtime

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/mapstructure"
)

// IsParamSet checks if a certain parameter is set.
func (re *RunEnv) IsParamSet(name string) bool {
	_, ok := re.TestInstanceParams[name]
	return ok
}

// StringParam returns a string parameter. It panics if the parameter is not
// set.
func (re *RunEnv) StringParam(name string) string {
	v, ok := re.TestInstanceParams[name]
	if !ok {
		panic(fmt.Errorf("%s was not set", name))
	}
	return v
}

// IntParam returns an int parameter. It panics if the parameter is not set
// or the conversion fails.
func (re *RunEnv) IntParam(name string) int {
	v, err := re.intParam(name)
	if err != nil {
		panic(err)
	}
	return v
}

func (re *RunEnv) intParam(name string) (int, error) {
	v, ok := re.TestInstanceParams[name]
	if !ok {
		return 0, fmt.Errorf("%s was not set", name)
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s is not an integer: %w", name, err)
	}
	return i, nil
}

// BooleanParam returns the Boolean value of the parameter, or false if not
// passed.
func (re *RunEnv) BooleanParam(name string) bool {
	v, _ := strconv.ParseBool(re.TestInstanceParams[name])
	return v
}

// BytesParam parses a human readable size ("1MiB", "512kB") parameter into a
// number of bytes. It panics on error.
func (re *RunEnv) BytesParam(name string) uint64 {
	v, ok := re.TestInstanceParams[name]
	if !ok {
		panic(fmt.Errorf("%s was not set", name))
	}
	m, err := humanize.ParseBytes(v)
	if err != nil {
		panic(err)
	}
	return m
}

// DurationParam parses a duration parameter. Bare integers are interpreted
// in the supplied unit, so that `latency=100` with unit time.Millisecond means
// 100ms.
func (re *RunEnv) DurationParam(name string, unit time.Duration) (time.Duration, error) {
	v, ok := re.TestInstanceParams[name]
	if !ok {
		return 0, fmt.Errorf("%s was not set", name)
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(i) * unit, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s is not a duration: %w", name, err)
	}
	return d, nil
}

// DecodeParams decodes the instance params into the struct pointed to by
// out, matching the `param` struct tags. Values are weakly typed, so "9000"
// decodes into an int and "2s" into a time.Duration.
func (re *RunEnv) DecodeParams(out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "param",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(re.TestInstanceParams); err != nil {
		return fmt.Errorf("failed to decode test params: %w", err)
	}
	return nil
}
