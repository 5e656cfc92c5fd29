package runtime

import (
	"errors"
	"fmt"
	"net"
)

// ErrNoSubnet is returned by DataNetworkIP when the run carries no data
// network.
var ErrNoSubnet = errors.New("no data network subnet in run params")

// Invoke runs the passed test case and records its outcome. Panics are
// recovered and recorded as crashes. The returned error is the test case
// error, or a crash error.
func Invoke(runenv *RunEnv, tc func(*RunEnv) error) (err error) {
	runenv.RecordStart()

	defer func() {
		if r := recover(); r != nil {
			runenv.RecordCrash(r)
			err = fmt.Errorf("test case panicked: %v", r)
		}
	}()

	err = tc(runenv)
	switch err {
	case nil:
		runenv.RecordSuccess()
	default:
		runenv.RecordFailure(err)
	}
	return err
}

// DataNetworkIP returns the IPv4 address of this instance on the data network,
// i.e. the first local interface address contained in TestSubnet.
func (re *RunEnv) DataNetworkIP() (net.IP, error) {
	if re.TestSubnet == nil {
		return nil, ErrNoSubnet
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("failed to list interface addresses: %w", err)
	}

	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipn.IP.To4(); ip4 != nil && re.TestSubnet.Contains(ip4) {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("no interface address in data network %s", re.TestSubnet)
}
