package host

import (
	"fmt"
	"net"
	"strconv"

	"github.com/puyokura/hallmesh/model"
)

const (
	DefaultBasePort     = 7331
	DefaultPortAttempts = 20
)

// Bind listens on the first free port in [base, base+attempts). It returns
// model.ErrBindExhausted when every port is taken.
func Bind(host string, base, attempts int) (net.Listener, error) {
	if attempts <= 0 {
		attempts = DefaultPortAttempts
	}
	var last error
	for i := range attempts {
		addr := net.JoinHostPort(host, strconv.Itoa(base+i))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		last = err
	}
	return nil, fmt.Errorf("%w: ports %d-%d on %q: %v", model.ErrBindExhausted, base, base+attempts-1, host, last)
}
