//go:build !linux

package can

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

func newSocketCAN(_ []string, _ bool, _ *zap.Logger) (Adapter, error) {
	return nil, fmt.Errorf("%w: socketcan is not supported on %s", ErrAdapterUnavailable, runtime.GOOS)
}
