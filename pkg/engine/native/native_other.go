//go:build !darwin && !linux

package native

import (
	"fmt"
	"runtime"

	"github.com/thesyncim/turnx/pkg/engine"
)

func open(engine.Options) (engine.Engine, error) {
	return nil, fmt.Errorf("%w: native engine not supported on %s", engine.ErrUnavailable, runtime.GOOS)
}
