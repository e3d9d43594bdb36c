package cdpilot

import (
	"runtime"
)

func hostPlatform() string {
	return runtime.GOOS
}
