//go:build !unix

package process

import (
	"os/exec"
	"time"
)

// setProcessGroup keeps the exec default of killing the direct child.
func setProcessGroup(_ *exec.Cmd, _ time.Duration) {}
