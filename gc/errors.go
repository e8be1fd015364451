package gc

import (
	"fmt"

	yggdrasil "github.com/yggdrasil-sh/core"
)

func errUnmanagedAtSweep(systemID yggdrasil.SystemID) error {
	return fmt.Errorf("gc: system %s was unmanaged between candidate collection and sweep", systemID)
}
