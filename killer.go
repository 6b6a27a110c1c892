package taskcluster

import "os"

// ApplicationKiller terminates the process when the node can no longer prove liveness.
type ApplicationKiller interface {
	Kill(reason error)
}

// ExitKiller logs the reason and exits the process with status 1.
type ExitKiller struct {
	Logger Logger
}

// Kill implements ApplicationKiller.
func (k ExitKiller) Kill(reason error) {
	if k.Logger != nil {
		k.Logger.Errorf("terminating process: %v", reason)
	}
	os.Exit(1)
}
