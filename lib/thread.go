package lib

/* thread.go contains functions useful for multi-threading. */

import (
	"runtime"
)

// SetThreads caps the number of OS threads the ranks of this process share.
// n = -1 uses every core on the node.
func SetThreads(n int) {
	if n == -1 {
		runtime.GOMAXPROCS(runtime.NumCPU())
		return
	}
	if n < 1 || n > runtime.NumCPU() {
		ExternalErrorf("%d threads requested, but your system has %d cores per "+
			"node. If you want darter to use the maximum number of threads per "+
			"node, set Threads=-1.", n, runtime.NumCPU())
	}

	runtime.GOMAXPROCS(n)
}
