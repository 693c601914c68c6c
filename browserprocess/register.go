// Package browserprocess keeps track of the browser processes launched by
// browsermirror so they can be killed when the program is interrupted.
package browserprocess

import (
	"context"
	"os"
	"sync"

	"github.com/grafana/browsermirror/log"
)

type processState struct {
	pid   int
	owner string
}

var (
	browserProcessRegister   = map[int]*processState{} //nolint:gochecknoglobals
	browserProcessRegisterMu = sync.Mutex{}            //nolint:gochecknoglobals
)

// Register records a launched browser pid under the owner found in ctx.
func Register(ctx context.Context, logger *log.Logger, pid int) {
	browserProcessRegisterMu.Lock()
	defer browserProcessRegisterMu.Unlock()

	owner := GetOwner(ctx)
	logger.Debugf("BrowserProcess:register", "registered pid %d owner %q", pid, owner)

	browserProcessRegister[pid] = &processState{pid: pid, owner: owner}
}

// Unregister forgets pid once its process has exited on its own.
func Unregister(logger *log.Logger, pid int) {
	browserProcessRegisterMu.Lock()
	defer browserProcessRegisterMu.Unlock()

	if _, ok := browserProcessRegister[pid]; !ok {
		return
	}
	logger.Debugf("BrowserProcess:unregister", "unregistered pid %d", pid)
	delete(browserProcessRegister, pid)
}

// Registered returns the pids currently registered for the owner in ctx, or
// every pid when ctx carries no owner.
func Registered(ctx context.Context) []int {
	browserProcessRegisterMu.Lock()
	defer browserProcessRegisterMu.Unlock()

	owner := GetOwner(ctx)
	var pids []int
	for pid, st := range browserProcessRegister {
		if owner != "" && st.owner != owner {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// ForceProcessShutdown kills the registered browsers of the owner in ctx (all
// of them without an owner). It is called when browsermirror is shutting
// down abruptly, e.g. on SIGINT.
func ForceProcessShutdown(ctx context.Context) {
	browserProcessRegisterMu.Lock()
	defer browserProcessRegisterMu.Unlock()

	owner := GetOwner(ctx)

	for pid, st := range browserProcessRegister {
		if owner != "" && st.owner != owner {
			continue
		}
		delete(browserProcessRegister, pid)

		p, err := os.FindProcess(st.pid)
		if err != nil {
			// optimistically continue and don't kill the process
			continue
		}
		// no need to check the error for waiting the process to release
		// its resources or whether we could kill it as we're already
		// dying.
		_ = p.Kill()
		_ = p.Release()
	}
}
