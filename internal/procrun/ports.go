package procrun

import (
	"fmt"
	"net"
	"sync"
)

// portAllocator hands out free ports from a configured range, never reusing
// a port already assigned to an active handle.
type portAllocator struct {
	mu    sync.Mutex
	start int
	end   int
	used  map[int]string
}

func newPortAllocator(start, end int) *portAllocator {
	if start <= 0 || end < start {
		start, end = 9000, 9999
	}
	return &portAllocator{start: start, end: end, used: make(map[int]string)}
}

// allocate returns hint when it is usable, otherwise the first bindable port
// in the range.
func (a *portAllocator) allocate(hint int, owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if hint > 0 {
		if existing, taken := a.used[hint]; taken {
			return 0, fmt.Errorf("requested port %d is already assigned to %s", hint, existing)
		}
		if !bindable(hint) {
			return 0, fmt.Errorf("requested port %d is not bindable", hint)
		}
		a.used[hint] = owner
		return hint, nil
	}

	for port := a.start; port <= a.end; port++ {
		if _, taken := a.used[port]; taken {
			continue
		}
		if bindable(port) {
			a.used[port] = owner
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in range %d-%d", a.start, a.end)
}

func (a *portAllocator) release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, port)
}

// reallocate keeps the same port when it is still bindable, otherwise swaps
// the owner onto a fresh one. Used on respawn after a crash.
func (a *portAllocator) reallocate(port int, owner string) (int, error) {
	if bindable(port) {
		return port, nil
	}
	a.release(port)
	return a.allocate(0, owner)
}

func bindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
