package lifecycle

import (
	"sync"

	"github.com/fenceline/jailrun/internal/storage"
)

// Runtime implements the OCI lifecycle operations over a storage
// handle and a jail/mount/network backend triple. Production callers
// use New; tests use newWithBackends to inject fakes.
type Runtime struct {
	store   storage.Store
	jail    JailBackend
	mount   Mounter
	network NetworkBackend

	containerLocks sync.Map // containerID -> *sync.Mutex
}

// New builds a Runtime against the host's real jail, mount, and
// network backends.
func New(store storage.Store) *Runtime {
	return &Runtime{
		store:   store,
		jail:    newHostJailBackend(),
		mount:   realMounter{},
		network: realNetworkBackend{},
	}
}

func newWithBackends(store storage.Store, jail JailBackend, mount Mounter, network NetworkBackend) *Runtime {
	return &Runtime{store: store, jail: jail, mount: mount, network: network}
}

// lockContainer serializes do_start/do_exec for a single container so
// two concurrent calls can't both observe the absent->Created CAS slot
// free and race past it into conflicting shim stdio/PTY bookkeeping.
func (r *Runtime) lockContainer(containerID string) func() {
	value, _ := r.containerLocks.LoadOrStore(containerID, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
