// Package netjail manages the virtualized networking side of a
// container: bridge + epair creation, IPv4 address allocation, and PF
// NAT rule programming (spec.md §4.5). The address pool in this file
// is plain Go and runs on any platform; the ioctl-driven interface and
// PF code lives in the freebsd-tagged files, with a stub for everyone
// else.
package netjail

import (
	"container/heap"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/fenceline/jailrun/internal/errs"
	"github.com/fenceline/jailrun/internal/storage"
)

const poolKey = "pool"

// ErrPoolExhausted is returned when no address remains in the subnet.
var ErrPoolExhausted = errors.New("address pool exhausted")

// addrHeap is a max-heap of addresses, matching original_source's
// BinaryHeap<Ipv4Addr> (netzwerk/src/range.rs): popping returns the
// highest address first, and the subnet's broadcast address is never
// inserted.
type addrHeap []uint32

func (h addrHeap) Len() int            { return len(h) }
func (h addrHeap) Less(i, j int) bool  { return h[i] > h[j] } // max-heap
func (h addrHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *addrHeap) Push(x interface{}) { *h = append(*h, x.(uint32)) }
func (h *addrHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// InitPool seeds network_state[pool] with every host address in cidr
// except the network and broadcast addresses, if no pool exists yet.
// It is a no-op (not an error) if a pool is already present.
func InitPool(ctx context.Context, store storage.Store, cidr string) error {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("parsing subnet %q: %w", cidr, err)
	}

	network := binary.BigEndian.Uint32(ipnet.IP.To4())
	ones, bits := ipnet.Mask.Size()
	hostBits := bits - ones
	if hostBits <= 0 {
		return fmt.Errorf("subnet %q has no host addresses", cidr)
	}
	broadcast := network | (uint32(1)<<uint(hostBits) - 1)

	var h addrHeap
	for a := network + 1; a < broadcast; a++ {
		h = append(h, a)
	}
	heap.Init(&h)

	raw, err := json.Marshal([]uint32(h))
	if err != nil {
		return fmt.Errorf("encoding address pool: %w", err)
	}

	if err := store.CAS(ctx, storage.CollNetworkState, poolKey, nil, raw); err != nil {
		if errors.Is(err, errs.ErrCASConflict) {
			return nil // already seeded by a previous run.
		}
		return fmt.Errorf("seeding address pool: %w", err)
	}
	return nil
}

// Allocate pops the highest available address from the pool, retrying
// on CAS conflict per spec.md §9's "global pool state" note.
func Allocate(ctx context.Context, store storage.Store) (net.IP, error) {
	for {
		raw, ok, err := store.Get(ctx, storage.CollNetworkState, poolKey)
		if err != nil {
			return nil, fmt.Errorf("reading address pool: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("address pool not initialized")
		}

		var values []uint32
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("decoding address pool: %w", err)
		}
		h := addrHeap(values)
		if h.Len() == 0 {
			return nil, ErrPoolExhausted
		}
		addr := heap.Pop(&h).(uint32)

		newRaw, err := json.Marshal([]uint32(h))
		if err != nil {
			return nil, fmt.Errorf("encoding address pool: %w", err)
		}

		err = store.CAS(ctx, storage.CollNetworkState, poolKey, raw, newRaw)
		if errors.Is(err, errs.ErrCASConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("allocating address: %w", err)
		}
		return uint32ToIP(addr), nil
	}
}

// Free returns addr to the pool, retrying on CAS conflict.
func Free(ctx context.Context, store storage.Store, addr net.IP) error {
	value := binary.BigEndian.Uint32(addr.To4())
	for {
		raw, ok, err := store.Get(ctx, storage.CollNetworkState, poolKey)
		if err != nil {
			return fmt.Errorf("reading address pool: %w", err)
		}
		if !ok {
			return fmt.Errorf("address pool not initialized")
		}

		var values []uint32
		if err := json.Unmarshal(raw, &values); err != nil {
			return fmt.Errorf("decoding address pool: %w", err)
		}
		h := addrHeap(values)
		heap.Push(&h, value)

		newRaw, err := json.Marshal([]uint32(h))
		if err != nil {
			return fmt.Errorf("encoding address pool: %w", err)
		}

		err = store.CAS(ctx, storage.CollNetworkState, poolKey, raw, newRaw)
		if errors.Is(err, errs.ErrCASConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("freeing address: %w", err)
		}
		return nil
	}
}

func uint32ToIP(v uint32) net.IP {
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// parseCIDRParts returns the network address and parsed net.IPNet for
// cidr, shared by the freebsd-tagged PF table code.
func parseCIDRParts(cidr string) (net.IP, *net.IPNet, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing subnet %q: %w", cidr, err)
	}
	return ipnet.IP.To4(), ipnet, nil
}

// Allocation is the per-container network record persisted under
// network_state[container_id] (spec.md §3's "network_state" collection).
type Allocation struct {
	Iface         string `json:"iface"`
	HostAddr      string `json:"host_addr"`
	ContainerAddr string `json:"container_addr"`
}

func loadAllocation(ctx context.Context, store storage.Store, containerID string) (Allocation, bool, error) {
	raw, ok, err := store.Get(ctx, storage.CollNetworkState, containerID)
	if err != nil || !ok {
		return Allocation{}, ok, err
	}
	var a Allocation
	if err := json.Unmarshal(raw, &a); err != nil {
		return Allocation{}, false, fmt.Errorf("decoding network allocation for %s: %w", containerID, err)
	}
	return a, true, nil
}

func saveAllocation(ctx context.Context, store storage.Store, containerID string, a Allocation) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding network allocation for %s: %w", containerID, err)
	}
	return store.Put(ctx, storage.CollNetworkState, containerID, raw)
}
