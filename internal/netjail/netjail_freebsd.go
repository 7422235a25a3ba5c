//go:build freebsd

package netjail

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/fenceline/jailrun/internal/storage"
)

const (
	bridgeName  = "knast0"
	bridgeAddr  = "172.24.0.1"
	bridgeMask  = "255.255.0.0"
	bridgeCIDR  = "172.24.0.0/16"
	addrMask32  = "255.255.255.255"

	// helperEnvVar signals a re-executed child (spec.md §4.5 step 2: "by
	// fork+jail_attach") to run attachHelperMain instead of the normal
	// entrypoint. cmd/jailrun's main must check RunHelperIfRequested
	// before its usual command dispatch.
	helperEnvVar = "JAILRUN_NETJAIL_ATTACH"
)

// Setup wires containerID's network namespace per spec.md §4.5: ensures
// the shared bridge exists, allocates a host/container address pair,
// creates an epair, attaches one side to the bridge and moves the other
// into the jail, configures the in-jail address and default route, and
// (if natIface is non-empty) ensures the PF NAT anchor and table exist.
func Setup(ctx context.Context, store storage.Store, containerID string, jid int, natIface string) error {
	if err := InitPool(ctx, store, bridgeCIDR); err != nil {
		return err
	}

	sock, err := newIfSocket()
	if err != nil {
		return err
	}
	defer sock.Close()

	if !interfaceExists(sock, bridgeName) {
		created, err := createInterface(sock, "bridge")
		if err != nil {
			return fmt.Errorf("creating bridge: %w", err)
		}
		if err := renameInterface(sock, created, bridgeName); err != nil {
			return fmt.Errorf("renaming bridge %s to %s: %w", created, bridgeName, err)
		}
		if err := setInterfaceAddress(sock, bridgeName, bridgeAddr, bridgeAddr, bridgeMask); err != nil {
			return fmt.Errorf("addressing bridge %s: %w", bridgeName, err)
		}
	}

	hostAddr, err := Allocate(ctx, store)
	if err != nil {
		return fmt.Errorf("allocating host address: %w", err)
	}
	containerAddr, err := Allocate(ctx, store)
	if err != nil {
		_ = Free(ctx, store, hostAddr)
		return fmt.Errorf("allocating container address: %w", err)
	}

	hostSide, err := createInterface(sock, "epair")
	if err != nil {
		return fmt.Errorf("creating epair: %w", err)
	}
	containerSide := hostSide[:len(hostSide)-1] + "b" // epairNa <-> epairNb, per interface.rs's naming convention

	if err := setInterfaceAddress(sock, hostSide, hostAddr.String(), hostAddr.String(), addrMask32); err != nil {
		return fmt.Errorf("addressing host side %s: %w", hostSide, err)
	}
	if err := bridgeAddMember(sock, bridgeName, hostSide); err != nil {
		return fmt.Errorf("adding %s to bridge %s: %w", hostSide, bridgeName, err)
	}

	if err := jailInterface(sock, containerSide, jid); err != nil {
		return fmt.Errorf("moving %s into jail %d: %w", containerSide, jid, err)
	}

	if err := configureInJail(jid, containerSide, containerAddr, bridgeAddr); err != nil {
		return fmt.Errorf("configuring %s inside jail %d: %w", containerSide, jid, err)
	}

	if natIface != "" {
		if err := ensureJailsTable(bridgeCIDR); err != nil {
			return err
		}
		if err := ensureNAT(natIface); err != nil {
			return err
		}
	}

	return saveAllocation(ctx, store, containerID, Allocation{
		Iface:         hostSide,
		HostAddr:      hostAddr.String(),
		ContainerAddr: containerAddr.String(),
	})
}

// Teardown destroys containerID's epair and returns both addresses to
// the pool. The container-side interface is destroyed along with the
// jail itself, so only the host side needs explicit cleanup here.
func Teardown(ctx context.Context, store storage.Store, containerID string) error {
	alloc, ok, err := loadAllocation(ctx, store, containerID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	sock, err := newIfSocket()
	if err != nil {
		return err
	}
	defer sock.Close()

	if interfaceExists(sock, alloc.Iface) {
		if err := bridgeDelMember(sock, bridgeName, alloc.Iface); err != nil {
			return err
		}
		if err := destroyInterface(sock, alloc.Iface); err != nil {
			return err
		}
	}

	if hostIP := net.ParseIP(alloc.HostAddr); hostIP != nil {
		_ = Free(ctx, store, hostIP)
	}
	if containerIP := net.ParseIP(alloc.ContainerAddr); containerIP != nil {
		_ = Free(ctx, store, containerIP)
	}

	return store.Remove(ctx, storage.CollNetworkState, containerID)
}

// configureInJail sets ifaceName's address and default route from
// inside jid by re-executing the current binary with helperEnvVar set;
// the child calls jail_attach before touching the interface, so the
// ioctls and routing message land in the jail's own network stack, per
// spec.md §4.5 step 2's "inside the jail (via fork+jail_attach)".
func configureInJail(jid int, ifaceName string, addr net.IP, gateway string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving helper binary: %w", err)
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(),
		helperEnvVar+"=1",
		"JAILRUN_NETJAIL_JID="+strconv.Itoa(jid),
		"JAILRUN_NETJAIL_IFACE="+ifaceName,
		"JAILRUN_NETJAIL_ADDR="+addr.String(),
		"JAILRUN_NETJAIL_GATEWAY="+gateway,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running netjail attach helper: %w", err)
	}
	return nil
}

// RunHelperIfRequested is called at the very top of cmd/jailrun's main,
// before normal flag/subcommand parsing. If this process was
// re-executed by configureInJail, it attaches to the target jail,
// configures the interface and default route, and exits; otherwise it
// returns false and the caller proceeds as normal.
func RunHelperIfRequested() bool {
	if os.Getenv(helperEnvVar) == "" {
		return false
	}
	os.Exit(runAttachHelper())
	return true
}

func runAttachHelper() int {
	jid, err := strconv.Atoi(os.Getenv("JAILRUN_NETJAIL_JID"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "netjail helper: invalid jid:", err)
		return 1
	}
	iface := os.Getenv("JAILRUN_NETJAIL_IFACE")
	addr := os.Getenv("JAILRUN_NETJAIL_ADDR")
	gateway := os.Getenv("JAILRUN_NETJAIL_GATEWAY")

	if _, _, errno := unix.Syscall(unix.SYS_JAIL_ATTACH, uintptr(jid), 0, 0); errno != 0 {
		fmt.Fprintln(os.Stderr, "netjail helper: jail_attach:", errno)
		return 1
	}

	sock, err := newIfSocket()
	if err != nil {
		fmt.Fprintln(os.Stderr, "netjail helper:", err)
		return 1
	}
	defer sock.Close()

	if err := setInterfaceAddress(sock, iface, addr, addr, addrMask32); err != nil {
		fmt.Fprintln(os.Stderr, "netjail helper:", err)
		return 1
	}

	gw := net.ParseIP(gateway)
	if gw == nil {
		fmt.Fprintln(os.Stderr, "netjail helper: invalid gateway", gateway)
		return 1
	}
	if err := addDefaultRoute(gw); err != nil {
		fmt.Fprintln(os.Stderr, "netjail helper:", err)
		return 1
	}
	return 0
}
