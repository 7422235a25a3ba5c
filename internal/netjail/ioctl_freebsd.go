//go:build freebsd

package netjail

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// These ioctl numbers and structure layouts are ABI-fixed by the host
// kernel (spec.md §9); they mirror original_source's
// netzwerk/src/interface/bindings.rs and netzwerk/src/pf.rs field for
// field, translated from the Rust FFI definitions into Go structs.
const (
	siocAIFADDR   = 0x8044692b
	siocIFCREATE  = 0xc020697a
	siocSIFNAME   = 0x80206928
	siocIFDESTROY = 0x80206979
	siocSDRVSPEC  = 0x8028697b
	siocSIFVNET   = 0xc020695a
	siocGIFCAP    = 0xc020691f

	brdgADD = 0x0
	brdgDEL = 0x1
)

type sockaddrIn struct {
	Len    uint8
	Family uint8
	Port   uint16
	Addr   [4]byte
	Zero   [8]byte
}

type ifreq struct {
	Name [16]byte
	Data [24]byte // union ifr_ifru, sized to the largest arm used here
}

type ifaliasreq struct {
	Name      [16]byte
	Addr      sockaddrIn
	Broadaddr sockaddrIn
	Mask      sockaddrIn
}

type ifbreq struct {
	IfsName      [16]byte
	IfsFlags     uint32
	StpFlags     uint32
	PathCost     uint32
	Portno       uint8
	Priority     uint8
	Proto        uint8
	Role         uint8
	State        uint8
	_            [3]byte
	Addrcnt      uint32
	Addrmax      uint32
	Addrexceeded uint32
	_            [32]byte
}

type ifdrv struct {
	Name [16]byte
	Cmd  uint64
	Len  uint64
	Data uintptr
}

type ifSocket struct {
	fd int
}

func newIfSocket() (*ifSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("opening interface socket: %w", err)
	}
	return &ifSocket{fd: fd}, nil
}

func (s *ifSocket) Close() error { return unix.Close(s.fd) }

func (s *ifSocket) ioctl(cmd uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.fd), cmd, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func newRequest(name string) ifreq {
	var r ifreq
	copy(r.Name[:], name)
	return r
}

// createInterface creates a new interface of the given type ("bridge",
// "epair") and returns its kernel-assigned name.
func createInterface(s *ifSocket, ifType string) (string, error) {
	req := newRequest(ifType)
	if err := s.ioctl(siocIFCREATE, unsafe.Pointer(&req)); err != nil {
		return "", fmt.Errorf("creating %s interface: %w", ifType, err)
	}
	return cString(req.Name[:]), nil
}

// renameInterface renames the interface from to to.
func renameInterface(s *ifSocket, from, to string) error {
	req := newRequest(from)
	nameBuf := append([]byte(to), 0)
	*(*uintptr)(unsafe.Pointer(&req.Data)) = uintptr(unsafe.Pointer(&nameBuf[0]))
	if err := s.ioctl(siocSIFNAME, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("renaming interface %s to %s: %w", from, to, err)
	}
	return nil
}

// destroyInterface destroys name.
func destroyInterface(s *ifSocket, name string) error {
	req := newRequest(name)
	if err := s.ioctl(siocIFDESTROY, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("destroying interface %s: %w", name, err)
	}
	return nil
}

// interfaceExists probes name via SIOCGIFCAP, per
// netzwerk/src/interface/operations.rs's check_interface_existence.
func interfaceExists(s *ifSocket, name string) bool {
	req := newRequest(name)
	return s.ioctl(siocGIFCAP, unsafe.Pointer(&req)) == nil
}

// setInterfaceAddress assigns an inet alias to name.
func setInterfaceAddress(s *ifSocket, name, addr, broadcast, mask string) error {
	var req ifaliasreq
	copy(req.Name[:], name)

	var err error
	if req.Addr, err = packSockaddr(addr); err != nil {
		return err
	}
	if req.Broadaddr, err = packSockaddr(broadcast); err != nil {
		return err
	}
	if req.Mask, err = packSockaddr(mask); err != nil {
		return err
	}
	if ioerr := s.ioctl(siocAIFADDR, unsafe.Pointer(&req)); ioerr != nil {
		return fmt.Errorf("setting address on %s: %w", name, ioerr)
	}
	return nil
}

// jailInterface moves name into the vnet of jail jid.
func jailInterface(s *ifSocket, name string, jid int) error {
	req := newRequest(name)
	*(*int32)(unsafe.Pointer(&req.Data)) = int32(jid)
	if err := s.ioctl(siocSIFVNET, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("moving %s into jail %d: %w", name, jid, err)
	}
	return nil
}

func bridgeMember(s *ifSocket, bridge, member string, cmd uint64) error {
	var br ifbreq
	copy(br.IfsName[:], member)

	var req ifdrv
	copy(req.Name[:], bridge)
	req.Cmd = cmd
	req.Len = uint64(unsafe.Sizeof(br))
	req.Data = uintptr(unsafe.Pointer(&br))

	if err := s.ioctl(siocSDRVSPEC, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("modifying bridge %s membership for %s: %w", bridge, member, err)
	}
	return nil
}

func bridgeAddMember(s *ifSocket, bridge, member string) error {
	return bridgeMember(s, bridge, member, brdgADD)
}

func bridgeDelMember(s *ifSocket, bridge, member string) error {
	return bridgeMember(s, bridge, member, brdgDEL)
}

func packSockaddr(addr string) (sockaddrIn, error) {
	var sa sockaddrIn
	sa.Len = uint8(unsafe.Sizeof(sa))
	sa.Family = unix.AF_INET
	if addr == "" {
		return sa, nil
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return sa, fmt.Errorf("invalid IPv4 address %q", addr)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return sa, fmt.Errorf("not an IPv4 address: %q", addr)
	}
	copy(sa.Addr[:], ip4)
	return sa, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
