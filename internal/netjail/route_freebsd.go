//go:build freebsd

package netjail

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// rt_msghdr and the routing-socket constants, translated from
// original_source/netzwerk/src/route/bindings.rs's raw PF_ROUTE message.
const (
	rtmVersion = 5
	rtmAdd     = 0x1
	rtmDelete  = 0x2

	rtfUp      = 0x1
	rtfGateway = 0x2
	rtfStatic  = 0x800
	rtfPinned  = 0x100000

	rtaDst     = 0x1
	rtaGateway = 0x2
	rtaNetmask = 0x4
)

type rtMsghdr struct {
	Msglen  uint16
	Version uint8
	Type    uint8
	Index   uint16
	_       uint16
	Flags   int32
	Addrs   int32
	Pid     int32
	Seq     int32
	Errno   int32
	Use     int32
	Inits   uint32
	Rmx     [14]uint64 // struct rt_metrics, unused by this runtime
}

// addDefaultRoute installs "default via gateway" using a raw PF_ROUTE
// socket message, per route/bindings.rs's add() and route.rs's
// add_default. It is meant to run after the calling goroutine has
// attached to the target jail (jail_attach), so the route lands in
// that jail's routing table.
func addDefaultRoute(gateway net.IP) error {
	return sendRouteMessage(rtmAdd, gateway)
}

// deleteDefaultRoute removes the jail's default route, mirroring
// route.rs's delete_default.
func deleteDefaultRoute(gateway net.IP) error {
	return sendRouteMessage(rtmDelete, gateway)
}

func sendRouteMessage(msgType uint8, gateway net.IP) error {
	fd, err := unix.Socket(unix.AF_ROUTE, unix.SOCK_RAW, unix.AF_UNSPEC)
	if err != nil {
		return fmt.Errorf("opening routing socket: %w", err)
	}
	defer unix.Close(fd)

	var dst, mask sockaddrIn
	dst.Len = uint8(unsafe.Sizeof(dst))
	dst.Family = unix.AF_INET
	mask.Len = uint8(unsafe.Sizeof(mask))
	mask.Family = unix.AF_INET

	gw, err := packSockaddr(gateway.String())
	if err != nil {
		return err
	}

	hdr := rtMsghdr{
		Version: rtmVersion,
		Type:    msgType,
		Flags:   rtfUp | rtfGateway | rtfStatic | rtfPinned,
		Addrs:   rtaDst | rtaGateway | rtaNetmask,
		Pid:     int32(unix.Getpid()),
		Seq:     1,
	}

	buf := make([]byte, 0, int(unsafe.Sizeof(hdr))+3*int(unsafe.Sizeof(dst)))
	buf = appendStruct(buf, unsafe.Pointer(&hdr), int(unsafe.Sizeof(hdr)))
	buf = appendStruct(buf, unsafe.Pointer(&dst), int(unsafe.Sizeof(dst)))
	buf = appendStruct(buf, unsafe.Pointer(&gw), int(unsafe.Sizeof(gw)))
	buf = appendStruct(buf, unsafe.Pointer(&mask), int(unsafe.Sizeof(mask)))

	msglen := uint16(len(buf))
	buf[0] = byte(msglen)
	buf[1] = byte(msglen >> 8)

	if _, err := unix.Write(fd, buf); err != nil {
		return fmt.Errorf("writing routing message: %w", err)
	}
	return nil
}

func appendStruct(buf []byte, p unsafe.Pointer, size int) []byte {
	b := (*[1 << 16]byte)(p)[:size:size]
	return append(buf, b...)
}
