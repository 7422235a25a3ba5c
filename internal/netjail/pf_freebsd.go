//go:build freebsd

package netjail

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PF anchor/table naming and ioctl numbers, mirroring
// original_source/netzwerk/src/pf.rs's ANCHOR/TABLE_NAME/DIOC* constants.
const (
	pfDevicePath = "/dev/pf"
	pfAnchor     = "knast_anker"
	pfTableName  = "jails"

	diocXBegin      = 0xc0104451
	diocXCommit     = 0xc0104452
	diocXRollback   = 0xc0104453
	diocBeginAddrs  = 0xc4704433
	diocAddAddr     = 0xc4704434
	diocAddRule     = 0xcbe04404
	diocRAddTables  = 0xc450443d
	diocRAddAddrs   = 0xc4504443
	pfAddrDynIFTL   = 3
	pfiAFlagNoAlias = 0x0001
	pfrTFlagPersist = 0x0002
	pfNAT           = 2
	pfRulesetNAT    = 4
)

type pfrTable struct {
	Anchor [1024]byte
	Name   [64]byte
	Flags  uint32
	Fback  uint8
	_      [3]byte
}

type pfrAddr struct {
	Addr    [16]byte
	IfName  [16]byte
	Net     uint8
	Not     uint8
	Fback   uint8
	_       [5]byte
	Af      uint8
	Type    uint8
	_       [2]byte
}

type pfioc_table struct {
	Table  pfrTable
	Esize  int32
	Size   int32
	Size2  int32
	Nadd   int32
	Ndel   int32
	Nchange int32
	Flags  int32
	Ticket uint32
	Buffer uintptr
}

type pfTransElement struct {
	RsNum  int32
	Anchor [1024]byte
	Ticket uint32
}

type pfiocTrans struct {
	Size  int32
	Esize int32
	Array uintptr
}

// addrWrap mirrors the nested pf_addr_wrap the original binds to
// PF_ADDR_DYNIFTL: an interface name used as the dynamic pool source.
type addrWrap struct {
	IfName [16]byte
	TblName [32]byte
	P      [8]byte
	IfAFlags uint8
	Type     uint8
	IFlags   uint8
	_        byte
}

type pfioc_pooladdr struct {
	Action int32
	Ticket uint32
	Nr     uint32
	R_num  uint32
	R_action uint8
	R_last   uint8
	Af       uint8
	_        byte
	Anchor   [1024]byte
	Addr     addrWrap
}

type pfRule struct {
	Src    pfRuleAddr
	Dst    pfRuleAddr
	_      [512]byte // remainder of struct pf_rule, not addressed by this runtime
	Action int32
	Rtableid int32
	Af     uint8
	IfName [16]byte
	ProxyPortLo uint16
	ProxyPortHi uint16
}

type pfRuleAddr struct {
	AddrType uint8
	_        [3]byte
	TblName  [32]byte
	IfName   [16]byte
}

type pfioc_rule struct {
	Ticket     uint32
	PoolTicket uint32
	Nr         uint32
	Anchor     [1024]byte
	AnchorCall [1024]byte
	Rule       pfRule
}

type pfDevice struct {
	f *os.File
}

func openPF() (*pfDevice, error) {
	f, err := os.OpenFile(pfDevicePath, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", pfDevicePath, err)
	}
	return &pfDevice{f: f}, nil
}

func (d *pfDevice) Close() error { return d.f.Close() }

func (d *pfDevice) ioctl(cmd uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), cmd, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// ensureNAT programs the PF anchor/NAT rule described in spec.md
// §4.5 step 5: "nat on <iface> inet from <jails> to any -> (<iface>:0)",
// using the original's two-transaction bootstrap (root ruleset call to
// the anchor, then the NAT rule inside the anchor) from pf.rs's
// Pf::initialize.
func ensureNAT(natIface string) error {
	dev, err := openPF()
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.runTransaction("", func(ticket, poolTicket uint32) error {
		var rule pfioc_rule
		rule.Ticket = ticket
		rule.PoolTicket = poolTicket
		rule.Rule.Action = pfNAT
		rule.Rule.Rtableid = -1
		copy(rule.AnchorCall[:], pfAnchor)
		return dev.ioctl(diocAddRule, unsafe.Pointer(&rule))
	}); err != nil {
		return fmt.Errorf("installing root anchor call: %w", err)
	}

	if err := dev.runTransaction(pfAnchor, func(ticket, poolTicket uint32) error {
		var addr pfioc_pooladdr
		addr.Ticket = poolTicket
		addr.Af = unix.AF_INET
		addr.Addr.Type = pfAddrDynIFTL
		addr.Addr.IFlags = pfiAFlagNoAlias
		copy(addr.Addr.IfName[:], natIface)
		if err := dev.ioctl(diocAddAddr, unsafe.Pointer(&addr)); err != nil {
			return err
		}

		var rule pfioc_rule
		rule.Ticket = ticket
		rule.PoolTicket = poolTicket
		rule.Rule.Action = pfNAT
		rule.Rule.Rtableid = -1
		copy(rule.Anchor[:], pfAnchor)
		copy(rule.Rule.IfName[:], natIface)
		rule.Rule.Af = unix.AF_INET
		rule.Rule.ProxyPortLo = 50001
		rule.Rule.ProxyPortHi = 65535
		rule.Rule.Src.AddrType = pfAddrDynIFTL
		copy(rule.Rule.Src.TblName[:], pfTableName)
		return dev.ioctl(diocAddRule, unsafe.Pointer(&rule))
	}); err != nil {
		return fmt.Errorf("installing NAT rule in anchor %s: %w", pfAnchor, err)
	}

	return nil
}

// ensureJailsTable creates (idempotently) the "jails" table in the
// knast_anker anchor and inserts subnet, per pf.rs's Nat::add.
func ensureJailsTable(subnet string) error {
	dev, err := openPF()
	if err != nil {
		return err
	}
	defer dev.Close()

	table := pfrTable{}
	copy(table.Anchor[:], pfAnchor)
	copy(table.Name[:], pfTableName)
	table.Flags = pfrTFlagPersist

	var tableReq pfioc_table
	tableReq.Esize = int32(unsafe.Sizeof(table))
	tableReq.Size = 1
	tableReq.Buffer = uintptr(unsafe.Pointer(&table))
	if err := dev.ioctl(diocRAddTables, unsafe.Pointer(&tableReq)); err != nil {
		return fmt.Errorf("creating PF table %s: %w", pfTableName, err)
	}

	ip, ipnet, err := parseCIDRParts(subnet)
	if err != nil {
		return err
	}
	var pfa pfrAddr
	copy(pfa.Addr[:4], ip)
	ones, _ := ipnet.Mask.Size()
	pfa.Net = uint8(ones)
	pfa.Af = unix.AF_INET

	var addrReq pfioc_table
	addrReq.Table = table
	addrReq.Esize = int32(unsafe.Sizeof(pfa))
	addrReq.Size = 1
	addrReq.Buffer = uintptr(unsafe.Pointer(&pfa))
	if err := dev.ioctl(diocRAddAddrs, unsafe.Pointer(&addrReq)); err != nil {
		return fmt.Errorf("adding %s to PF table %s: %w", subnet, pfTableName, err)
	}

	return nil
}

func (d *pfDevice) runTransaction(anchor string, body func(ticket, poolTicket uint32) error) error {
	elem := pfTransElement{RsNum: pfRulesetNAT}
	copy(elem.Anchor[:], anchor)

	trans := pfiocTrans{Size: 1, Esize: int32(unsafe.Sizeof(elem)), Array: uintptr(unsafe.Pointer(&elem))}

	if err := d.ioctl(diocXBegin, unsafe.Pointer(&trans)); err != nil {
		return fmt.Errorf("DIOCXBEGIN: %w", err)
	}

	var pool pfioc_pooladdr
	if err := d.ioctl(diocBeginAddrs, unsafe.Pointer(&pool)); err != nil {
		return fmt.Errorf("DIOCBEGINADDRS: %w", err)
	}

	if err := body(elem.Ticket, pool.Ticket); err != nil {
		_ = d.ioctl(diocXRollback, unsafe.Pointer(&trans))
		return err
	}

	if err := d.ioctl(diocXCommit, unsafe.Pointer(&trans)); err != nil {
		return fmt.Errorf("DIOCXCOMMIT: %w", err)
	}
	return nil
}

// FlushRules empties the knast_anker anchor by committing an empty
// ruleset over it, the same transaction body used to install rules in
// the first place. No code in this module calls it, tests included;
// it mirrors pf.rs's own FlushRules helper.
func FlushRules() error {
	dev, err := openPF()
	if err != nil {
		return err
	}
	defer dev.Close()

	return dev.runTransaction(pfAnchor, func(ticket, poolTicket uint32) error {
		return nil
	})
}
