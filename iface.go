package udpfetch

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// limitedBroadcast is used when no interface broadcast address is known.
var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// ifaceInfo is the IPv4 identity of a network interface.
type ifaceInfo struct {
	Name      string
	Prefix    netip.Prefix // interface address and its mask
	Broadcast netip.Addr
}

// addrLister returns the addresses of an interface. It is net.Interface.Addrs
// in production and a stub in tests.
type addrLister func(iface net.Interface) ([]net.Addr, error)

func interfaceAddrs(iface net.Interface) ([]net.Addr, error) {
	return iface.Addrs()
}

// resolveInterface looks up the named interface, or auto-detects one when
// name is empty.
func resolveInterface(name string) (ifaceInfo, error) {
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return ifaceInfo{}, fmt.Errorf("lookup interface %q: %w", name, err)
		}
		return inspectInterface(*iface, interfaceAddrs)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return ifaceInfo{}, fmt.Errorf("list interfaces: %w", err)
	}
	return pickInterface(ifaces, interfaceAddrs)
}

// pickInterface returns the first interface that is up, not loopback,
// broadcast capable and has an IPv4 address.
func pickInterface(ifaces []net.Interface, addrsOf addrLister) (ifaceInfo, error) {
	candidates := lo.Filter(ifaces, func(iface net.Interface, _ int) bool {
		return iface.Flags&net.FlagUp != 0 &&
			iface.Flags&net.FlagLoopback == 0 &&
			iface.Flags&net.FlagBroadcast != 0
	})

	for _, iface := range candidates {
		info, err := inspectInterface(iface, addrsOf)
		if err == nil {
			return info, nil
		}
		log.Trace().Err(err).Str("interface", iface.Name).Msg("skipping interface")
	}
	return ifaceInfo{}, fmt.Errorf("no broadcast-capable IPv4 interface among %d interfaces", len(ifaces))
}

// inspectInterface extracts the first IPv4 prefix of iface.
func inspectInterface(iface net.Interface, addrsOf addrLister) (ifaceInfo, error) {
	addrs, err := addrsOf(iface)
	if err != nil {
		return ifaceInfo{}, fmt.Errorf("addresses of %q: %w", iface.Name, err)
	}

	prefixes := lo.FilterMap(addrs, func(addr net.Addr, _ int) (netip.Prefix, bool) {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			return netip.Prefix{}, false
		}
		return ipv4Prefix(ipNet)
	})
	if len(prefixes) == 0 {
		return ifaceInfo{}, fmt.Errorf("interface %q has no IPv4 address", iface.Name)
	}

	return ifaceInfo{
		Name:      iface.Name,
		Prefix:    prefixes[0],
		Broadcast: broadcastAddr(prefixes[0]),
	}, nil
}

// ipv4Prefix converts an IPNet to a netip.Prefix when it is IPv4.
func ipv4Prefix(ipNet *net.IPNet) (netip.Prefix, bool) {
	ip4 := ipNet.IP.To4()
	if ip4 == nil {
		return netip.Prefix{}, false
	}
	ones, bits := ipNet.Mask.Size()
	if bits == 128 {
		ones -= 96
	} else if bits != 32 {
		return netip.Prefix{}, false
	}
	addr, _ := netip.AddrFromSlice(ip4)
	return netip.PrefixFrom(addr, ones), true
}

// broadcastAddr returns the directed broadcast address of an IPv4 prefix.
func broadcastAddr(p netip.Prefix) netip.Addr {
	if !p.IsValid() || !p.Addr().Is4() || p.Bits() == 0 {
		return limitedBroadcast
	}
	ip := p.Addr().As4()
	host := (uint32(1) << (32 - p.Bits())) - 1
	v := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
	v |= host
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
