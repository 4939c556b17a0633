// Package netutil provides the socket plumbing behind discovery:
// local address detection and UDP broadcast/multicast senders.
package netutil

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// LocalIP returns the IPv4 address of the interface that routes to the
// local network. No packet is sent; the kernel only resolves a route.
func LocalIP() (net.IP, error) {
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return nil, fmt.Errorf("detect local address: %w", err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP, nil
}

// IsMulticast reports whether addr parses as an IPv4 multicast address.
func IsMulticast(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsMulticast()
}

// Announcer sends discovery datagrams to one destination and owns the
// sockets involved. It speaks either plain limited broadcast or an
// IPv4 multicast group, chosen by the destination address.
type Announcer struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	dst  *net.UDPAddr
}

// NewAnnouncer opens a send socket toward addr:port. For a multicast
// destination the TTL is pinned to 1 and loopback is enabled so that
// several nodes on one host still see each other.
func NewAnnouncer(addr string, port int) (*Announcer, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("invalid announce address %q", addr)
	}
	dst := &net.UDPAddr{IP: ip, Port: port}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("open announce socket: %w", err)
	}

	a := &Announcer{conn: conn, dst: dst}
	if ip.IsMulticast() {
		pc := ipv4.NewPacketConn(conn)
		if err := pc.SetMulticastTTL(1); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set multicast ttl: %w", err)
		}
		if err := pc.SetMulticastLoopback(true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set multicast loopback: %w", err)
		}
		a.pc = pc
	}
	return a, nil
}

// Send transmits one datagram to the configured destination.
func (a *Announcer) Send(payload []byte) error {
	_, err := a.conn.WriteToUDP(payload, a.dst)
	return err
}

// Close releases the send socket.
func (a *Announcer) Close() error {
	return a.conn.Close()
}

// Listener receives discovery datagrams on one UDP port, joining the
// multicast group when the announce address is a group address.
type Listener struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
}

// NewListener binds the receive socket. addr is the announce
// destination; it decides whether a group join is needed.
func NewListener(addr string, port int) (*Listener, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("invalid announce address %q", addr)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("open listen socket on port %d: %w", port, err)
	}

	l := &Listener{conn: conn}
	if ip.IsMulticast() {
		pc := ipv4.NewPacketConn(conn)
		if err := joinAllInterfaces(pc, ip); err != nil {
			conn.Close()
			return nil, err
		}
		l.pc = pc
	}
	return l, nil
}

// joinAllInterfaces joins the group on every multicast-capable
// interface that is up, so discovery works regardless of which NIC
// carries the LAN.
func joinAllInterfaces(pc *ipv4.PacketConn, group net.IP) error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}
	joined := 0
	for i := range ifaces {
		ifc := &ifaces[i]
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(ifc, &net.UDPAddr{IP: group}); err == nil {
			joined++
		}
	}
	if joined == 0 {
		return fmt.Errorf("no interface could join group %s", group)
	}
	return nil
}

// Read blocks for the next datagram, returning the payload and sender.
func (l *Listener) Read(buf []byte) (int, *net.UDPAddr, error) {
	return l.conn.ReadFromUDP(buf)
}

// Close releases the receive socket, unblocking any pending Read.
func (l *Listener) Close() error {
	return l.conn.Close()
}
