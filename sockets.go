package matching

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// sendPortRange is how many ports above the matching port the send socket
// bind scan tries before giving up. The recv socket owns the matching port
// itself; the send side takes the first free port in (port, port+19].
const sendPortRange = 19

// Socket is the minimal UDP surface the core needs. Implementations must
// unblock a pending ReadFrom when Close is called.
type Socket interface {
	WriteTo(b []byte, addr Addr, port uint16) (int, error)
	ReadFrom(b []byte) (n int, addr Addr, port uint16, err error)
	Close() error
}

// SocketProvider opens the two sockets a running context owns.
type SocketProvider interface {
	// OpenSend returns a broadcast-capable socket bound to the first free
	// port in port+1..port+19, and the port it landed on.
	OpenSend(port uint16) (Socket, uint16, error)
	// OpenRecv returns a socket bound to port with address reuse enabled.
	OpenRecv(port uint16) (Socket, error)
}

// LocalAddressProvider resolves this host's IPv4 address on the ad-hoc
// interface.
type LocalAddressProvider interface {
	LocalAddr() (Addr, error)
}

// udpSocket adapts *net.UDPConn to Socket.
type udpSocket struct {
	conn *net.UDPConn
}

func (s *udpSocket) WriteTo(b []byte, addr Addr, port uint16) (int, error) {
	return s.conn.WriteToUDP(b, &net.UDPAddr{IP: addr.IP(), Port: int(port)})
}

func (s *udpSocket) ReadFrom(b []byte) (int, Addr, uint16, error) {
	n, from, err := s.conn.ReadFromUDP(b)
	if err != nil {
		return 0, 0, 0, err
	}
	return n, AddrFromIP(from.IP), uint16(from.Port), nil
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}

// udpProvider is the production SocketProvider over the stdlib net stack.
type udpProvider struct{}

func (udpProvider) OpenSend(port uint16) (Socket, uint16, error) {
	var lastErr error
	for off := uint16(1); off <= sendPortRange; off++ {
		p := port + off
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(p)})
		if err != nil {
			lastErr = err
			continue
		}
		if err := setBroadcast(conn); err != nil {
			conn.Close()
			return nil, 0, err
		}
		return &udpSocket{conn: conn}, p, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no free send port above %d", port)
	}
	return nil, 0, lastErr
}

func (udpProvider) OpenRecv(port uint16) (Socket, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return &udpSocket{conn: pc.(*net.UDPConn)}, nil
}

func setBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return serr
}

// ifaceAddrProvider picks the first non-loopback IPv4 interface address,
// which on a handheld-style setup is the ad-hoc link.
type ifaceAddrProvider struct{}

func (ifaceAddrProvider) LocalAddr() (Addr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return 0, err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return AddrFromIP(v4), nil
		}
	}
	return 0, errors.New("no IPv4 interface address found")
}

// sendErrOK normalizes transient send failures: EAGAIN means the datagram
// is lost and the retransmit timer covers it.
func sendErrOK(err error) error {
	if err == nil || errors.Is(err, syscall.EAGAIN) {
		return nil
	}
	return err
}
