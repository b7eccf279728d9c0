package utils

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
)

var (
	ErrPort = errors.New("invalid port")
	ErrAddr = errors.New("invalid address")
)

func GetIP(addr string) string {
	if strings.Contains(addr, ":") {
		return strings.Split(addr, ":")[0]
	}
	return ""
}

func GetPort(addr string) string {
	if strings.Contains(addr, ":") {
		return strings.Split(addr, ":")[1]
	}
	return ""
}

func StrToUint16(str string) uint16 {
	i, _ := strconv.ParseUint(str, 10, 16)
	return uint16(i)
}

// ParseAddress parses an IPv4 or IPv6 literal, with or without square
// brackets, and returns the parsed IP. The port part, if any, is ignored.
// Stringifying the result compares equal to re-parsing the input under
// address-only comparison.
func ParseAddress(addr string) (net.IP, error) {
	s := strings.TrimSpace(addr)
	if s == "" {
		return nil, ErrAddr
	}
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated bracket in %q", ErrAddr, addr)
		}
		s = s[1:end]
	} else if strings.Count(s, ":") == 1 {
		// IPv4 with a port, "1.2.3.4:5000".
		s = s[:strings.Index(s, ":")]
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrAddr, addr)
	}
	return ip, nil
}

// AddressEqual compares two address literals ignoring the port part.
func AddressEqual(a, b string) bool {
	ipa, err := ParseAddress(a)
	if err != nil {
		return false
	}
	ipb, err := ParseAddress(b)
	if err != nil {
		return false
	}
	return ipa.Equal(ipb)
}

func ListenUDPInPortRange(portMin, portMax int, laddr *net.UDPAddr) (*net.UDPConn, error) {
	if (laddr.Port != 0) || ((portMin == 0) && (portMax == 0)) {
		return net.ListenUDP("udp", laddr)
	}
	var i, j int
	i = portMin
	if i == 0 {
		i = 1
	}
	j = portMax
	if j == 0 {
		j = 0xFFFF
	}
	if i > j {
		return nil, ErrPort
	}
	portStart := rand.Intn(j-i+1) + i
	portCurrent := portStart
	for {
		*laddr = net.UDPAddr{IP: laddr.IP, Port: portCurrent}
		c, e := net.ListenUDP("udp", laddr)
		if e == nil {
			return c, e
		}
		portCurrent++
		if portCurrent > j {
			portCurrent = i
		}
		if portCurrent == portStart {
			break
		}
	}
	return nil, ErrPort
}
