package network

import (
	"errors"
	"net"
)

func firstIPv4(iface *net.Interface) (string, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return "", err
	}
	if ip := pickIPv4(addrs); ip != "" {
		return ip, nil
	}
	return "", errors.New("no ipv4 address on " + iface.Name)
}

// anyIPv4 returns the first non-loopback IPv4 address of the host.
func anyIPv4() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	if ip := pickIPv4(addrs); ip != "" {
		return ip, nil
	}
	return "", errors.New("no ipv4 address")
}

func pickIPv4(addrs []net.Addr) string {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		if ip != nil && !ip.IsLoopback() && ip.To4() != nil {
			return ip.String()
		}
	}
	return ""
}
