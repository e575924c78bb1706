//go:build linux

package network

import (
	"fmt"
	"net"
	"sync"

	"github.com/vishvananda/netlink"
)

// AddrMonitor reports changes of the address on the default route, so
// beacons can be re-sent as soon as a rider's phone switches networks.
type AddrMonitor struct {
	onChange func(oldAddr, newAddr string)
	updates  chan netlink.AddrUpdate
	stop     chan struct{}
	once     sync.Once
	current  string
}

func NewAddrMonitor(onChange func(oldAddr, newAddr string)) *AddrMonitor {
	return &AddrMonitor{
		onChange: onChange,
		updates:  make(chan netlink.AddrUpdate),
		stop:     make(chan struct{}),
	}
}

func (m *AddrMonitor) Start() error {
	addr, err := defaultRouteAddr()
	if err != nil {
		return fmt.Errorf("initial address: %w", err)
	}
	m.current = addr
	if err := netlink.AddrSubscribe(m.updates, m.stop); err != nil {
		return fmt.Errorf("netlink subscribe: %w", err)
	}
	go m.loop()
	return nil
}

func (m *AddrMonitor) Stop() {
	m.once.Do(func() { close(m.stop) })
}

func (m *AddrMonitor) loop() {
	for {
		select {
		case <-m.stop:
			return
		case _, ok := <-m.updates:
			if !ok {
				return
			}
			addr, err := defaultRouteAddr()
			if err != nil || addr == m.current {
				continue
			}
			old := m.current
			m.current = addr
			if m.onChange != nil {
				m.onChange(old, addr)
			}
		}
	}
}

func defaultRouteAddr() (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("list routes: %w", err)
	}
	index := -1
	for _, r := range routes {
		if r.Dst == nil || r.Dst.IP.IsUnspecified() {
			index = r.LinkIndex
			break
		}
	}
	if index == -1 {
		return "", fmt.Errorf("no default route")
	}
	iface, err := net.InterfaceByIndex(index)
	if err != nil {
		return "", err
	}
	return firstIPv4(iface)
}
