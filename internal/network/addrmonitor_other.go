//go:build !linux

package network

import (
	"sync"
	"time"
)

const addrPollInterval = 5 * time.Second

// AddrMonitor polls interface addresses where netlink is not available.
type AddrMonitor struct {
	onChange func(oldAddr, newAddr string)
	stop     chan struct{}
	once     sync.Once
	current  string
}

func NewAddrMonitor(onChange func(oldAddr, newAddr string)) *AddrMonitor {
	return &AddrMonitor{onChange: onChange, stop: make(chan struct{})}
}

func (m *AddrMonitor) Start() error {
	addr, err := anyIPv4()
	if err != nil {
		return err
	}
	m.current = addr
	go m.loop()
	return nil
}

func (m *AddrMonitor) Stop() {
	m.once.Do(func() { close(m.stop) })
}

func (m *AddrMonitor) loop() {
	ticker := time.NewTicker(addrPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			addr, err := anyIPv4()
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
