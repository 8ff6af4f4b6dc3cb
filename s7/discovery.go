package s7

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"
)

// DiscoveredDevice contains identity information about a discovered S7 PLC.
type DiscoveredDevice struct {
	IP          net.IP // Device IP address
	Port        uint16 // S7 port (102)
	Rack        int    // Configured rack (default 0)
	Slot        int    // Configured slot (default 0 for S7-1200/1500, 2 for S7-300/400)
	ProductName string // Product name if available
	PDUSize     int    // PDU size granted during negotiation
	Connected   bool   // True if the PDU negotiation succeeded
}

// Discover scans a list of IP addresses for S7 PLCs by attempting to connect
// to TCP port 102 and performing the ISO connect and PDU negotiation.
//
// ips is a list of IP addresses to probe.
// timeout is the connection timeout per device (e.g., 500ms).
// concurrency is the number of parallel probes (e.g., 20).
//
// Returns discovered devices that responded to S7 protocol.
func Discover(ips []net.IP, timeout time.Duration, concurrency int) []DiscoveredDevice {
	if len(ips) == 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	if concurrency <= 0 {
		concurrency = 20
	}

	var (
		results []DiscoveredDevice
		mu      sync.Mutex
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)

	for _, ip := range ips {
		wg.Add(1)
		sem <- struct{}{}

		go func(ip net.IP) {
			defer wg.Done()
			defer func() { <-sem }()

			device := probeS7(ip, timeout)
			if device != nil {
				mu.Lock()
				results = append(results, *device)
				mu.Unlock()
			}
		}(ip)
	}

	wg.Wait()
	return results
}

// DiscoverSubnet scans a subnet for S7 PLCs.
// cidr is in the format "192.168.1.0/24".
func DiscoverSubnet(cidr string, timeout time.Duration, concurrency int) ([]DiscoveredDevice, error) {
	ips, err := expandCIDR(cidr)
	if err != nil {
		return nil, err
	}
	return Discover(ips, timeout, concurrency), nil
}

// probeS7 attempts to connect to an S7 PLC and identify it.
func probeS7(ip net.IP, timeout time.Duration) *DiscoveredDevice {
	addr := hostPort(ip.String(), defaultS7Port)

	// Try S7-1200/1500 first (rack 0, slot 0), then S7-300/400 (rack 0, slot 2)
	for _, slot := range []int{0, 1, 2} {
		if device := tryS7Connect(ip, addr, 0, slot, timeout); device != nil {
			return device
		}
	}
	return nil
}

// tryS7Connect runs the ISO connect and PDU negotiation with a specific
// rack/slot on a throwaway connection.
func tryS7Connect(ip net.IP, addr string, rack, slot int, timeout time.Duration) *DiscoveredDevice {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 512), maxTelegramSize+1)
	sc.Split(scanTPKT)
	next := func() []byte {
		for sc.Scan() {
			if !isFastAck(sc.Bytes()) {
				return sc.Bytes()
			}
		}
		return nil
	}

	if _, err := conn.Write(buildConnectRequest(rack, slot, 0, 0, false)); err != nil {
		return nil
	}
	if f := next(); f == nil || checkConnectConfirm(f) != nil {
		return nil
	}

	device := &DiscoveredDevice{
		IP:          ip,
		Port:        defaultS7Port,
		Rack:        rack,
		Slot:        slot,
		ProductName: "Siemens S7 PLC",
	}

	if _, err := conn.Write(buildNegotiateRequest(1, 960)); err != nil {
		return device
	}
	if f := next(); f != nil {
		if n, err := parseNegotiateResponse(f); err == nil {
			device.PDUSize = n.pduSize
			device.Connected = true
		}
	}
	return device
}

// expandCIDR expands a CIDR notation to a list of IP addresses.
func expandCIDR(cidr string) ([]net.IP, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR: %w", err)
	}

	var ips []net.IP
	for ip := ip.Mask(ipnet.Mask); ipnet.Contains(ip); inc(ip) {
		// Skip network and broadcast addresses for /24 and larger
		ones, bits := ipnet.Mask.Size()
		if bits-ones >= 8 {
			if ip[len(ip)-1] == 0 || ip[len(ip)-1] == 255 {
				continue
			}
		}
		ipCopy := make(net.IP, len(ip))
		copy(ipCopy, ip)
		ips = append(ips, ipCopy)
	}

	return ips, nil
}

// inc increments an IP address.
func inc(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
