package iputils

import (
	"fmt"
	"net"
)

// LocalIPv4 lists the non-loopback, non-link-local IPv4 addresses of the box.
func LocalIPv4() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		ips = append(ips, ipv4From(addrs)...)
	}
	return ips, nil
}

func ipv4From(addrs []net.Addr) []net.IP {
	var ips []net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP == nil || ipNet.IP.IsLoopback() {
			continue
		}
		if ip := ipNet.IP.To4(); ip != nil && !ip.IsLinkLocalUnicast() {
			ips = append(ips, ip)
		}
	}
	return ips
}

// PanelURLs returns the addresses a browser on the LAN can open the
// screenshot page at. It falls back to localhost.
func PanelURLs(port int) []string {
	ips, err := LocalIPv4()
	if err != nil || len(ips) == 0 {
		return []string{fmt.Sprintf("http://localhost:%d/", port)}
	}
	urls := make([]string, 0, len(ips))
	for _, ip := range ips {
		urls = append(urls, fmt.Sprintf("http://%s/", net.JoinHostPort(ip.String(), fmt.Sprint(port))))
	}
	return urls
}
