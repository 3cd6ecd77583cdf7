package monitor

import (
	"net"
	"strings"
	"time"

	"github.com/e2openplugins/webgrab/internal/logging"
)

// localBroker is where the receiver's own broker listens when one is installed.
const localBroker = "127.0.0.1:1883"

// ResolveBroker turns the configured broker into a paho URL. "auto" probes
// the local broker; an empty value disables monitoring.
func ResolveBroker(broker string) (string, bool) {
	broker = strings.TrimSpace(broker)
	switch broker {
	case "":
		return "", false
	case "auto":
		if !IsPortOpen(localBroker) {
			logging.InfoLogger.Printf("No MQTT broker reachable at %s", localBroker)
			return "", false
		}
		logging.InfoLogger.Printf("MQTT broker found at %s", localBroker)
		return "tcp://" + localBroker, true
	}
	if !strings.Contains(broker, "://") {
		if _, _, err := net.SplitHostPort(broker); err != nil {
			broker += ":1883"
		}
		broker = "tcp://" + broker
	}
	return broker, true
}

// IsPortOpen tests if a port is open by attempting to connect
func IsPortOpen(address string) bool {
	timeout := 100 * time.Millisecond
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	return true
}
