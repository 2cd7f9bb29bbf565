package bridge

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// BrokerURL turns a device's broker setting into a paho server URL.
// A bare host gets the tcp scheme. A positive port overrides any port in
// the broker string; otherwise defaultPort fills a missing one.
func BrokerURL(broker string, port, defaultPort int) (string, error) {
	broker = strings.TrimSpace(broker)
	if broker == "" {
		return "", fmt.Errorf("broker address is empty")
	}
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	u, err := url.Parse(broker)
	if err != nil {
		return "", fmt.Errorf("invalid broker address %q: %w", broker, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid broker address %q: missing host", broker)
	}

	switch {
	case port > 0:
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	case u.Port() == "":
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(defaultPort))
	}
	return u.String(), nil
}
