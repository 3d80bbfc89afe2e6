// Package bootevents consumes the network-boot daemon's log stream and turns
// ephemeral boot transactions into durable device records. IP assignment
// happens on an external DHCP server in proxy mode, so a device's address is
// only discoverable by correlating transfer and lease events sharing a MAC.
package bootevents

import (
	"regexp"
	"strings"
	"time"
)

// Event is a recognized boot daemon log event.
type Event interface {
	EventTime() time.Time
}

// TransferEvent is a PXE/TFTP boot file transfer: the device identified
// itself by MAC and requested a boot file.
type TransferEvent struct {
	Time     time.Time
	MAC      string
	Filename string
}

// LeaseEvent is a DHCP acknowledgment assigning an IP to a MAC.
type LeaseEvent struct {
	Time     time.Time
	MAC      string
	IP       string
	Hostname string
}

func (e TransferEvent) EventTime() time.Time { return e.Time }
func (e LeaseEvent) EventTime() time.Time    { return e.Time }

// dnsmasq log lines, e.g.
//
//	Dec 24 23:52:53 dnsmasq-dhcp[34]: 3274722395 PXE(eth0) 2c:cf:67:7c:d4:67 proxy
//	Dec 26 17:39:48 dnsmasq-dhcp[34]: DHCPACK(eth0) 10.10.200.101 dc:a6:32:aa:bb:cc raspberrypi
var (
	transferPattern = regexp.MustCompile(`^(\w{3} {1,2}\d{1,2} \d{2}:\d{2}:\d{2}) .*PXE\([^)]+\)\s+([0-9a-fA-F:]{17})\s+(\S+)`)
	leasePattern    = regexp.MustCompile(`^(\w{3} {1,2}\d{1,2} \d{2}:\d{2}:\d{2}) .*DHCPACK\([^)]+\)\s+(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\s+([0-9a-fA-F:]{17})(?:\s+(\S+))?`)
)

// Parse classifies one log line. The second result is false for lines that
// are not boot events (other daemon chatter, malformed input); such lines are
// skipped by the caller, never fatal. The parse is pure: now is only used to
// infer the year missing from syslog timestamps.
func Parse(line string, now time.Time) (Event, bool) {
	if m := leasePattern.FindStringSubmatch(line); m != nil {
		ts, err := parseSyslogTime(m[1], now)
		if err != nil {
			return nil, false
		}
		return LeaseEvent{
			Time:     ts,
			IP:       m[2],
			MAC:      strings.ToLower(m[3]),
			Hostname: m[4],
		}, true
	}

	if m := transferPattern.FindStringSubmatch(line); m != nil {
		ts, err := parseSyslogTime(m[1], now)
		if err != nil {
			return nil, false
		}
		return TransferEvent{
			Time:     ts,
			MAC:      strings.ToLower(m[2]),
			Filename: m[3],
		}, true
	}

	return nil, false
}

// parseSyslogTime parses the year-less syslog timestamp, assuming the current
// year and falling back to the previous one across new year boundaries.
func parseSyslogTime(value string, now time.Time) (time.Time, error) {
	t, err := time.ParseInLocation("Jan _2 15:04:05", value, now.Location())
	if err != nil {
		return time.Time{}, err
	}

	t = t.AddDate(now.Year(), 0, 0)
	if t.After(now.Add(24 * time.Hour)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t, nil
}
