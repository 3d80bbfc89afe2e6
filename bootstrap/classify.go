// Package bootstrap keeps the device-side imager service installed on
// netbooted devices and removed from locally-booted ones. It runs once at
// boot, classifies the boot by the root filesystem's mount source, and
// converges the installation accordingly.
package bootstrap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

const procMountsPath = "/proc/mounts"

// BootKind is how the running system was booted.
type BootKind int

const (
	BootLocal BootKind = iota
	BootNetwork
)

func (k BootKind) String() string {
	if k == BootNetwork {
		return "network"
	}
	return "local"
}

// ClassifyBoot inspects /proc/mounts and reports whether the root
// filesystem comes over the network.
func ClassifyBoot() (BootKind, error) {
	f, err := os.Open(procMountsPath)
	if err != nil {
		return BootLocal, fmt.Errorf("reading %s: %w", procMountsPath, err)
	}
	defer f.Close()
	return classifyMounts(f)
}

// classifyMounts finds the root mount entry. NFS roots and any
// host:/path source count as network boots; block devices, overlays and
// tmpfs roots count as local.
func classifyMounts(r io.Reader) (BootKind, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || fields[1] != "/" {
			continue
		}
		source, fstype := fields[0], fields[2]

		if strings.HasPrefix(fstype, "nfs") || strings.Contains(source, ":/") {
			return BootNetwork, nil
		}
		return BootLocal, nil
	}
	if err := scanner.Err(); err != nil {
		return BootLocal, err
	}
	return BootLocal, fmt.Errorf("no root mount entry found")
}
