package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"text/template"
)

// Bootstrap artifacts are regenerated per request so address or secret
// changes propagate on the next device boot, never from a cached copy.

// installScriptTemplate is POSIX sh: it runs under the minimal shell of a
// netbooted initramfs, not bash.
var installScriptTemplate = template.Must(template.New("install").Parse(`#!/bin/sh
# Installs or updates the netboot imager service. Safe to run on every boot.
set -e

echo "Installing/updating netboot-imager service..."

mkdir -p /opt/netboot-imager

if ! curl -fsS http://{{.Server}}/api/bootstrap/imager-service -o /opt/netboot-imager/netboot-imager; then
    echo "ERROR: failed to download imager service" >&2
    exit 1
fi

if ! curl -fsS http://{{.Server}}/api/bootstrap/imager-config -o /opt/netboot-imager/config.json; then
    echo "ERROR: failed to download imager config" >&2
    exit 1
fi

if ! curl -fsS http://{{.Server}}/api/bootstrap/imager-unit -o /etc/systemd/system/netboot-imager.service; then
    echo "ERROR: failed to download systemd unit" >&2
    exit 1
fi

chmod +x /opt/netboot-imager/netboot-imager

systemctl daemon-reload
systemctl enable netboot-imager 2>/dev/null || true
systemctl restart netboot-imager

echo "netboot-imager installed/updated"
`))

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=Netboot disk imager service
After=network-online.target
Wants=network-online.target

[Service]
ExecStart=/opt/netboot-imager/netboot-imager --config /opt/netboot-imager/config.json
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`))

// imagerConfig mirrors the device-side config.json schema.
type imagerConfig struct {
	AllowedIPs   []string `json:"allowed_ips"`
	SharedSecret string   `json:"shared_secret"`
	Port         int      `json:"port"`
}

type scriptParams struct {
	Server string
}

// renderInstallScript produces the boot-time install script pointed at this
// server.
func renderInstallScript(serverAddr string) ([]byte, error) {
	var buf bytes.Buffer
	if err := installScriptTemplate.Execute(&buf, scriptParams{Server: serverAddr}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// renderUnit produces the systemd unit for the device-side service.
func renderUnit() ([]byte, error) {
	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// renderImagerConfig produces the device-side config.json. The allowlist
// admits this server and its /24, matching the flat netboot segment layout.
func renderImagerConfig(serverAddr, sharedSecret string, imagerPort int) ([]byte, error) {
	host, _, err := net.SplitHostPort(serverAddr)
	if err != nil {
		host = serverAddr
	}

	allowed := []string{host}
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		allowed = append(allowed, fmt.Sprintf("%s/24", ip.Mask(net.CIDRMask(24, 32))))
	}

	return json.MarshalIndent(imagerConfig{
		AllowedIPs:   allowed,
		SharedSecret: sharedSecret,
		Port:         imagerPort,
	}, "", "  ")
}
