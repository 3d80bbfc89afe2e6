package devicestore

// Schema defines the SQLite schema for the device history store. Devices are
// keyed by MAC, the only fleet-stable identifier; IP and hostname are
// ephemeral and overwritten as boots are observed. Records are never deleted
// automatically.
const Schema = `
CREATE TABLE IF NOT EXISTS devices (
    mac TEXT PRIMARY KEY,
    ip TEXT NOT NULL DEFAULT '',
    hostname TEXT NOT NULL DEFAULT '',
    last_boot_time TEXT NOT NULL DEFAULT '',
    boot_count INTEGER NOT NULL DEFAULT 0,
    active_image TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'unknown',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_devices_ip ON devices(ip);
CREATE INDEX IF NOT EXISTS idx_devices_last_boot ON devices(last_boot_time);
`

// Device status values.
const (
	StatusUnknown     = "unknown"
	StatusOnline      = "online"
	StatusUnreachable = "unreachable"
)
