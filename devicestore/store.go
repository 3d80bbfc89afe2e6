// Package devicestore persists per-device boot history across orchestrator
// restarts. Records are created on first sight of a MAC and updated on every
// subsequent boot observation or status poll.
package devicestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// bootDedupWindow collapses repeated boot events for the same MAC into one
// boot. PXE firmware fetches several files in quick succession; only gaps
// beyond this window count as a new boot.
const bootDedupWindow = 2 * time.Minute

// DeviceRecord is one device's durable history.
type DeviceRecord struct {
	MAC          string    `json:"mac"`
	IP           string    `json:"ip,omitempty"`
	Hostname     string    `json:"hostname,omitempty"`
	LastBootTime time.Time `json:"last_boot_time,omitzero"`
	BootCount    int       `json:"boot_count"`
	ActiveImage  string    `json:"active_image,omitempty"`
	Status       string    `json:"status"`
}

// BootObservation is one correlated boot event to be merged into the store.
// IP and Image may be empty when unknown; empty values never clobber known
// ones.
type BootObservation struct {
	MAC      string
	IP       string
	Hostname string
	Image    string
	BootTime time.Time
}

// Store is the sqlite-backed device record store.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// New opens (creating if necessary) the device store at dbPath.
func New(dbPath string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open device store: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create device store schema: %w", err)
	}

	log.Info("Device store ready", "path", dbPath)
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordBoot upserts a device record from a boot observation. The first
// sighting creates the record; later sightings bump boot_count only when the
// previous boot is older than the dedup window.
func (s *Store) RecordBoot(ctx context.Context, obs BootObservation) error {
	mac := strings.ToLower(obs.MAC)
	if mac == "" {
		return fmt.Errorf("boot observation without MAC")
	}

	existing, err := s.Get(ctx, mac)
	if err != nil {
		return err
	}

	if existing == nil {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO devices (mac, ip, hostname, last_boot_time, boot_count, active_image, status)
			VALUES (?, ?, ?, ?, 1, ?, ?)`,
			mac, obs.IP, obs.Hostname, formatTime(obs.BootTime), obs.Image, StatusUnknown)
		if err != nil {
			return fmt.Errorf("failed to insert device %s: %w", mac, err)
		}
		s.log.Info("Device first seen", "mac", mac, "ip", obs.IP)
		return nil
	}

	newBoot := existing.LastBootTime.IsZero() || obs.BootTime.Sub(existing.LastBootTime) > bootDedupWindow

	ip := existing.IP
	if obs.IP != "" {
		ip = obs.IP
	}
	hostname := existing.Hostname
	if obs.Hostname != "" {
		hostname = obs.Hostname
	}
	image := existing.ActiveImage
	if obs.Image != "" {
		image = obs.Image
	}

	bootCount := existing.BootCount
	lastBoot := existing.LastBootTime
	if newBoot {
		bootCount++
		lastBoot = obs.BootTime
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE devices
		SET ip = ?, hostname = ?, last_boot_time = ?, boot_count = ?, active_image = ?, updated_at = CURRENT_TIMESTAMP
		WHERE mac = ?`,
		ip, hostname, formatTime(lastBoot), bootCount, image, mac)
	if err != nil {
		return fmt.Errorf("failed to update device %s: %w", mac, err)
	}

	s.log.Debug("Device boot recorded", "mac", mac, "ip", ip, "bootCount", bootCount, "newBoot", newBoot)
	return nil
}

// UpdateStatus records the last observed reachability status for a device.
func (s *Store) UpdateStatus(ctx context.Context, mac, status string) error {
	mac = strings.ToLower(mac)
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE mac = ?`, status, mac)
	if err != nil {
		return fmt.Errorf("failed to update status for %s: %w", mac, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("device not found: %s", mac)
	}
	return nil
}

// Get returns a device record, or nil when the MAC has never been seen.
func (s *Store) Get(ctx context.Context, mac string) (*DeviceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT mac, ip, hostname, last_boot_time, boot_count, active_image, status
		FROM devices WHERE mac = ?`, strings.ToLower(mac))

	rec, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device %s: %w", mac, err)
	}
	return rec, nil
}

// GetByIP returns the most recently booted device holding the given IP, or
// nil when none is known.
func (s *Store) GetByIP(ctx context.Context, ip string) (*DeviceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT mac, ip, hostname, last_boot_time, boot_count, active_image, status
		FROM devices WHERE ip = ? ORDER BY last_boot_time DESC LIMIT 1`, ip)

	rec, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device by ip %s: %w", ip, err)
	}
	return rec, nil
}

// List returns all device records, most recently booted first.
func (s *Store) List(ctx context.Context) ([]*DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mac, ip, hostname, last_boot_time, boot_count, active_image, status
		FROM devices ORDER BY last_boot_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*DeviceRecord
	for rows.Next() {
		rec, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		devices = append(devices, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("device rows error: %w", err)
	}
	return devices, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*DeviceRecord, error) {
	var rec DeviceRecord
	var lastBoot string

	if err := row.Scan(&rec.MAC, &rec.IP, &rec.Hostname, &lastBoot, &rec.BootCount, &rec.ActiveImage, &rec.Status); err != nil {
		return nil, err
	}

	if lastBoot != "" {
		t, err := time.Parse(time.RFC3339, lastBoot)
		if err != nil {
			return nil, fmt.Errorf("invalid last_boot_time %q: %w", lastBoot, err)
		}
		rec.LastBootTime = t
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
