package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const trustedDeviceColumns = `
	device_id,
	device_name,
	device_type,
	certificate_fingerprint,
	protocol_version,
	paired_at,
	last_seen_timestamp,
	last_known_address`

// SaveTrustedDevice inserts or replaces the trust record of a paired device.
// The pin, name and type always take the new values; a zero PairedAt keeps
// the stored one or uses the current time for a new row.
func (s *Store) SaveTrustedDevice(device TrustedDevice) error {
	if strings.TrimSpace(device.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if device.CertificateFingerprint == "" {
		return errors.New("certificate_fingerprint is required")
	}
	if strings.TrimSpace(device.DeviceName) == "" {
		device.DeviceName = device.DeviceID
	}
	if device.DeviceType == "" {
		device.DeviceType = "unknown"
	}
	pairedAt := device.PairedAt
	if pairedAt == 0 {
		pairedAt = s.clock.Now().UnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO trusted_devices (`+trustedDeviceColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			device_type = excluded.device_type,
			certificate_fingerprint = excluded.certificate_fingerprint,
			protocol_version = excluded.protocol_version,
			paired_at = CASE WHEN ? > 0 THEN excluded.paired_at ELSE trusted_devices.paired_at END,
			last_seen_timestamp = COALESCE(excluded.last_seen_timestamp, trusted_devices.last_seen_timestamp),
			last_known_address = COALESCE(excluded.last_known_address, trusted_devices.last_known_address)`,
		device.DeviceID,
		device.DeviceName,
		device.DeviceType,
		device.CertificateFingerprint,
		device.ProtocolVersion,
		pairedAt,
		nullInt64(device.LastSeenTimestamp),
		nullString(device.LastKnownAddress),
		device.PairedAt,
	)
	if err != nil {
		return fmt.Errorf("save trusted device %q: %w", device.DeviceID, err)
	}
	return nil
}

// GetTrustedDevice fetches a trust record by device ID.
func (s *Store) GetTrustedDevice(deviceID string) (*TrustedDevice, error) {
	row := s.db.QueryRow(
		`SELECT`+trustedDeviceColumns+`
		FROM trusted_devices
		WHERE device_id = ?`,
		deviceID,
	)

	device, err := scanTrustedDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trusted device %q: %w", deviceID, err)
	}
	return device, nil
}

// ListTrustedDevices returns every trust record sorted by name.
func (s *Store) ListTrustedDevices() ([]TrustedDevice, error) {
	rows, err := s.db.Query(
		`SELECT` + trustedDeviceColumns + `
		FROM trusted_devices
		ORDER BY device_name, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list trusted devices: %w", err)
	}
	defer rows.Close()

	devices := make([]TrustedDevice, 0)
	for rows.Next() {
		device, err := scanTrustedDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trusted device row: %w", err)
		}
		devices = append(devices, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trusted device rows: %w", err)
	}
	return devices, nil
}

// RemoveTrustedDevice deletes a trust record.
func (s *Store) RemoveTrustedDevice(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM trusted_devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove trusted device %q: %w", deviceID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove trusted device %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchTrustedDevice records where and when a trusted device was last
// connected.
func (s *Store) TouchTrustedDevice(deviceID, address string, seenAt time.Time) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if seenAt.IsZero() {
		seenAt = s.clock.Now()
	}

	res, err := s.db.Exec(
		`UPDATE trusted_devices
		SET last_seen_timestamp = ?,
		    last_known_address = CASE WHEN ? != '' THEN ? ELSE last_known_address END
		WHERE device_id = ?`,
		seenAt.UnixMilli(),
		address,
		address,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("touch trusted device %q: %w", deviceID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for touch trusted device %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTrustedDevice(row rowScanner) (*TrustedDevice, error) {
	var (
		device      TrustedDevice
		lastSeen    sql.NullInt64
		lastAddress sql.NullString
	)
	if err := row.Scan(
		&device.DeviceID,
		&device.DeviceName,
		&device.DeviceType,
		&device.CertificateFingerprint,
		&device.ProtocolVersion,
		&device.PairedAt,
		&lastSeen,
		&lastAddress,
	); err != nil {
		return nil, err
	}

	device.LastSeenTimestamp = int64Ptr(lastSeen)
	device.LastKnownAddress = stringPtr(lastAddress)
	return &device, nil
}
