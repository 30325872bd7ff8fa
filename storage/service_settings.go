package storage

import (
	"errors"
	"fmt"
	"strings"
)

// SetServiceEnabled stores whether service runs for deviceID, or for every
// device without its own setting when deviceID is empty.
func (s *Store) SetServiceEnabled(service, deviceID string, enabled bool) error {
	if strings.TrimSpace(service) == "" {
		return errors.New("service is required")
	}
	_, err := s.db.Exec(
		`INSERT INTO service_settings (service, device_id, enabled, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service, device_id) DO UPDATE SET
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		service, deviceID, enabled, s.clock.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save service setting %s/%q: %w", service, deviceID, err)
	}
	return nil
}

// ClearServiceSetting drops one setting so the next broader one applies.
func (s *Store) ClearServiceSetting(service, deviceID string) error {
	result, err := s.db.Exec(`DELETE FROM service_settings WHERE service = ? AND device_id = ?`, service, deviceID)
	if err != nil {
		return fmt.Errorf("clear service setting %s/%q: %w", service, deviceID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("clear service setting %s/%q: %w", service, deviceID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ServiceSettings lists every stored setting ordered by service, with the
// default row of a service first.
func (s *Store) ServiceSettings() ([]ServiceSetting, error) {
	rows, err := s.db.Query(
		`SELECT service, device_id, enabled, updated_at
		FROM service_settings
		ORDER BY service, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list service settings: %w", err)
	}
	defer rows.Close()

	var settings []ServiceSetting
	for rows.Next() {
		var setting ServiceSetting
		if err := rows.Scan(&setting.Service, &setting.DeviceID, &setting.Enabled, &setting.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan service setting: %w", err)
		}
		settings = append(settings, setting)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate service settings: %w", err)
	}
	return settings, nil
}
