package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// AppendSecurityEvent writes one audit row. Zero Severity means info, a
// zero At means now and empty Details are stored as an empty object.
func (s *Store) AppendSecurityEvent(event SecurityEvent) error {
	if strings.TrimSpace(string(event.Type)) == "" {
		return errors.New("storage: security event type is required")
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if !event.Severity.valid() {
		return fmt.Errorf("storage: invalid severity %q", event.Severity)
	}
	if len(event.Details) == 0 {
		event.Details = json.RawMessage("{}")
	}
	if !json.Valid(event.Details) {
		return errors.New("storage: security event details are not valid JSON")
	}
	if event.At.IsZero() {
		event.At = s.clock.Now()
	}

	var device sql.NullString
	if id := strings.TrimSpace(event.DeviceID); id != "" {
		device = sql.NullString{String: id, Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT INTO security_events (event_type, device_id, details, severity, at) VALUES (?, ?, ?, ?, ?)`,
		string(event.Type), device, string(event.Details), string(event.Severity), event.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert security event %s: %w", event.Type, err)
	}
	return nil
}

// RecordSecurityEvent appends an event for deviceID with details encoded
// as a JSON object.
func (s *Store) RecordSecurityEvent(eventType EventType, deviceID string, severity Severity, details map[string]any) error {
	event := SecurityEvent{Type: eventType, DeviceID: deviceID, Severity: severity}
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encode security event details: %w", err)
		}
		event.Details = raw
	}
	return s.AppendSecurityEvent(event)
}

// SecurityEvents returns matching events, newest first.
func (s *Store) SecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	if filter.Severity != "" && !filter.Severity.valid() {
		return nil, fmt.Errorf("storage: invalid severity %q", filter.Severity)
	}

	var (
		query strings.Builder
		args  []any
	)
	query.WriteString(`SELECT id, event_type, device_id, details, severity, at FROM security_events WHERE 1 = 1`)
	if filter.Type != "" {
		query.WriteString(` AND event_type = ?`)
		args = append(args, string(filter.Type))
	}
	if filter.DeviceID != "" {
		query.WriteString(` AND device_id = ?`)
		args = append(args, filter.DeviceID)
	}
	if filter.Severity != "" {
		query.WriteString(` AND severity = ?`)
		args = append(args, string(filter.Severity))
	}
	if !filter.Since.IsZero() {
		query.WriteString(` AND at >= ?`)
		args = append(args, filter.Since.UnixMilli())
	}
	if !filter.Until.IsZero() {
		query.WriteString(` AND at <= ?`)
		args = append(args, filter.Until.UnixMilli())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	query.WriteString(` ORDER BY at DESC, id DESC LIMIT ? OFFSET ?`)
	args = append(args, min(limit, maxEventLimit), max(filter.Offset, 0))

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan security event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// PruneSecurityEvents deletes events recorded before cutoff and reports
// how many went.
func (s *Store) PruneSecurityEvents(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM security_events WHERE at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}

func scanSecurityEvent(row rowScanner) (SecurityEvent, error) {
	var (
		event    SecurityEvent
		kind     string
		device   sql.NullString
		details  string
		severity string
		at       int64
	)
	if err := row.Scan(&event.ID, &kind, &device, &details, &severity, &at); err != nil {
		return SecurityEvent{}, err
	}
	event.Type = EventType(kind)
	event.DeviceID = device.String
	event.Details = json.RawMessage(details)
	event.Severity = Severity(severity)
	event.At = time.UnixMilli(at)
	return event, nil
}
