package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"peerlink/logging"
)

var logger = logging.Logger("storage")

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

// Severity grades an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// EventType names an audit event.
type EventType string

// Audit events written by the device registry and the CLI.
const (
	EventPairingAccepted     EventType = "pairing_accepted"
	EventPairingDeclined     EventType = "pairing_declined"
	EventPairingTimedOut     EventType = "pairing_timed_out"
	EventUnpaired            EventType = "unpaired"
	EventFingerprintMismatch EventType = "fingerprint_mismatch"
	EventInsecureChannel     EventType = "insecure_channel"
)

// TrustedDevice is a paired peer and the certificate pinned when pairing
// succeeded. Timestamps are Unix milliseconds.
type TrustedDevice struct {
	DeviceID               string
	DeviceName             string
	DeviceType             string
	CertificateFingerprint string
	ProtocolVersion        int
	PairedAt               int64
	LastSeenTimestamp      *int64
	LastKnownAddress       *string
}

// ServiceSetting turns a service on or off. An empty DeviceID is the
// default for devices without their own setting. UpdatedAt is Unix
// milliseconds.
type ServiceSetting struct {
	Service   string
	DeviceID  string
	Enabled   bool
	UpdatedAt int64
}

// SecurityEvent is one row of the audit log. DeviceID is empty for
// events not tied to a peer.
type SecurityEvent struct {
	ID       int64
	Type     EventType
	DeviceID string
	Severity Severity
	Details  json.RawMessage
	At       time.Time
}

// SecurityEventFilter narrows SecurityEvents. Zero fields match anything.
type SecurityEventFilter struct {
	Type     EventType
	DeviceID string
	Severity Severity
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	return &ni.Int64
}
