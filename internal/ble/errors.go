package ble

import (
	"errors"
	"fmt"
)

// Kind classifies the failures the core can surface.
type Kind uint8

const (
	KindNone Kind = iota
	ScanUnavailable
	ScanFailed
	AttachRejected
	AttachTimeout
	AttributeDiscoveryFailed
	AttributeReadFailed
	PermissionDenied
	TransportError
	AlreadyScanning
	UnknownPeer
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "NONE"
	case ScanUnavailable:
		return "SCAN_UNAVAILABLE"
	case ScanFailed:
		return "SCAN_FAILED"
	case AttachRejected:
		return "ATTACH_REJECTED"
	case AttachTimeout:
		return "ATTACH_TIMEOUT"
	case AttributeDiscoveryFailed:
		return "ATTRIBUTE_DISCOVERY_FAILED"
	case AttributeReadFailed:
		return "ATTRIBUTE_READ_FAILED"
	case PermissionDenied:
		return "PERMISSION_DENIED"
	case TransportError:
		return "TRANSPORT_ERROR"
	case AlreadyScanning:
		return "ALREADY_SCANNING"
	case UnknownPeer:
		return "UNKNOWN_PEER"
	default:
		return "UNKNOWN"
	}
}

// Error is a classified failure. Message is what the user is shown.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: %s: %v", e.Message, e.Err)
	}
	return "ble: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so the sentinels below work
// with errors.Is regardless of code or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrScanUnavailable  = &Error{Kind: ScanUnavailable, Message: "bluetooth is unavailable, check that the adapter is on"}
	ErrAlreadyScanning  = &Error{Kind: AlreadyScanning, Message: "a scan is already running"}
	ErrPermissionDenied = &Error{Kind: PermissionDenied, Message: "bluetooth permission denied"}
	ErrUnknownPeer      = &Error{Kind: UnknownPeer, Message: "device not found, scan again"}
	ErrAttachTimeout    = &Error{Kind: AttachTimeout, Message: "connection timeout, try again or pick a different device"}
)

// NewError builds a classified error with the standard message for kind.
func NewError(kind Kind, code int, err error) *Error {
	e := &Error{Kind: kind, Code: code, Err: err}
	switch kind {
	case ScanUnavailable:
		e.Message = ErrScanUnavailable.Message
	case ScanFailed:
		e.Message = ScanFailureMessage(code)
	case AttachRejected:
		e.Message = AttachStatusMessage(code)
	case AttachTimeout:
		e.Message = ErrAttachTimeout.Message
	case AttributeDiscoveryFailed:
		e.Message = "could not discover device services"
	case AttributeReadFailed:
		e.Message = "could not read battery level"
	case PermissionDenied:
		e.Message = ErrPermissionDenied.Message
	case AlreadyScanning:
		e.Message = ErrAlreadyScanning.Message
	case UnknownPeer:
		e.Message = ErrUnknownPeer.Message
	default:
		e.Message = "bluetooth error"
	}
	return e
}

// Classify returns err as an *Error, wrapping anything unclassified as a
// TransportError.
func Classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(TransportError, 0, err)
}

// AttachError is returned by Transport.Attach when the peer or the radio
// rejects the connection.
type AttachError struct {
	Status int
	Err    error
}

func (e *AttachError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: attach rejected (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("ble: attach rejected (status %d)", e.Status)
}

func (e *AttachError) Unwrap() error { return e.Err }

// ScanError is returned by Transport.Scan when the radio refuses to scan.
type ScanError struct {
	Code int
	Err  error
}

func (e *ScanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: scan failed (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("ble: scan failed (code %d)", e.Code)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Scan failure codes.
const (
	ScanFailedAlreadyStarted     = 1
	ScanFailedRegistration       = 2
	ScanFailedInternalError      = 3
	ScanFailedFeatureUnsupported = 4
	ScanFailedOutOfResources     = 5
	ScanFailedTooFrequent        = 6
)

var scanFailureMessages = map[int]string{
	ScanFailedAlreadyStarted:     "scan already running on this adapter",
	ScanFailedRegistration:       "could not register the scanner, restart bluetooth",
	ScanFailedInternalError:      "bluetooth stack reported an internal error",
	ScanFailedFeatureUnsupported: "this adapter does not support BLE scanning",
	ScanFailedOutOfResources:     "bluetooth adapter is out of resources, try again later",
	ScanFailedTooFrequent:        "scanning too frequently, wait a few seconds",
}

// ScanFailureMessage maps a scan failure code to a user-facing message.
func ScanFailureMessage(code int) string {
	if msg, ok := scanFailureMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("scan failed: code %d", code)
}
