package publish

import (
	"errors"
	"fmt"
)

// Reason is a stable machine readable rejection code.
type Reason string

const (
	ReasonMalformedInput        Reason = "malformed_input"
	ReasonInvalidLogID          Reason = "invalid_log_id"
	ReasonInvalidSeqNum         Reason = "invalid_seq_num"
	ReasonBacklinkMissing       Reason = "backlink_missing"
	ReasonSkiplinkMissing       Reason = "skiplink_missing"
	ReasonChainIntegrityFailure Reason = "chain_integrity_failure"
	ReasonStorageFailure        Reason = "storage_failure"
)

// ProtocolError reports why a client supplied entry was rejected.
type ProtocolError struct {
	Reason Reason
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func newProtocolError(reason Reason, cause error) error {
	return &ProtocolError{Reason: reason, Err: cause}
}

// ReasonOf returns the rejection reason carried by err. Errors that are not
// protocol errors are reported as storage failures.
func ReasonOf(err error) Reason {
	var protocolErr *ProtocolError
	if errors.As(err, &protocolErr) {
		return protocolErr.Reason
	}
	return ReasonStorageFailure
}

// ServiceError wraps infrastructure failures with a dotted code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
