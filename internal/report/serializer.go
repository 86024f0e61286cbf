// Pelorus - Multi-Source Position Tracking and Fusion
// Copyright 2026 Pelorus Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pelorus-nav/pelorus

package report

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Serializer handles report encoding/decoding for NATS messages and DLQ storage.
type Serializer struct{}

// NewSerializer creates a new serializer.
func NewSerializer() *Serializer {
	return &Serializer{}
}

// MarshalFused converts a fused report to JSON bytes.
func (s *Serializer) MarshalFused(f *FusedReport) ([]byte, error) {
	if f.IdentityKey == "" {
		return nil, &ValidationError{Field: "identity_key", Message: "required"}
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal fused report: %w", err)
	}
	return data, nil
}

// UnmarshalFused converts JSON bytes to a fused report.
func (s *Serializer) UnmarshalFused(data []byte) (*FusedReport, error) {
	var f FusedReport
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal fused report: %w", err)
	}
	return &f, nil
}

// UnmarshalRaw converts a source payload to a raw report.
func (s *Serializer) UnmarshalRaw(data []byte) (*RawReport, error) {
	var r RawReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal raw report: %w", err)
	}
	return &r, nil
}

// SerializeFused is a convenience function that marshals a fused report to JSON.
func SerializeFused(f *FusedReport) ([]byte, error) {
	return NewSerializer().MarshalFused(f)
}

// DeserializeFused is a convenience function that unmarshals JSON to a fused report.
func DeserializeFused(data []byte) (*FusedReport, error) {
	return NewSerializer().UnmarshalFused(data)
}
