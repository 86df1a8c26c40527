// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

var (
	// ErrNoAPIKey indicates a provider requires a key but none is
	// configured and no fallback route applies.
	ErrNoAPIKey = errors.New("no API key configured")

	// ErrUnsupportedProvider indicates a provider type no transport
	// implements.
	ErrUnsupportedProvider = errors.New("unsupported provider type")

	// ErrQuotaExceeded indicates the free-tier quota was exhausted.
	// Surfaced to the user as a notification, not a message error.
	ErrQuotaExceeded = errors.New("free-tier quota exceeded")

	// ErrNoServerKey indicates the proxy relay has no server-side key
	// provisioned. Also notification-only.
	ErrNoServerKey = errors.New("relay has no server-side key")
)

// APIError is a non-2xx response from a provider endpoint.
type APIError struct {
	Provider string // provider ID
	Status   int    // HTTP status code
	Code     string // provider error code, if any
	Message  string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s API error (HTTP %d, %s): %s", e.Provider, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s API error (HTTP %d): %s", e.Provider, e.Status, e.Message)
}

// IsNotification reports whether err should surface as a transient
// notification rather than an error recorded on the message.
func IsNotification(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrNoServerKey)
}

// IsConfiguration reports whether err is a local configuration problem
// detected before any network request was made.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrNoAPIKey) || errors.Is(err, ErrUnsupportedProvider)
}
