package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"meetline/pkg/protocol"
)

const (
	MaxDisplayNameLength = 64
	MaxPeerIDLength      = 100
)

var (
	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// UserIDRegex validates external user ID format
	UserIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)
)

// ValidateDisplayName validates the name shown to other participants.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("display name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return fmt.Errorf("display name is too long (max %d characters)", MaxDisplayNameLength)
	}
	return nil
}

// ValidateUserID validates an optional external user ID. Empty is allowed.
func ValidateUserID(userID string) error {
	if userID == "" {
		return nil
	}
	if len(userID) > MaxPeerIDLength {
		return fmt.Errorf("user ID is too long (max %d characters)", MaxPeerIDLength)
	}
	if !UserIDRegex.MatchString(userID) {
		return fmt.Errorf("invalid user ID format")
	}
	return nil
}

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > MaxPeerIDLength {
		return fmt.Errorf("peer ID is too long (max %d characters)", MaxPeerIDLength)
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateMeetingCode validates a user-entered meeting code after normalization.
func ValidateMeetingCode(code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("meeting code is required")
	}
	if err := protocol.ValidateMeetingCode(protocol.NormalizeMeetingCode(code)); err != nil {
		return fmt.Errorf("invalid meeting code: %w", err)
	}
	return nil
}

// ValidateEndpoint validates a relay websocket endpoint.
func ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid endpoint scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint must have a host")
	}
	return nil
}

// ValidateEndpoints validates an ordered endpoint list.
func ValidateEndpoints(endpoints []string) error {
	if len(endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	for i, ep := range endpoints {
		if err := ValidateEndpoint(ep); err != nil {
			return fmt.Errorf("endpoint %d: %w", i, err)
		}
	}
	return nil
}
