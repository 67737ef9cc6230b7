package protocol

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// ValidateSDP rejects descriptions that do not parse as SDP.
func ValidateSDP(raw string) error {
	if raw == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if !strings.HasPrefix(raw, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("invalid SDP: %w", err)
	}
	return nil
}

// Fingerprint returns the DTLS fingerprint of a description, or "" if none is present.
// A change of fingerprint between two offers from the same peer means the remote side
// recreated its connection.
func Fingerprint(raw string) string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return ""
	}
	if fp, ok := desc.Attribute("fingerprint"); ok {
		return fp
	}
	for _, m := range desc.MediaDescriptions {
		if fp, ok := m.Attribute("fingerprint"); ok {
			return fp
		}
	}
	return ""
}
