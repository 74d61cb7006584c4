package session

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// PrivacyFilter masks caller-identifying fields in snapshots before they
// leave the process. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskCallerIDs  bool
	MaskChannelIDs bool
}

// Apply returns a masked copy of s. The original is never modified.
func (f *PrivacyFilter) Apply(s Snapshot) Snapshot {
	masked := s
	masked.History = append([]string{}, s.History...)

	if f.MaskCallerIDs && masked.CallerID != "" {
		masked.CallerID = maskNumber(masked.CallerID)
	}

	masked.ChannelID = f.MaskChannelID(masked.ChannelID)

	return masked
}

// MaskChannelID masks a bare channel id the same way Apply does.
func (f *PrivacyFilter) MaskChannelID(id string) string {
	if f.MaskChannelIDs && id != "" {
		return shortHash(id)
	}
	return id
}

// FilterSlice applies the filter to every snapshot in a new slice.
func (f *PrivacyFilter) FilterSlice(sessions []Snapshot) []Snapshot {
	result := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, f.Apply(s))
	}
	return result
}

// IsNoop reports whether the filter changes nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskCallerIDs && !f.MaskChannelIDs
}

// maskNumber keeps the last four characters of a caller number.
func maskNumber(n string) string {
	if len(n) <= 4 {
		return strings.Repeat("*", len(n))
	}
	return strings.Repeat("*", len(n)-4) + n[len(n)-4:]
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
