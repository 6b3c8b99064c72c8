package escrow

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MinDeadlineWindow = time.Minute
	// MaxDeadlineWindow is eight 30-day months.
	MaxDeadlineWindow = 8 * 30 * 24 * time.Hour

	MaxTitleLen       = 50
	MaxDescriptionLen = 200
	MaxCategoryLen    = 30
	MaxTags           = 5
	MaxTagLen         = 20
	MaxReasonLen      = 80

	// EvidenceBytes is the size of a bill-of-lading hash.
	EvidenceBytes = 32
)

// ValidateDeadlineWindow checks that deadline lies between one minute and eight
// months after now.
func ValidateDeadlineWindow(deadline, now time.Time) error {
	window := deadline.Sub(now)
	if window < MinDeadlineWindow {
		return fmt.Errorf("%w: %s is less than %s after %s", ErrDeadlineTooShort, deadline.UTC().Format(time.RFC3339), MinDeadlineWindow, now.UTC().Format(time.RFC3339))
	}
	if window > MaxDeadlineWindow {
		return fmt.Errorf("%w: %s is more than 8 months after %s", ErrDeadlineTooLong, deadline.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}
	return nil
}

// ValidateMetadata enforces the length and count limits on order metadata.
func ValidateMetadata(m Metadata) error {
	if n := utf8.RuneCountInString(m.Title); n > MaxTitleLen {
		return fmt.Errorf("%w: title has %d characters (max %d)", ErrMetadataInvalid, n, MaxTitleLen)
	}
	if n := utf8.RuneCountInString(m.Description); n > MaxDescriptionLen {
		return fmt.Errorf("%w: description has %d characters (max %d)", ErrMetadataInvalid, n, MaxDescriptionLen)
	}
	if n := utf8.RuneCountInString(m.Category); n > MaxCategoryLen {
		return fmt.Errorf("%w: category has %d characters (max %d)", ErrMetadataInvalid, n, MaxCategoryLen)
	}
	if len(m.Tags) > MaxTags {
		return fmt.Errorf("%w: %d tags (max %d)", ErrMetadataInvalid, len(m.Tags), MaxTags)
	}
	for _, tag := range m.Tags {
		if n := utf8.RuneCountInString(tag); n > MaxTagLen {
			return fmt.Errorf("%w: tag %q has %d characters (max %d)", ErrMetadataInvalid, tag, n, MaxTagLen)
		}
	}
	return nil
}

func validateReason(field, text string) error {
	if n := utf8.RuneCountInString(text); n > MaxReasonLen {
		return fmt.Errorf("%w: %s has %d characters (max %d)", ErrTextTooLong, field, n, MaxReasonLen)
	}
	return nil
}

// NormalizeEvidence lower-cases and validates a hex encoded bill-of-lading hash.
func NormalizeEvidence(hash string) (string, error) {
	h := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(hash)), "0x")
	raw, err := hex.DecodeString(h)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEvidence, err)
	}
	if len(raw) != EvidenceBytes {
		return "", fmt.Errorf("%w: hash is %d bytes, want %d", ErrInvalidEvidence, len(raw), EvidenceBytes)
	}
	return h, nil
}

func validateParties(importer, exporter, verifier string) error {
	if importer == "" || exporter == "" || verifier == "" {
		return fmt.Errorf("%w: importer, exporter and verifier are required", ErrInvalidParties)
	}
	if importer == exporter || importer == verifier || exporter == verifier {
		return fmt.Errorf("%w: importer, exporter and verifier must be distinct", ErrInvalidParties)
	}
	return nil
}
