package protocol

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

var hexDigestRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// IsHexDigest reports whether s is a 64-char lowercase hex digest, per
// invariant I6.
func IsHexDigest(s string) bool {
	return hexDigestRe.MatchString(s)
}

// ValidateRoomRef checks hashVersion and the two room identifiers. The
// returned error's text is prefixed so callers can surface a meaningful
// ack/rejection message (spec.md section 7).
func ValidateRoomRef(ref RoomRef) error {
	if ref.HashVersion != HashVersion {
		return fmt.Errorf("hashVersion must be %q", HashVersion)
	}
	if !IsHexDigest(ref.RepoID) {
		return fmt.Errorf("repoId must be a 64-char hex digest")
	}
	if len(ref.FilePath) > FilePathMaxLength || !IsHexDigest(ref.FilePath) {
		return fmt.Errorf("filePath must be a 64-char hex digest")
	}
	return nil
}

// ValidateFunctionID checks the functionId digest.
func ValidateFunctionID(functionID string) error {
	if !IsHexDigest(functionID) {
		return fmt.Errorf("functionId must be a 64-char hex digest")
	}
	return nil
}

// ValidateAnchorLine checks anchorLine is a positive integer.
func ValidateAnchorLine(anchorLine int) error {
	if anchorLine <= 0 {
		return fmt.Errorf("anchorLine must be a positive integer")
	}
	return nil
}

// ValidateEditLike validates the common shape of edit:push and presence:set.
func ValidateEditLike(ref RoomRef, functionID string, anchorLine int) error {
	if err := ValidateRoomRef(ref); err != nil {
		return err
	}
	if err := ValidateFunctionID(functionID); err != nil {
		return err
	}
	return ValidateAnchorLine(anchorLine)
}

// ValidateIdentity checks the handshake's identity fields: userId,
// displayName, emoji must be non-empty and within their length bounds.
func ValidateIdentity(userID, displayName, emoji string) error {
	if userID == "" {
		return fmt.Errorf("identity: userId must not be empty")
	}
	if displayName == "" || utf8.RuneCountInString(displayName) > DisplayNameMaxLength {
		return fmt.Errorf("display name must be 1-%d characters", DisplayNameMaxLength)
	}
	if emoji == "" || utf8.RuneCountInString(emoji) > EmojiMaxLength {
		return fmt.Errorf("emoji must be 1-%d characters", EmojiMaxLength)
	}
	return nil
}
