package message

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // 4KB max payload text
	MaxContentChars = 2000 // max character count
)

// validTypes matches the message type enumeration of the storage schema.
var validTypes = map[string]bool{
	"TEXT":       true,
	"IMAGE":      true,
	"FILE":       true,
	"AUDIO":      true,
	"VIDEO":      true,
	"SYSTEM":     true,
	"VOICE_CALL": true,
}

// NormalizeType validates the message type, defaulting an empty value to
// TEXT.
func NormalizeType(msgType string) (string, error) {
	if msgType == "" {
		return "TEXT", nil
	}
	if !validTypes[msgType] {
		return "", fmt.Errorf("message: invalid type %q", msgType)
	}
	return msgType, nil
}

// ValidateContent checks that message text meets content requirements.
// Empty text is allowed: non-text message types carry their payload in
// contentMeta.
func ValidateContent(text string) error {
	if len(text) > MaxContentBytes {
		return fmt.Errorf("message: text exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(text) > MaxContentChars {
		return fmt.Errorf("message: text exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message: text contains invalid UTF-8")
	}
	return nil
}
