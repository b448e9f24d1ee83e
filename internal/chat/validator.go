package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// MaxContentBytes caps the encoded size of a single message.
	MaxContentBytes = 4096
	// MaxContentRunes caps the visible character count.
	MaxContentRunes = 2000
)

// ValidateContent checks a chat message body. Error text is safe to echo to
// the client.
func ValidateContent(content string) error {
	if content == "" {
		return errors.New("Message is empty")
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("Message exceeds %d bytes", MaxContentBytes)
	}
	if !utf8.ValidString(content) {
		return errors.New("Message is not valid UTF-8")
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return fmt.Errorf("Message exceeds %d characters", MaxContentRunes)
	}
	return nil
}
