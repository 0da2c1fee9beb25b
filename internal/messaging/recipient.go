package messaging

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/Lockstep/internal/models"
)

// WhatsAppPrefix is the address scheme for WhatsApp recipients.
const WhatsAppPrefix = "whatsapp:"

var (
	phoneSeparators = regexp.MustCompile(`[\s\-().]`)
	e164Pattern     = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)
)

// NormalizePhone strips separators and any whatsapp: scheme and checks the
// result is E.164.
func NormalizePhone(raw string) (string, error) {
	phone := strings.TrimPrefix(strings.TrimSpace(raw), WhatsAppPrefix)
	phone = phoneSeparators.ReplaceAllString(phone, "")
	if strings.HasPrefix(phone, "00") {
		phone = "+" + phone[2:]
	}
	if !e164Pattern.MatchString(phone) {
		return "", models.ErrInvalidPhone
	}
	return phone, nil
}

// FormatRecipient returns the provider address of phone on channel:
// "+E164" for SMS and "whatsapp:+E164" for WhatsApp.
func FormatRecipient(phone string, channel models.Channel) (string, error) {
	e164, err := NormalizePhone(phone)
	if err != nil {
		return "", err
	}
	switch channel {
	case models.ChannelSMS:
		return e164, nil
	case models.ChannelWhatsApp:
		return WhatsAppPrefix + e164, nil
	default:
		return "", models.ErrUnsupportedChannel
	}
}
