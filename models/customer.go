package models

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"gorm.io/gorm"
)

// countryCallingPrefix is dropped from internationally formatted numbers
// before suffix matching ("+66-81-234-5678" and "081-234-5678" refer to the
// same subscriber).
const countryCallingPrefix = "66"

// phoneSuffixLen is the number of trailing digits a Thai subscriber number
// carries once the leading zero / country code is gone.
const phoneSuffixLen = 9

// CustomerIdentity is a stable identity keyed by a normalized contact
// number. Many ledger rows may point at one identity; the link is nullable.
type CustomerIdentity struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	PhoneKey    string    `gorm:"uniqueIndex;size:20;not null" json:"phone_key"`
	DisplayName string    `gorm:"size:255" json:"display_name"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// NormalizePhone reduces a raw contact identifier to a matchable key:
// strip non-digits, drop the country calling prefix and any leading zero,
// keep the trailing phoneSuffixLen digits. ok is false when not enough
// digits survive to identify a subscriber.
func NormalizePhone(raw string) (key string, ok bool) {
	var digits strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	if strings.HasPrefix(d, countryCallingPrefix) && len(d) > phoneSuffixLen {
		d = d[len(countryCallingPrefix):]
	}
	d = strings.TrimPrefix(d, "0")

	if len(d) < phoneSuffixLen {
		return "", false
	}
	return d[len(d)-phoneSuffixLen:], true
}

// FindCustomerIdentityByPhone resolves a raw contact number to an existing
// identity. No identity is ever invented here.
func FindCustomerIdentityByPhone(ctx context.Context, db *gorm.DB, rawPhone string) (*CustomerIdentity, error) {
	key, ok := NormalizePhone(rawPhone)
	if !ok {
		return nil, nil
	}

	var identity CustomerIdentity
	err := db.WithContext(ctx).Where("phone_key = ?", key).Take(&identity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &identity, nil
}
