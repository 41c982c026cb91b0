package wallet

import (
	"fmt"
	"strings"
	"unicode"
)

// Common passwords rejected outright regardless of composition.
var denyList = map[string]struct{}{
	"password":   {},
	"password1":  {},
	"12345678":   {},
	"123456789":  {},
	"qwerty123":  {},
	"letmein1":   {},
	"admin123":   {},
	"iloveyou1":  {},
	"welcome1":   {},
	"changeme1":  {},
	"password!":  {},
	"p@ssword1":  {},
	"fabstir123": {},
}

// CheckPassword enforces the encryption password policy: length ≥ 8, at
// least one digit, at least one special character, and not on the deny-list.
func CheckPassword(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("wallet: password must be at least 8 characters")
	}
	if _, denied := denyList[strings.ToLower(password)]; denied {
		return fmt.Errorf("wallet: password is too common")
	}
	var hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsDigit(r):
			hasDigit = true
		case !unicode.IsLetter(r) && !unicode.IsSpace(r):
			hasSpecial = true
		}
	}
	if !hasDigit {
		return fmt.Errorf("wallet: password must contain a digit")
	}
	if !hasSpecial {
		return fmt.Errorf("wallet: password must contain a special character")
	}
	return nil
}
