// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"regexp"
	"strings"
)

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// htmlStripper removes characters that would let a queue name inject
// markup into the viewer page.
var htmlStripper = strings.NewReplacer("<", "", ">", "", "&", "", "\"", "", "'", "")

var (
	errBadName  = errors.New("name must be 2-50 characters")
	errBadEmail = errors.New("invalid email address")
)

// normalizeName trims and strips markup characters from a display
// name.
func normalizeName(raw string) (string, error) {
	name := strings.TrimSpace(htmlStripper.Replace(raw))
	if len(name) < 2 || len(name) > 50 {
		return "", errBadName
	}
	return name, nil
}

// normalizeEmail lowercases, trims, and validates an email address.
func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if len(email) > 254 || !emailRe.MatchString(email) {
		return "", errBadEmail
	}
	return email, nil
}
