package buildmanager

import "regexp"

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateIdentity returns ErrInvalidIdentity unless id consists only of
// ASCII letters, digits, underscores and hyphens. An identity is used both as
// a directory name and as part of log file names, so anything else (path
// separators, dots, shell metacharacters, the empty string) is rejected.
func ValidateIdentity(id string) error {
	if !identityPattern.MatchString(id) {
		return ErrInvalidIdentity
	}

	return nil
}
