// SPDX-License-Identifier: MIT

package validate

import "github.com/rs/zerolog"

// ErrInvalidLogLevel rejects level names zerolog does not know.
var ErrInvalidLogLevel = &Error{
	Field:   "log_level",
	Message: "invalid log level (must be a zerolog level such as debug, info, warn, error)",
}

// ParseLogLevel validates a log level name against zerolog's level set, so
// config validation and the runtime logger can never disagree on what a
// level means. Empty is rejected; defaults fill the level before
// validation runs.
func ParseLogLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.NoLevel, ErrInvalidLogLevel
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, ErrInvalidLogLevel
	}
	return level, nil
}
