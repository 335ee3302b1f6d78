package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to a flag name to form the variable supplying its default.
const EnvPrefix = "TWEET_PROC_"

// EnvName maps a flag name such as "queue-url" to TWEET_PROC_QUEUE_URL.
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// LoadDotEnv loads variables from path without overriding those already set.
// A missing file is not an error unless required is true.
func LoadDotEnv(path string, required bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err != nil && !required && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// EnvString returns the variable for flag, or def when unset.
func EnvString(flag, def string) string {
	if v, ok := os.LookupEnv(EnvName(flag)); ok && v != "" {
		return v
	}
	return def
}

// EnvInt returns the variable for flag parsed as an int, or def when unset or invalid.
func EnvInt(flag string, def int) int {
	if v, err := strconv.Atoi(EnvString(flag, "")); err == nil {
		return v
	}
	return def
}

// EnvBool returns the variable for flag parsed as a bool, or def when unset or invalid.
func EnvBool(flag string, def bool) bool {
	if v, err := strconv.ParseBool(EnvString(flag, "")); err == nil {
		return v
	}
	return def
}

// EnvDuration returns the variable for flag parsed as a duration, or def when
// unset or invalid. A bare number is read as milliseconds.
func EnvDuration(flag string, def time.Duration) time.Duration {
	raw := EnvString(flag, "")
	if raw == "" {
		return def
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}
