// Package flags reads cobra flag values regardless of whether they are local, persistent, or inherited.
package flags

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	keyValueSeparator           = "="
	keyValueFormatErrorTemplate = "%w: %q (expected key=value)"
	keyValueMissingKeyMessage   = "flag value must be key=value"
)

// ErrFlagNotDefined indicates that the requested flag is not present on the command.
var ErrFlagNotDefined = errors.New("flag not defined")

// ErrInvalidKeyValue indicates a key=value flag entry without a key or separator.
var ErrInvalidKeyValue = errors.New(keyValueMissingKeyMessage)

// StringFlag returns the flag value and whether it was set explicitly.
func StringFlag(command *cobra.Command, name string) (string, bool, error) {
	flagSet, flag := locateFlag(command, name)
	if flag == nil {
		return "", false, ErrFlagNotDefined
	}
	value, err := flagSet.GetString(name)
	if err != nil {
		return "", false, err
	}
	return value, flag.Changed, nil
}

// StringSliceFlag returns the flag values and whether they were set explicitly.
func StringSliceFlag(command *cobra.Command, name string) ([]string, bool, error) {
	flagSet, flag := locateFlag(command, name)
	if flag == nil {
		return nil, false, ErrFlagNotDefined
	}
	values, err := flagSet.GetStringSlice(name)
	if err != nil {
		return nil, false, err
	}
	return values, flag.Changed, nil
}

func locateFlag(command *cobra.Command, name string) (*pflag.FlagSet, *pflag.Flag) {
	if command == nil {
		return nil, nil
	}

	candidateSets := []*pflag.FlagSet{
		command.Flags(),
		command.PersistentFlags(),
		command.InheritedFlags(),
	}

	if root := command.Root(); root != nil {
		candidateSets = append(candidateSets, root.PersistentFlags())
	}

	for _, set := range candidateSets {
		if set == nil {
			continue
		}
		if flag := set.Lookup(name); flag != nil {
			return set, flag
		}
	}

	return nil, nil
}

// KeyValueFlag parses a repeatable key=value string array flag into a map. Later entries win.
func KeyValueFlag(command *cobra.Command, name string) (map[string]string, bool, error) {
	flagSet, flag := locateFlag(command, name)
	if flag == nil {
		return nil, false, ErrFlagNotDefined
	}
	entries, err := flagSet.GetStringArray(name)
	if err != nil {
		return nil, false, err
	}
	pairs, parseError := ParseKeyValuePairs(entries)
	if parseError != nil {
		return nil, flag.Changed, parseError
	}
	return pairs, flag.Changed, nil
}

// ParseKeyValuePairs splits each entry on the first '='. Keys are trimmed; values are kept verbatim.
func ParseKeyValuePairs(entries []string) (map[string]string, error) {
	pairs := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, found := strings.Cut(entry, keyValueSeparator)
		trimmedKey := strings.TrimSpace(key)
		if !found || len(trimmedKey) == 0 {
			return nil, fmt.Errorf(keyValueFormatErrorTemplate, ErrInvalidKeyValue, entry)
		}
		pairs[trimmedKey] = value
	}
	return pairs, nil
}
