// Package utils provides small parsing helpers shared by the HTTP handlers
// and the command line. They carry no domain logic.
package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
//
// Example:
//
//	page := utils.AtoiDefault(c.Query("page"), 1)
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ParseIDList parses a comma-separated list of positive ids such as "4,7, 9".
// Empty elements are skipped, so "" yields an empty list.
func ParseIDList(raw string) ([]uint, error) {
	var ids []uint
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("id %q: not a positive integer", part)
		}
		if id == 0 {
			return nil, fmt.Errorf("id %q: must be positive", part)
		}
		ids = append(ids, uint(id))
	}
	return ids, nil
}
