package database

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
