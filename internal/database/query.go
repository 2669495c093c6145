package database

import (
	"maps"
	"strings"

	"github.com/jackc/pgx/v5"
)

// where collects AND-ed conditions written against pgx named arguments
// ("note_type = @note_type").
type where struct {
	conds []string
	named pgx.NamedArgs
}

func (w *where) add(cond, name string, val any) {
	if w.named == nil {
		w.named = pgx.NamedArgs{}
	}
	w.conds = append(w.conds, cond)
	w.named[name] = val
}

// String renders " WHERE ..." or "" when there are no conditions.
func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// args returns a copy of the named arguments with extra merged in.
func (w *where) args(extra pgx.NamedArgs) pgx.NamedArgs {
	out := make(pgx.NamedArgs, len(w.named)+len(extra))
	maps.Copy(out, w.named)
	maps.Copy(out, extra)
	return out
}
