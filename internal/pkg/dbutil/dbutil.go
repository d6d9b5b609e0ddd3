package dbutil

import (
	"github.com/jmoiron/sqlx"
)

// Finalize rewrites the "?" placeholders produced by the query builder into
// postgres positional parameters.
func Finalize(query string, args []interface{}) (string, []interface{}) {
	return sqlx.Rebind(sqlx.DOLLAR, query), args
}
