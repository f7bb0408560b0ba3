package sql

import (
	"database/sql/driver"

	"github.com/lib/pq"
)

// scopeArray adapts a []string to a Postgres text[] column via pq.Array,
// the same mechanism dex's storage/sql package would reach for if it
// stored multi-valued columns natively instead of serializing a blob
// column (see storage/sql/crud.go's Connector.ConfigRaw for the blob
// approach this repo deliberately avoids for scopes, since scopes need to
// be queried/filtered on their own).
type scopeArray []string

func (a scopeArray) Value() (driver.Value, error) {
	return pq.Array([]string(a)).Value()
}

func (a *scopeArray) Scan(src interface{}) error {
	return pq.Array((*[]string)(a)).Scan(src)
}

func (a scopeArray) Strings() []string {
	return []string(a)
}
