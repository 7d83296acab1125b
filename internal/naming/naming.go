// Package naming provides deterministic index and table names shared by the store backends.
package naming

import "fmt"

// ascendingSuffix is appended to a field name to name its ascending single-field index.
const ascendingSuffix = "_1"

// namespaceSep separates a database namespace from a table name.
const namespaceSep = "."

// IndexName returns the name of the ascending single-field index on field.
// "name" becomes "name_1", matching the default naming of document stores.
func IndexName(field string) string {
	return field + ascendingSuffix
}

// Qualified returns the namespaced table name for stores without a database level.
// With an empty database the table name is returned unchanged.
func Qualified(database, table string) string {
	if database == "" {
		return table
	}
	return fmt.Sprintf("%s%s%s", database, namespaceSep, table)
}
