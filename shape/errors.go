package shape

import "fmt"

// TableNotFoundError signals that the requested root relation does not
// exist upstream. Surfaced to clients as request validation failure,
// not a server fault.
type TableNotFoundError struct {
	Table string
}

func (e *TableNotFoundError) Error() string {
	return fmt.Sprintf("table not found: %s", e.Table)
}

// BlockedTableError signals that the relation exists but is not listed
// in the exposure allowlist.
type BlockedTableError struct {
	Table string
}

func (e *BlockedTableError) Error() string {
	return fmt.Sprintf("table not exposed: %s", e.Table)
}

// FilterError signals a row filter that could not be accepted: bad
// syntax, outside the supported comparison subset, or referencing a
// column the relation does not have.
type FilterError struct {
	Where  string
	Reason string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("invalid filter %q: %s", e.Where, e.Reason)
}

// NoKeyError signals a relation without a usable row identity: no
// primary key and no implicit key column the driver could supply.
type NoKeyError struct {
	Table string
}

func (e *NoKeyError) Error() string {
	return fmt.Sprintf("table %s has no primary key and no implicit row id", e.Table)
}

// MissingKeyColumnError signals a change row that lacks one of the
// definition's key columns, so no row key can be built for it.
type MissingKeyColumnError struct {
	Table  string
	Column string
}

func (e *MissingKeyColumnError) Error() string {
	return fmt.Sprintf("row for table %s is missing key column %s", e.Table, e.Column)
}
