// Package types holds the identifiers, error taxonomy, and value
// skeleton shared across the storage kernel. It has no dependency on
// any other package in this module.
package types

import "fmt"

// PageId indexes into a file's page array.
type PageId uint32

// InvalidPageId is the sentinel for "no page".
const InvalidPageId PageId = 1<<32 - 1

// SlotId indexes a slot within a page's slot directory.
type SlotId uint16

// RecordId names a record by its page and slot.
type RecordId struct {
	PageId PageId
	SlotId SlotId
}

func (r RecordId) String() string {
	return fmt.Sprintf("(%d,%d)", r.PageId, r.SlotId)
}

// IsZero reports whether r is the zero value (page 0, slot 0). That
// pair is also the id of the first record stored on page 0.
func (r RecordId) IsZero() bool {
	return r.PageId == 0 && r.SlotId == 0
}

// TableId names a table in the catalog kept by the executor
// collaborator. The core only uses it as part of lock resource
// identity.
type TableId uint32

// TxnId is a monotonically increasing transaction identifier assigned
// by the WAL.
type TxnId uint64

// InvalidTxnId is the sentinel for "no transaction".
const InvalidTxnId TxnId = 0

// LSN is a monotonically increasing log sequence number.
type LSN uint64

// InvalidLSN is the sentinel for "no log record".
const InvalidLSN LSN = 0

// PageSize is the fixed on-disk and in-memory page size, in bytes.
const PageSize = 4096
