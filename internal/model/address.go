package model

// RecordAddress locates one record slot: (page number, record number within
// the page).
type RecordAddress struct {
	Page   uint32
	Record uint16
}

// Equal compares two addresses. Page 0 record 0 is a valid address, so
// callers that need a nilable address use *RecordAddress instead.
func (a RecordAddress) Equal(o RecordAddress) bool {
	return a.Page == o.Page && a.Record == o.Record
}

// StorageRange is a contiguous run of records within a single page.
type StorageRange struct {
	Page   uint32
	Start  uint16
	Length uint16
}

// End returns the exclusive end record number of the range.
func (r StorageRange) End() uint16 { return r.Start + r.Length }

// Adjacent reports whether o immediately follows r in the same page, for
// the FST's free-range coalescing.
func (r StorageRange) Adjacent(o StorageRange) bool {
	return r.Page == o.Page && r.End() == o.Start
}

// Address returns the address of the first record in the range.
func (r StorageRange) Address() RecordAddress {
	return RecordAddress{Page: r.Page, Record: r.Start}
}

// NodeAllocation is the ordered sequence of ranges that together store one
// node's record.
type NodeAllocation struct {
	Ranges []StorageRange
}

// Address is the allocation's address: the first range's first record.
func (a NodeAllocation) Address() RecordAddress {
	if len(a.Ranges) == 0 {
		return RecordAddress{}
	}
	return a.Ranges[0].Address()
}

// TotalRecords sums record counts across all ranges.
func (a NodeAllocation) TotalRecords() int {
	n := 0
	for _, r := range a.Ranges {
		n += int(r.Length)
	}
	return n
}

// TotalByteLength computes the allocation's total byte length:
// (totalAddresses-1)*recordSize + lastChunkSize when spanning multiple
// records, else lastChunkSize.
func (a NodeAllocation) TotalByteLength(recordSize int, lastChunkSize int) int {
	total := a.TotalRecords()
	if total <= 1 {
		return lastChunkSize
	}
	return (total-1)*recordSize + lastChunkSize
}

// ChunkEntryType enumerates the chunk-table entry kinds.
type ChunkEntryType uint8

const (
	ChunkTerminator        ChunkEntryType = 0
	ChunkFirstRangeLength  ChunkEntryType = 1
	ChunkExplicitRange     ChunkEntryType = 2
	ChunkContiguousPages   ChunkEntryType = 3 // reserved, never produced
)

// NodeAddressEntry binds a path to its current record address. Path is not stored here; the cache keys by path.
type NodeAddressEntry struct {
	Address RecordAddress
}

// InternalNodeReference is an in-memory placeholder, created only during a
// merge write, standing in for an unchanged or relocated external child.
type InternalNodeReference struct {
	Type    ValueType
	Address RecordAddress
}

// NodeInfo is the external-facing descriptor returned by locate/getChildren.
type NodeInfo struct {
	Path    Path
	Exists  bool
	Key     string // property key, or numeric index as string for arrays
	Index   int
	IsArray bool
	Type    ValueType
	Value   *Value         // set when the value was resolved inline
	Address *RecordAddress // set when the child is external
}
