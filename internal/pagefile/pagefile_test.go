package pagefile

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"hieradb/internal/model"
)

func openFile(t *testing.T, path string) *File {
	t.Helper()
	f, err := Open(path, HeaderLength, 8, 32)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestReadWriteRoundTrip(t *testing.T) {
	f := openFile(t, filepath.Join(t.TempDir(), "rt.db"))
	require.NoError(t, f.EnsureCapacity(0))

	data := []byte("hello, paged world")
	f.WriteData(0, 2, 5, data, len(data))

	got := make([]byte, len(data))
	f.ReadData(0, 2, 5, got, len(got))
	require.Equal(t, data, got)
}

func TestWriteSpansRecordBoundary(t *testing.T) {
	f := openFile(t, filepath.Join(t.TempDir(), "span.db"))
	require.NoError(t, f.EnsureCapacity(0))

	// 3 records of 32 bytes, written as one contiguous range.
	data := make([]byte, 96)
	for i := range data {
		data[i] = byte(i)
	}
	f.WriteRange(model.StorageRange{Page: 0, Start: 1, Length: 3}, data)

	got := f.ReadRange(model.StorageRange{Page: 0, Start: 1, Length: 3}, 96)
	require.Equal(t, data, got)

	// The middle record alone carries bytes 32..63.
	mid := make([]byte, 32)
	f.ReadData(0, 2, 0, mid, 32)
	require.Equal(t, data[32:64], mid)
}

func TestEnsureCapacityGrowsPageCount(t *testing.T) {
	f := openFile(t, filepath.Join(t.TempDir(), "grow.db"))
	require.EqualValues(t, 0, f.PageCount())

	// Growth maps ahead of need, so the count lands at or beyond the request.
	require.NoError(t, f.EnsureCapacity(2))
	require.GreaterOrEqual(t, f.PageCount(), uint32(3))
}

func TestHeaderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hdr.db")
	f := openFile(t, path)

	h := Header{Version: CurrentVersion, PageSize: 8, RecordSize: 32}
	require.NoError(t, f.WriteHeader(h))

	got, err := f.ReadHeader()
	require.NoError(t, err)
	require.Equal(t, CurrentVersion, got.Version)
	require.EqualValues(t, 8, got.PageSize)
	require.EqualValues(t, 32, got.RecordSize)
	require.False(t, got.RootSet)

	h.Root = model.RecordAddress{Page: 3, Record: 7}
	h.RootSet = true
	require.NoError(t, f.WriteHeader(h))

	got, err = f.ReadHeader()
	require.NoError(t, err)
	require.True(t, got.RootSet)
	require.Equal(t, model.RecordAddress{Page: 3, Record: 7}, got.Root)
}

func TestHeaderKeyTableRoundTrip(t *testing.T) {
	f := openFile(t, filepath.Join(t.TempDir(), "keys.db"))

	h := Header{Version: CurrentVersion, PageSize: 8, RecordSize: 32,
		Keys: []string{"title", "year", "author"}}
	require.NoError(t, f.WriteHeader(h))

	got, err := f.ReadHeader()
	require.NoError(t, err)
	require.Equal(t, []string{"title", "year", "author"}, got.Keys)

	// Rewriting with a grown vocabulary replaces the block in place.
	h.Keys = append(h.Keys, "isbn")
	require.NoError(t, f.WriteHeader(h))
	got, err = f.ReadHeader()
	require.NoError(t, err)
	require.Equal(t, []string{"title", "year", "author", "isbn"}, got.Keys)
}

func TestDecodeHeaderRejectsOverrunKeyTable(t *testing.T) {
	buf := Header{Version: CurrentVersion, PageSize: 8, RecordSize: 32}.Encode()
	// Claim more keys than the block can possibly hold.
	binary.BigEndian.PutUint16(buf[fixedHeaderLen:], 0xFFFF)
	_, err := DecodeHeader(buf)
	require.Error(t, err)
}

func TestRootAddressZeroIsValid(t *testing.T) {
	// Page 0 record 0 is a real address once the root is first written, so
	// it must round-trip as "set" rather than be mistaken for absent.
	h := Header{Version: CurrentVersion, PageSize: 8, RecordSize: 32, RootSet: true}
	got, err := DecodeHeader(h.Encode())
	require.NoError(t, err)
	require.True(t, got.RootSet)
	require.Equal(t, model.RecordAddress{}, got.Root)
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	buf := Header{Version: CurrentVersion, PageSize: 8, RecordSize: 32}.Encode()
	buf[0] = 'X'
	_, err := DecodeHeader(buf)
	require.Error(t, err)
}

func TestDataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	f, err := Open(path, HeaderLength, 8, 32)
	require.NoError(t, err)
	require.NoError(t, f.WriteHeader(Header{Version: CurrentVersion, PageSize: 8, RecordSize: 32}))
	require.NoError(t, f.EnsureCapacity(0))
	payload := []byte("durable")
	f.WriteData(0, 0, 0, payload, len(payload))
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	f2 := openFile(t, path)
	got := make([]byte, len(payload))
	f2.ReadData(0, 0, 0, got, len(got))
	require.Equal(t, payload, got)
}
