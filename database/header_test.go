package database

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := &storeHeader{
		pageSize:     4096,
		commitNumber: 7,
		sub: pageManagerSubHeader{
			freeListHead: 42,
			freeListSize: 3,
			pageCount:    1000,
		},
		extra: extraCommitData{
			encodingVersion:        1,
			registryRootPageID:     256,
			masterUndoLogPageID:    0,
			highestTxnID:           99,
			redoCheckpointNumber:   5,
			redoCheckpointTxnID:    12,
			redoCheckpointPosition: 0,
		},
	}

	buf := make([]byte, headerSize)
	h.encode(buf)

	got, err := decodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h.pageSize, got.pageSize)
	require.Equal(t, h.commitNumber, got.commitNumber)
	require.Equal(t, h.sub, got.sub)
	require.Equal(t, h.extra, got.extra)
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, headerSize)
	_, err := decodeHeader(buf)
	require.Error(t, err)
	var dbErr *Error
	require.ErrorAs(t, err, &dbErr)
	require.Equal(t, CodeCorruptStore, dbErr.Code)
}

func TestDecodeHeaderRejectsBadCRC(t *testing.T) {
	h := &storeHeader{pageSize: 4096, commitNumber: 1}
	buf := make([]byte, headerSize)
	h.encode(buf)
	buf[100] ^= 0xFF // corrupt a byte inside the sub-header, CRC no longer matches

	_, err := decodeHeader(buf)
	require.Error(t, err)
	var dbErr *Error
	require.ErrorAs(t, err, &dbErr)
	require.Equal(t, CodeCorruptStore, dbErr.Code)
}

func TestDecodeHeaderRejectsTruncatedSlot(t *testing.T) {
	_, err := decodeHeader(make([]byte, headerSize-1))
	require.Error(t, err)
}

func TestCommitNumberNewerWrapsAroundUint32(t *testing.T) {
	require.True(t, commitNumberNewer(2, 1))
	require.False(t, commitNumberNewer(1, 2))
	require.False(t, commitNumberNewer(1, 1))

	// commit numbers wrap modulo 2^32: a small number just past the wrap
	// point is newer than one just before it.
	require.True(t, commitNumberNewer(1, 0xFFFFFFFE))
	require.False(t, commitNumberNewer(0xFFFFFFFE, 1))
}
