package queue

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/liquidator/types"
)

func entry(addr common.Address, hfScaled uint64, debt uint64) types.QueueEntry {
	return types.QueueEntry{
		Borrower:      addr,
		HF:            uint256.NewInt(hfScaled),
		TotalDebtBase: uint256.NewInt(debt),
	}
}

func TestPopReturnsMostUrgentFirst(t *testing.T) {
	q := New(Config{Name: "t", MaxSize: 10}, nil)

	a := common.HexToAddress("0x1")
	b := common.HexToAddress("0x2")
	c := common.HexToAddress("0x3")

	require.True(t, q.Admit(entry(a, 1_010_000_000_000_000_000, 100)))
	require.True(t, q.Admit(entry(b, 1_001_000_000_000_000_000, 100))) // most urgent
	require.True(t, q.Admit(entry(c, 1_005_000_000_000_000_000, 100)))

	got, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, b, got.Borrower, "lowest HF must pop first")

	got, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, c, got.Borrower)

	got, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, a, got.Borrower)

	_, ok = q.Pop()
	require.False(t, ok)
}

func TestAdmitEvictsLeastUrgentAtCapacity(t *testing.T) {
	q := New(Config{Name: "t", MaxSize: 2}, nil)

	safe := common.HexToAddress("0x1")
	mid := common.HexToAddress("0x2")
	urgent := common.HexToAddress("0x3")

	require.True(t, q.Admit(entry(safe, 1_050_000_000_000_000_000, 100)))
	require.True(t, q.Admit(entry(mid, 1_020_000_000_000_000_000, 100)))
	require.Equal(t, 2, q.Len())

	require.True(t, q.Admit(entry(urgent, 1_001_000_000_000_000_000, 100)))
	require.Equal(t, 2, q.Len())
	require.False(t, q.Contains(safe), "safest entry should have been evicted")
	require.True(t, q.Contains(mid))
	require.True(t, q.Contains(urgent))
}

func TestAdmitRejectsLessUrgentNewcomerAtCapacity(t *testing.T) {
	q := New(Config{Name: "t", MaxSize: 2}, nil)

	urgent := common.HexToAddress("0x1")
	mid := common.HexToAddress("0x2")
	safe := common.HexToAddress("0x3")

	require.True(t, q.Admit(entry(urgent, 1_001_000_000_000_000_000, 100)))
	require.True(t, q.Admit(entry(mid, 1_020_000_000_000_000_000, 100)))

	require.False(t, q.Admit(entry(safe, 1_050_000_000_000_000_000, 100)),
		"a less urgent newcomer must not displace a more urgent resident")
	require.Equal(t, 2, q.Len())
	require.True(t, q.Contains(urgent))
	require.True(t, q.Contains(mid))
	require.False(t, q.Contains(safe))

	// An equal-priority newcomer loses the tie to the earlier-queued
	// resident as well.
	tie := common.HexToAddress("0x4")
	require.False(t, q.Admit(entry(tie, 1_020_000_000_000_000_000, 100)))
}

func TestAdmitRejectsBelowMinDebt(t *testing.T) {
	q := New(Config{Name: "t", MaxSize: 10, MinDebtBase: uint256.NewInt(1000)}, nil)
	a := common.HexToAddress("0x1")
	require.False(t, q.Admit(entry(a, 1_000_000_000_000_000_000, 500)))
	require.Equal(t, 0, q.Len())
}

func TestRemove(t *testing.T) {
	q := New(Config{Name: "t", MaxSize: 10}, nil)
	a := common.HexToAddress("0x1")
	require.True(t, q.Admit(entry(a, 1_000_000_000_000_000_000, 100)))
	q.Remove(a)
	require.False(t, q.Contains(a))
	_, ok := q.Pop()
	require.False(t, ok)
}

func TestAdmitUpdatesExistingEntry(t *testing.T) {
	q := New(Config{Name: "t", MaxSize: 10}, nil)
	a := common.HexToAddress("0x1")
	require.True(t, q.Admit(entry(a, 1_050_000_000_000_000_000, 100)))
	require.True(t, q.Admit(entry(a, 1_001_000_000_000_000_000, 100)))
	require.Equal(t, 1, q.Len())

	got, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, uint256.NewInt(1_001_000_000_000_000_000), got.HF)
}
