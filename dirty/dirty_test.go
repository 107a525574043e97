package dirty

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/liquidator/telemetry"
	"github.com/fenwick-labs/liquidator/types"
)

func TestMarkAndDrain(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := func() time.Time { return now }
	s := New(Config{TTL: time.Minute}, clk, nil)

	a := common.HexToAddress("0x1")
	b := common.HexToAddress("0x2")
	s.Mark(a, types.ReasonBorrow)
	s.Mark(a, types.ReasonPriceMove)
	s.Mark(b, types.ReasonProjection)

	require.Equal(t, 2, s.Len())

	drained := s.Drain()
	require.Len(t, drained, 2)
	require.ElementsMatch(t, []types.Reason{types.ReasonBorrow, types.ReasonPriceMove}, drained[a])
	require.ElementsMatch(t, []types.Reason{types.ReasonProjection}, drained[b])

	require.Equal(t, 0, s.Len())
}

func TestMarkConsumeIsDirty(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := func() time.Time { return now }
	s := New(Config{TTL: time.Minute}, clk, nil)

	a := common.HexToAddress("0x1")
	s.Mark(a, types.ReasonBorrow)
	require.True(t, s.IsDirty(a))

	reasons, ok := s.Consume(a)
	require.True(t, ok)
	require.ElementsMatch(t, []types.Reason{types.ReasonBorrow}, reasons)

	require.False(t, s.IsDirty(a), "mark then consume then isDirty must be false")
	_, ok = s.Consume(a)
	require.False(t, ok, "a second consume in the same pass finds nothing")
}

func TestMarkCountsOnlyFirstAdditionOfReason(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := metrics.NewRegistry()
	s := New(Config{TTL: time.Minute}, func() time.Time { return now }, telemetry.New(nil, reg))

	a := common.HexToAddress("0x1")
	s.Mark(a, types.ReasonBorrow)
	s.Mark(a, types.ReasonBorrow) // TTL refresh, not a new mark
	s.Mark(a, types.ReasonPriceMove)

	require.Equal(t, int64(2), metrics.GetOrRegisterCounter("dirty/marked", reg).Snapshot().Count())
}

func TestIntersectKeepsInputOrder(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(Config{TTL: time.Minute}, func() time.Time { return now }, nil)

	a := common.HexToAddress("0x1")
	b := common.HexToAddress("0x2")
	c := common.HexToAddress("0x3")
	s.Mark(c, types.ReasonPriceMove)
	s.Mark(a, types.ReasonPriceMove)

	got := s.Intersect([]common.Address{a, b, c})
	require.Equal(t, []common.Address{a, c}, got)
}

func TestExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := func() time.Time { return now }
	s := New(Config{TTL: 10 * time.Second}, clk, nil)

	a := common.HexToAddress("0x1")
	s.Mark(a, types.ReasonBorrow)

	now = now.Add(11 * time.Second)
	require.Equal(t, 0, s.Len())

	drained := s.Drain()
	require.Empty(t, drained)
}
