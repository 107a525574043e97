package decode

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/liquidator/iface"
)

var borrowSig = common.HexToHash("0x1")

func testTable() map[Signature]Topics {
	return map[Signature]Topics{
		borrowSig: {Kind: iface.EventBorrow, ReserveTopic: 1, UserTopic: 2, UserDataWord: 1},
	}
}

func dataWord(addr common.Address) []byte {
	return common.BytesToHash(addr.Bytes()).Bytes()
}

func TestDecodeKnownEvent(t *testing.T) {
	d := New(testTable())
	borrower := common.HexToAddress("0xabc")
	reserve := common.HexToAddress("0xdef")

	log := gethtypes.Log{
		Topics: []common.Hash{
			borrowSig,
			common.BytesToHash(reserve.Bytes()),
			common.BytesToHash(borrower.Bytes()),
		},
		BlockNumber: 42,
	}

	evs, err := d.Decode(log)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, iface.EventBorrow, evs[0].Kind)
	require.Equal(t, borrower, evs[0].Borrower)
	require.Equal(t, reserve, evs[0].Reserve)
}

func TestDecodeSurfacesCallerAndBeneficiaryDeduplicated(t *testing.T) {
	d := New(testTable())
	onBehalf := common.HexToAddress("0xabc")
	caller := common.HexToAddress("0xbcd")
	reserve := common.HexToAddress("0xdef")

	log := gethtypes.Log{
		Topics: []common.Hash{
			borrowSig,
			common.BytesToHash(reserve.Bytes()),
			common.BytesToHash(onBehalf.Bytes()),
		},
		Data:        dataWord(caller),
		BlockNumber: 42,
	}

	evs, err := d.Decode(log)
	require.NoError(t, err)
	require.Len(t, evs, 2, "distinct caller and beneficiary must both be surfaced")
	require.Equal(t, onBehalf, evs[0].Borrower)
	require.Equal(t, caller, evs[1].Borrower)

	// Same address in both positions collapses to one event.
	log.Data = dataWord(onBehalf)
	evs, err = d.Decode(log)
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestDecodeUnknownEventIsSkippedNotErrored(t *testing.T) {
	d := New(testTable())
	log := gethtypes.Log{Topics: []common.Hash{common.HexToHash("0x999")}, BlockNumber: 1}

	evs, err := d.Decode(log)
	require.NoError(t, err)
	require.Empty(t, evs)
}

func TestDecodeAllSkipsUnknownAndDropsMalformed(t *testing.T) {
	d := New(testTable())
	borrower := common.HexToAddress("0xabc")
	reserve := common.HexToAddress("0xdef")
	logs := []gethtypes.Log{
		{Topics: []common.Hash{common.HexToHash("0x999")}},
		{Topics: []common.Hash{borrowSig, common.BytesToHash(reserve.Bytes())}}, // user topic missing
		{Topics: []common.Hash{borrowSig, common.BytesToHash(reserve.Bytes()), common.BytesToHash(borrower.Bytes())}},
	}

	evs, dropped := d.DecodeAll(logs)
	require.Len(t, evs, 1)
	require.Equal(t, 1, dropped, "a malformed payload is dropped, not a batch failure")
	require.Equal(t, borrower, evs[0].Borrower)
}

func TestDecodeContractScopedEventUsesLogAddress(t *testing.T) {
	feed := common.HexToAddress("0xfeed")
	sig := common.HexToHash("0x2")
	d := New(map[Signature]Topics{sig: {Kind: iface.EventAnswerUpdated}})

	evs, err := d.Decode(gethtypes.Log{Address: feed, Topics: []common.Hash{sig}, BlockNumber: 7})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, iface.EventAnswerUpdated, evs[0].Kind)
	require.Equal(t, feed, evs[0].Reserve)
	require.Equal(t, common.Address{}, evs[0].Borrower)
}
