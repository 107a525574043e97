package decode

import (
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/fenwick-labs/liquidator/iface"
)

// eventSig hashes the canonical event signature string the way
// abigen-generated bindings derive topic0, so the table below doesn't need
// the full ABI JSON just to recognize which event a log belongs to.
func eventSig(s string) Signature {
	return crypto.Keccak256Hash([]byte(s))
}

// DefaultTopics returns the signature table for the Aave v3 pool and
// oracle events this pipeline reacts to: Borrow, Repay, Supply, Withdraw,
// LiquidationCall, ReserveDataUpdated, AnswerUpdated. Reserve/user topic
// positions are 1-indexed into log.Topics (Topics[0] is the signature).
// Borrow and Supply index the onBehalfOf beneficiary and carry the caller
// in the first data word; both addresses are surfaced, deduplicated.
func DefaultTopics() map[Signature]Topics {
	return map[Signature]Topics{
		eventSig("Supply(address,address,address,uint256,uint16)"): {
			Kind: iface.EventSupply, ReserveTopic: 1, UserTopic: 2, UserDataWord: 1,
		},
		eventSig("Withdraw(address,address,address,uint256)"): {
			Kind: iface.EventWithdraw, ReserveTopic: 1, UserTopic: 2,
		},
		eventSig("Borrow(address,address,address,uint256,uint8,uint256,uint16)"): {
			Kind: iface.EventBorrow, ReserveTopic: 1, UserTopic: 2, UserDataWord: 1,
		},
		eventSig("Repay(address,address,address,uint256,bool)"): {
			Kind: iface.EventRepay, ReserveTopic: 1, UserTopic: 2,
		},
		eventSig("LiquidationCall(address,address,address,uint256,uint256,address,bool)"): {
			Kind: iface.EventLiquidationCall, ReserveTopic: 1, UserTopic: 3,
		},
		eventSig("ReserveDataUpdated(address,uint256,uint256,uint256,uint256,uint256)"): {
			Kind: iface.EventReserveDataUpdated, ReserveTopic: 1,
		},
		// Chainlink aggregator round update; the emitting feed contract is
		// the only address available, so it becomes the event's reserve key.
		eventSig("AnswerUpdated(int256,uint256,uint256)"): {
			Kind: iface.EventAnswerUpdated,
		},
	}
}
