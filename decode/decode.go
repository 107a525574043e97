// Package decode turns raw protocol logs into iface.ProtocolEvent values:
// which borrower and reserve an event touched, and what kind of event it
// was. It knows the topic layout of the lending protocol's event ABI but
// nothing about transport, matching the Non-goal against a general
// protocol adaptor — this is the one concrete decoder this module needs.
package decode

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/fenwick-labs/liquidator/iface"
)

// Signature is the keccak256 topic0 of one recognized event.
type Signature = common.Hash

// Topics maps each recognized event signature to its kind and the
// (reserve, borrower) indexed-argument positions within the log's Topics
// slice (1-indexed, since Topics[0] is always the signature itself).
// UserDataWord, when positive, names the 1-indexed 32-byte word of the
// log's data field holding a second affected address (the protocol's
// caller/onBehalfOf split: Borrow and Supply index the beneficiary but
// carry the caller in data). An event with neither a reserve topic nor a
// user topic is scoped to the emitting contract; its Reserve is the log
// address.
type Topics struct {
	Kind         iface.EventKind
	ReserveTopic int
	UserTopic    int
	UserDataWord int
}

// Decoder decodes raw logs using a caller-supplied ABI topic table, so the
// exact event layout is configuration, not a hardcoded assumption about
// one protocol version.
type Decoder struct {
	bySig map[Signature]Topics
}

// New builds a Decoder from the given signature table.
func New(table map[Signature]Topics) *Decoder {
	cp := make(map[Signature]Topics, len(table))
	for k, v := range table {
		cp[k] = v
	}
	return &Decoder{bySig: cp}
}

// Decode converts one log into zero, one, or two ProtocolEvents: one for
// the indexed user and one for the caller found in the data field, when
// the two are distinct. Logs whose topic0 is not in the signature table
// decode to an empty slice rather than an error, since a node may emit
// logs this pipeline doesn't care about.
func (d *Decoder) Decode(log gethtypes.Log) ([]iface.ProtocolEvent, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("decode: log has no topics")
	}
	t, ok := d.bySig[log.Topics[0]]
	if !ok {
		return nil, nil
	}

	ev := iface.ProtocolEvent{
		Kind:     t.Kind,
		Block:    log.BlockNumber,
		LogIndex: log.Index,
	}
	if t.UserTopic > 0 {
		if t.UserTopic >= len(log.Topics) {
			return nil, fmt.Errorf("decode: event %v missing user topic", t.Kind)
		}
		ev.Borrower = common.BytesToAddress(log.Topics[t.UserTopic].Bytes())
		if ev.Borrower == (common.Address{}) {
			return nil, fmt.Errorf("decode: event %v has zero user topic", t.Kind)
		}
	}
	if t.ReserveTopic > 0 && t.ReserveTopic < len(log.Topics) {
		ev.Reserve = common.BytesToAddress(log.Topics[t.ReserveTopic].Bytes())
	} else if t.ReserveTopic == 0 && t.UserTopic == 0 {
		ev.Reserve = log.Address
	}

	out := []iface.ProtocolEvent{ev}
	if t.UserDataWord > 0 && len(log.Data) >= 32*t.UserDataWord {
		word := log.Data[32*(t.UserDataWord-1) : 32*t.UserDataWord]
		caller := common.BytesToAddress(word)
		if caller != (common.Address{}) && caller != ev.Borrower {
			second := ev
			second.Borrower = caller
			out = append(out, second)
		}
	}
	return out, nil
}

// DecodeAll decodes a batch of logs. Unknown topics are skipped and
// malformed payloads are dropped rather than failing the batch; the
// dropped count is returned so the caller can record it.
func (d *Decoder) DecodeAll(logs []gethtypes.Log) (events []iface.ProtocolEvent, dropped int) {
	events = make([]iface.ProtocolEvent, 0, len(logs))
	for _, l := range logs {
		evs, err := d.Decode(l)
		if err != nil {
			dropped++
			continue
		}
		events = append(events, evs...)
	}
	return events, dropped
}
