// Package shmemmsg defines the typed coherence message exchanged between an
// L1/L2 controller pair and the home directory.
//
// The wire format is logical, not a specific byte encoding: Kind,
// sender/receiver component ids, requester tile, address, a modeled flag,
// and an optional data payload. Encode/Decode below give one stable,
// implementation-chosen encoding so a run is reproducible; nothing in the
// protocol depends on the encoding's bytes.
package shmemmsg

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies the coherence message type.
type Kind uint8

const (
	EX_REQ Kind = iota + 1
	SH_REQ
	EX_REP
	SH_REP
	INV_REQ
	INV_REP
	FLUSH_REQ
	FLUSH_REP
	WB_REQ
	WB_REP
	UPGRADE_REP
	INV_FLUSH_COMBINED_REQ
)

func (k Kind) String() string {
	switch k {
	case EX_REQ:
		return "EX_REQ"
	case SH_REQ:
		return "SH_REQ"
	case EX_REP:
		return "EX_REP"
	case SH_REP:
		return "SH_REP"
	case INV_REQ:
		return "INV_REQ"
	case INV_REP:
		return "INV_REP"
	case FLUSH_REQ:
		return "FLUSH_REQ"
	case FLUSH_REP:
		return "FLUSH_REP"
	case WB_REQ:
		return "WB_REQ"
	case WB_REP:
		return "WB_REP"
	case UPGRADE_REP:
		return "UPGRADE_REP"
	case INV_FLUSH_COMBINED_REQ:
		return "INV_FLUSH_COMBINED_REQ"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Component identifies the logical endpoint of a message within a tile or
// at the directory.
type Component uint8

const (
	ComponentL1I Component = iota
	ComponentL1D
	ComponentL2
	ComponentDirectory
)

func (c Component) String() string {
	switch c {
	case ComponentL1I:
		return "L1-I"
	case ComponentL1D:
		return "L1-D"
	case ComponentL2:
		return "L2"
	case ComponentDirectory:
		return "DIR"
	default:
		return "?"
	}
}

// TileID identifies a tile in the fabric.
type TileID int32

// Msg is the coherence message value passed between L2 controllers and the
// home directory, and between L2 and its local L1 banks.
type Msg struct {
	Kind              Kind
	SenderComponent   Component
	ReceiverComponent Component
	SenderTile        TileID
	RequesterTile     TileID
	Address           uint64
	Modeled           bool
	Data              []byte

	// CorrelationID identifies the outstanding request this message belongs
	// to, minted once by the originating L2 controller and carried unchanged
	// through every directory round trip and reply so the logged events for
	// one request can be reassembled across tiles. Directory fan-out
	// requests (INV_REQ/FLUSH_REQ/WB_REQ) carry the id of the request that
	// triggered them. Empty for a message built without an originating
	// request.
	CorrelationID string
}

// HasData reports whether the message carries a data payload, per the wire
// format's data_len field.
func (m Msg) HasData() bool {
	return len(m.Data) > 0
}

// Encode renders m using one stable, implementation-chosen binary layout:
//
//	kind(1) sender_component(1) receiver_component(1) requester_tile(4)
//	address(8) modeled(1) data_len(4) data(data_len) corr_len(2) corr(corr_len)
//
// The layout is an implementation choice, stable within a run; it exists so
// Msg values can cross an actual byte-oriented transport if one is plugged
// into netsink.Sink in place of the in-memory FIFO.
func Encode(m Msg) []byte {
	buf := make([]byte, 0, 17+len(m.Data)+len(m.CorrelationID))
	buf = append(buf, byte(m.Kind), byte(m.SenderComponent), byte(m.ReceiverComponent))
	var tileBuf [4]byte
	binary.BigEndian.PutUint32(tileBuf[:], uint32(m.RequesterTile))
	buf = append(buf, tileBuf[:]...)
	var addrBuf [8]byte
	binary.BigEndian.PutUint64(addrBuf[:], m.Address)
	buf = append(buf, addrBuf[:]...)
	if m.Modeled {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(m.Data)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, m.Data...)
	var corrLenBuf [2]byte
	binary.BigEndian.PutUint16(corrLenBuf[:], uint16(len(m.CorrelationID)))
	buf = append(buf, corrLenBuf[:]...)
	buf = append(buf, m.CorrelationID...)
	return buf
}

// Decode is the inverse of Encode.
func Decode(buf []byte) (Msg, error) {
	if len(buf) < 15 {
		return Msg{}, fmt.Errorf("shmemmsg: buffer too short: %d bytes", len(buf))
	}
	m := Msg{
		Kind:              Kind(buf[0]),
		SenderComponent:   Component(buf[1]),
		ReceiverComponent: Component(buf[2]),
		RequesterTile:     TileID(binary.BigEndian.Uint32(buf[3:7])),
		Address:           binary.BigEndian.Uint64(buf[7:15]),
	}
	rest := buf[15:]
	if len(rest) < 1 {
		return Msg{}, fmt.Errorf("shmemmsg: missing modeled flag")
	}
	m.Modeled = rest[0] != 0
	rest = rest[1:]
	if len(rest) < 4 {
		return Msg{}, fmt.Errorf("shmemmsg: missing data_len")
	}
	dataLen := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint32(len(rest)) < dataLen {
		return Msg{}, fmt.Errorf("shmemmsg: data_len %d exceeds remaining %d bytes", dataLen, len(rest))
	}
	if dataLen > 0 {
		m.Data = append([]byte(nil), rest[:dataLen]...)
	}
	rest = rest[dataLen:]
	if len(rest) < 2 {
		return Msg{}, fmt.Errorf("shmemmsg: missing corr_len")
	}
	corrLen := binary.BigEndian.Uint16(rest[:2])
	rest = rest[2:]
	if uint16(len(rest)) < corrLen {
		return Msg{}, fmt.Errorf("shmemmsg: corr_len %d exceeds remaining %d bytes", corrLen, len(rest))
	}
	if corrLen > 0 {
		m.CorrelationID = string(rest[:corrLen])
	}
	return m, nil
}
