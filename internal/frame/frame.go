// Package frame
// BSD 3-Clause License
//
// Copyright (c) 2026, MouseDB Authors
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
//  1. Redistributions of source code must retain the above copyright notice, this
//     list of conditions and the following disclaimer.
//
//  2. Redistributions in binary form must reproduce the above copyright notice,
//     this list of conditions and the following disclaimer in the documentation
//     and/or other materials provided with the distribution.
//
//  3. Neither the name of the copyright holder nor the names of its
//     contributors may be used to endorse or promote products derived from
//     this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package frame implements MouseDB's TCP wire framing: every message is
// u32 length_be (payload length + 4) ∥ u16 type_be ∥ u16 reserved ∥
// payload, all integers big-endian on the wire. Grounded on the original
// mousedb server's Message::to_buffers/Session::process_message
// (original_source/mousedb/server/exe_server/src/server.{hpp,cpp}),
// translated from its chained boost::asio::async_read continuations into
// a single blocking ReadFrame over a net.Conn, since the Go server uses
// one goroutine per connection instead of an io_context strand.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dseum/mousedb/internal/hlc"
)

// Type is the frame's u16 type field. Values and meanings are spec §6
// verbatim; type 1 is reserved (the original source's WAL_APPEND slot)
// and not emitted by this implementation.
type Type uint16

const (
	TypeIdentify  Type = 0
	TypeHeartbeat Type = 2
	TypePeer      Type = 3
	TypeWriteReq  Type = 4
	TypeWriteResp Type = 5
	TypeReadReq   Type = 6
	TypeReadResp  Type = 7
)

func (t Type) String() string {
	switch t {
	case TypeIdentify:
		return "IDENTIFY"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypePeer:
		return "PEER"
	case TypeWriteReq:
		return "WRITE_REQ"
	case TypeWriteResp:
		return "WRITE_RESP"
	case TypeReadReq:
		return "READ_REQ"
	case TypeReadResp:
		return "READ_RESP"
	default:
		return fmt.Sprintf("Type(%d)", uint16(t))
	}
}

// MaxPayloadSize bounds a single frame's payload so a corrupt or hostile
// length field can't drive an unbounded allocation; grounded on the
// original's own "len < 4 || len > (1 << 20)" guard in process_message.
const MaxPayloadSize = 1 << 20

// headerSize is the 8-byte length+type+reserved prefix.
const headerSize = 4 + 2 + 2

// ReadFrame reads one frame from r and returns its type and payload.
// ProtocolError conditions (oversized or undersized length) close the
// connection per spec §7; the caller does that by discarding r on error.
func ReadFrame(r io.Reader) (Type, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[0:4])
	typ := Type(binary.BigEndian.Uint16(hdr[4:6]))
	// hdr[6:8] is the reserved field; ignored on read.

	if length < 4 || length-4 > MaxPayloadSize {
		return 0, nil, fmt.Errorf("frame: protocol error: bad length %d", length)
	}

	payload := make([]byte, length-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return typ, payload, nil
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, typ Type, payload []byte) error {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)+4))
	binary.BigEndian.PutUint16(hdr[4:6], uint16(typ))
	// hdr[6:8] stays zero: the reserved field.
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// Address is a gossiped peer endpoint, shared by IDENTIFY and PEER
// payloads (both are u16 host_len ∥ host ∥ u16 port per spec §6).
type Address struct {
	Host string
	Port uint16
}

func encodeAddress(a Address) []byte {
	buf := make([]byte, 2+len(a.Host)+2)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(a.Host)))
	copy(buf[2:], a.Host)
	binary.BigEndian.PutUint16(buf[2+len(a.Host):], a.Port)
	return buf
}

func decodeAddress(payload []byte) (Address, error) {
	if len(payload) < 2 {
		return Address{}, fmt.Errorf("frame: address payload too short")
	}
	hostLen := int(binary.BigEndian.Uint16(payload[0:2]))
	if len(payload) < 2+hostLen+2 {
		return Address{}, fmt.Errorf("frame: address payload too short for host_len %d", hostLen)
	}
	host := string(payload[2 : 2+hostLen])
	port := binary.BigEndian.Uint16(payload[2+hostLen : 2+hostLen+2])
	return Address{Host: host, Port: port}, nil
}

// EncodeIdentify and EncodePeer share the Address wire layout; kept as
// distinct functions so call sites read as the frame type they send.
func EncodeIdentify(a Address) []byte { return encodeAddress(a) }
func DecodeIdentify(payload []byte) (Address, error) { return decodeAddress(payload) }
func EncodePeer(a Address) []byte     { return encodeAddress(a) }
func DecodePeer(payload []byte) (Address, error)     { return decodeAddress(payload) }

// WriteReq is a put request: u16 key_len ∥ key ∥ u32 value_len ∥ value,
// per spec §6. When sent between gossiping server peers (Supplemented
// Feature 2), an additional 14-byte encoded HLC may be appended after
// value so the receiver can recv_and_merge the origin's timestamp
// instead of minting a fresh local one; a client-originated WRITE_REQ
// simply omits the trailing bytes, so the base wire format is unchanged.
type WriteReq struct {
	Key   []byte
	Value []byte
	Clock hlc.HLC
	HasClock bool
}

func EncodeWriteReq(key, value []byte) []byte {
	buf := make([]byte, 2+len(key)+4+len(value))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(key)))
	off := 2
	off += copy(buf[off:], key)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(value)))
	off += 4
	copy(buf[off:], value)
	return buf
}

// EncodeWriteReqWithClock is EncodeWriteReq plus a trailing HLC, used
// for peer-to-peer gossip of a write's origin timestamp.
func EncodeWriteReqWithClock(key, value []byte, clock hlc.HLC) []byte {
	base := EncodeWriteReq(key, value)
	out := make([]byte, len(base)+hlc.EncodedSize)
	copy(out, base)
	hlc.Encode(out[len(base):], clock)
	return out
}

func DecodeWriteReq(payload []byte) (WriteReq, error) {
	if len(payload) < 2 {
		return WriteReq{}, fmt.Errorf("frame: write_req too short")
	}
	klen := int(binary.BigEndian.Uint16(payload[0:2]))
	off := 2
	if len(payload) < off+klen+4 {
		return WriteReq{}, fmt.Errorf("frame: write_req too short for key_len %d", klen)
	}
	key := payload[off : off+klen]
	off += klen
	vlen := int(binary.BigEndian.Uint32(payload[off : off+4]))
	off += 4
	if len(payload) < off+vlen {
		return WriteReq{}, fmt.Errorf("frame: write_req too short for value_len %d", vlen)
	}
	value := payload[off : off+vlen]
	off += vlen

	req := WriteReq{Key: key, Value: value}
	if rest := payload[off:]; len(rest) == hlc.EncodedSize {
		req.Clock = hlc.Decode(rest)
		req.HasClock = true
	}
	return req, nil
}

// WriteRespStatus values: 0 = ok, matching spec §6's "u8 status (0 = ok)".
const (
	WriteRespOK byte = 0
)

func EncodeWriteResp(status byte) []byte { return []byte{status} }

func DecodeWriteResp(payload []byte) (byte, error) {
	if len(payload) != 1 {
		return 0, fmt.Errorf("frame: write_resp must be 1 byte")
	}
	return payload[0], nil
}

// ReadReq is a get request: u16 key_len ∥ key.
func EncodeReadReq(key []byte) []byte {
	buf := make([]byte, 2+len(key))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(key)))
	copy(buf[2:], key)
	return buf
}

func DecodeReadReq(payload []byte) ([]byte, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("frame: read_req too short")
	}
	klen := int(binary.BigEndian.Uint16(payload[0:2]))
	if len(payload) < 2+klen {
		return nil, fmt.Errorf("frame: read_req too short for key_len %d", klen)
	}
	return payload[2 : 2+klen], nil
}

// ReadRespStatus values: 0 = hit, 1 = miss.
const (
	ReadRespHit  byte = 0
	ReadRespMiss byte = 1
)

// EncodeReadResp builds a hit response: u8 status(0) ∥ u32 value_len ∥
// value.
func EncodeReadResp(value []byte) []byte {
	buf := make([]byte, 1+4+len(value))
	buf[0] = ReadRespHit
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(value)))
	copy(buf[5:], value)
	return buf
}

// EncodeReadRespMiss builds a miss response: u8 status(1), no value.
func EncodeReadRespMiss() []byte { return []byte{ReadRespMiss} }

// ReadResp is a decoded get response.
type ReadResp struct {
	Hit   bool
	Value []byte
}

func DecodeReadResp(payload []byte) (ReadResp, error) {
	if len(payload) < 1 {
		return ReadResp{}, fmt.Errorf("frame: read_resp too short")
	}
	if payload[0] == ReadRespMiss {
		return ReadResp{Hit: false}, nil
	}
	if len(payload) < 5 {
		return ReadResp{}, fmt.Errorf("frame: read_resp hit too short")
	}
	vlen := int(binary.BigEndian.Uint32(payload[1:5]))
	if len(payload) < 5+vlen {
		return ReadResp{}, fmt.Errorf("frame: read_resp too short for value_len %d", vlen)
	}
	return ReadResp{Hit: true, Value: payload[5 : 5+vlen]}, nil
}
