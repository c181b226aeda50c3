package peerprotocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/zeebo/bencode"
)

// WriteMessage encodes msg as a complete length-prefixed frame to w.
func WriteMessage(w io.Writer, msg Message) error {
	var buf bytes.Buffer
	switch m := msg.(type) {
	case ChokeMessage, UnchokeMessage, InterestedMessage, NotInterestedMessage,
		HaveAllMessage, HaveNoneMessage:
		writeHeader(&buf, 1, msg.ID())
	case HaveMessage:
		writeHeader(&buf, 5, msg.ID())
		writeU32(&buf, m.Index)
	case BitfieldMessage:
		writeHeader(&buf, uint32(1+len(m.Data)), msg.ID())
		buf.Write(m.Data)
	case RequestMessage:
		writeHeader(&buf, 13, msg.ID())
		writeU32(&buf, m.Index)
		writeU32(&buf, m.Begin)
		writeU32(&buf, m.Length)
	case CancelMessage:
		writeHeader(&buf, 13, msg.ID())
		writeU32(&buf, m.Index)
		writeU32(&buf, m.Begin)
		writeU32(&buf, m.Length)
	case RejectMessage:
		writeHeader(&buf, 13, msg.ID())
		writeU32(&buf, m.Index)
		writeU32(&buf, m.Begin)
		writeU32(&buf, m.Length)
	case PortMessage:
		writeHeader(&buf, 3, msg.ID())
		writeU16(&buf, m.Port)
	case SuggestPieceMessage:
		writeHeader(&buf, 5, msg.ID())
		writeU32(&buf, m.Index)
	case AllowedFastMessage:
		writeHeader(&buf, 5, msg.ID())
		writeU32(&buf, m.Index)
	case ExtensionMessage:
		payload, err := encodeExtensionPayload(m.Payload)
		if err != nil {
			return err
		}
		writeHeader(&buf, uint32(2+len(payload)), msg.ID())
		buf.WriteByte(m.ExtendedMessageID)
		buf.Write(payload)
	default:
		return errors.New("peerprotocol: cannot encode message")
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// WritePieceMessage writes a Piece message's header and index/begin
// fields, letting the caller stream the block bytes directly afterward
// (peerwriter copies straight from storage without an extra buffer).
func WritePieceMessage(w io.Writer, index, begin uint32, length int) error {
	var buf bytes.Buffer
	writeHeader(&buf, uint32(9+length), Piece)
	writeU32(&buf, index)
	writeU32(&buf, begin)
	_, err := w.Write(buf.Bytes())
	return err
}

func writeHeader(buf *bytes.Buffer, payloadLen uint32, id MessageID) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], payloadLen)
	buf.Write(lenBuf[:])
	buf.WriteByte(byte(id))
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func encodeExtensionPayload(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	default:
		return bencode.EncodeBytes(p)
	}
}

// NewExtensionHandshake builds the BEP-10 handshake dict this client
// sends: ut_metadata mapped to id 1 and ut_pex to id 2, the client
// version (v) and reqq 250, plus metadata_size and the external-ip hint
// (yourip) when given. The listening port (p) is not set.
func NewExtensionHandshake(metadataSize uint32, version string, yourIP []byte) *ExtensionHandshakeDict {
	d := &ExtensionHandshakeDict{
		M: map[string]int{
			ExtensionKeyMetadata: ExtensionIDMetadata,
			ExtensionKeyPEX:      ExtensionIDPEX,
		},
		V:    version,
		ReqQ: 250,
	}
	if metadataSize > 0 {
		d.MetadataSize = metadataSize
	}
	if len(yourIP) > 0 {
		d.YourIP = string(yourIP)
	}
	return d
}

// Extension ids/names this client uses for its own send-side table.
const (
	ExtensionIDHandshake = 0
	ExtensionIDMetadata  = 1
	ExtensionIDPEX       = 2

	ExtensionKeyMetadata = "ut_metadata"
	ExtensionKeyPEX      = "ut_pex"
)
