package peerprotocol

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/zeebo/bencode"
)

// MaxMessageLength bounds the u32 length prefix to guard against a
// malicious or corrupt peer claiming a multi-gigabyte frame.
const MaxMessageLength = 17 * 1024 // block size + header slack

var errMessageTooLarge = errors.New("peerprotocol: message too large")

// ReadMessage reads one complete framed message from r. A zero-length
// frame yields KeepAliveMessage. Unknown message ids are returned as
// UnknownMessage rather than an error (§4.B "Unknown ids are ignored").
// The codec only fails on structural errors: truncation or an
// impossible declared length.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return KeepAliveMessage{}, nil
	}
	if length > MaxMessageLength {
		return nil, errMessageTooLarge
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	id := MessageID(buf[0])
	payload := buf[1:]
	switch id {
	case Choke:
		return ChokeMessage{}, nil
	case Unchoke:
		return UnchokeMessage{}, nil
	case Interested:
		return InterestedMessage{}, nil
	case NotInterested:
		return NotInterestedMessage{}, nil
	case Have:
		if len(payload) != 4 {
			return nil, errors.New("peerprotocol: invalid have length")
		}
		return HaveMessage{Index: binary.BigEndian.Uint32(payload)}, nil
	case Bitfield:
		data := make([]byte, len(payload))
		copy(data, payload)
		return BitfieldMessage{Data: data}, nil
	case Request:
		r, err := readReqLike(payload)
		if err != nil {
			return nil, err
		}
		return RequestMessage{r[0], r[1], r[2]}, nil
	case Piece:
		if len(payload) < 8 {
			return nil, errors.New("peerprotocol: invalid piece header")
		}
		data := make([]byte, len(payload)-8)
		copy(data, payload[8:])
		return PieceMessage{
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Data:  data,
		}, nil
	case Cancel:
		r, err := readReqLike(payload)
		if err != nil {
			return nil, err
		}
		return CancelMessage{r[0], r[1], r[2]}, nil
	case Port:
		if len(payload) != 2 {
			return nil, errors.New("peerprotocol: invalid port length")
		}
		return PortMessage{Port: binary.BigEndian.Uint16(payload)}, nil
	case Suggest:
		if len(payload) != 4 {
			return nil, errors.New("peerprotocol: invalid suggest length")
		}
		return SuggestPieceMessage{Index: binary.BigEndian.Uint32(payload)}, nil
	case HaveAll:
		return HaveAllMessage{}, nil
	case HaveNone:
		return HaveNoneMessage{}, nil
	case RejectRequest:
		r, err := readReqLike(payload)
		if err != nil {
			return nil, err
		}
		return RejectMessage{r[0], r[1], r[2]}, nil
	case AllowedFast:
		if len(payload) != 4 {
			return nil, errors.New("peerprotocol: invalid allowed-fast length")
		}
		return AllowedFastMessage{Index: binary.BigEndian.Uint32(payload)}, nil
	case Extended:
		if len(payload) < 1 {
			return nil, errors.New("peerprotocol: empty extended message")
		}
		return ExtensionMessage{ExtendedMessageID: payload[0], Payload: payload[1:]}, nil
	case HashRequest, Hashes, HashReject:
		// Framed only: the payload is not decoded into the BEP-52 message
		// types and is returned as raw for the caller to decide.
		data := make([]byte, len(payload))
		copy(data, payload)
		return UnknownMessage{RawID: id, Payload: data}, nil
	default:
		data := make([]byte, len(payload))
		copy(data, payload)
		return UnknownMessage{RawID: id, Payload: data}, nil
	}
}

func readReqLike(payload []byte) ([3]uint32, error) {
	var out [3]uint32
	if len(payload) != 12 {
		return out, errors.New("peerprotocol: invalid request-like message length")
	}
	out[0] = binary.BigEndian.Uint32(payload[0:4])
	out[1] = binary.BigEndian.Uint32(payload[4:8])
	out[2] = binary.BigEndian.Uint32(payload[8:12])
	return out, nil
}

// ExtensionHandshakeDict is the bencoded payload of extended-id 0, the
// BEP-10 handshake (§4.B).
type ExtensionHandshakeDict struct {
	M            map[string]int `bencode:"m"`
	V            string         `bencode:"v,omitempty"`
	P            uint16         `bencode:"p,omitempty"`
	YourIP       string         `bencode:"yourip,omitempty"`
	ReqQ         int            `bencode:"reqq,omitempty"`
	MetadataSize uint32         `bencode:"metadata_size,omitempty"`
	UploadOnly   int            `bencode:"upload_only,omitempty"`
}

// ParseExtensionHandshake decodes the bencoded extended-handshake dict.
func ParseExtensionHandshake(payload []byte) (*ExtensionHandshakeDict, error) {
	var d ExtensionHandshakeDict
	if err := bencode.DecodeBytes(payload, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ExtensionMetadataMessageType enumerates ut_metadata's "msg_type" (§4.B BEP-9).
type ExtensionMetadataMessageType int

const (
	ExtensionMetadataMessageTypeRequest ExtensionMetadataMessageType = 0
	ExtensionMetadataMessageTypeData    ExtensionMetadataMessageType = 1
	ExtensionMetadataMessageTypeReject  ExtensionMetadataMessageType = 2
)

// ExtensionMetadataMessage is the bencoded dict prefix of a ut_metadata
// message; the Data type's actual bytes follow the dict on the wire and
// are handled by the caller (infodownloader) since bencode.RawMessage
// does not capture trailing raw bytes.
type ExtensionMetadataMessage struct {
	Type      ExtensionMetadataMessageType `bencode:"msg_type"`
	Piece     uint32                       `bencode:"piece"`
	TotalSize uint32                       `bencode:"total_size,omitempty"`
}

// ParseExtensionMetadataMessage decodes the bencoded dict prefix and
// returns it alongside the remaining raw bytes (the data block, if any).
// ut_metadata frames a bencoded dict directly followed by raw piece
// bytes with no length-prefix, so the dict's own end-of-value position
// (found by scanning) is what separates the two.
func ParseExtensionMetadataMessage(payload []byte) (*ExtensionMetadataMessage, []byte, error) {
	end, err := bencodeValueEnd(payload)
	if err != nil {
		return nil, nil, err
	}
	var msg ExtensionMetadataMessage
	if err := bencode.DecodeBytes(payload[:end], &msg); err != nil {
		return nil, nil, err
	}
	return &msg, payload[end:], nil
}

// bencodeValueEnd returns the index right after the first complete
// bencoded value in b (integer, string, list or dict).
func bencodeValueEnd(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, errors.New("peerprotocol: empty bencode value")
	}
	switch {
	case b[0] == 'i':
		i := 1
		for i < len(b) && b[i] != 'e' {
			i++
		}
		if i >= len(b) {
			return 0, errors.New("peerprotocol: unterminated integer")
		}
		return i + 1, nil
	case b[0] == 'l' || b[0] == 'd':
		i := 1
		for i < len(b) && b[i] != 'e' {
			n, err := bencodeValueEnd(b[i:])
			if err != nil {
				return 0, err
			}
			i += n
		}
		if i >= len(b) {
			return 0, errors.New("peerprotocol: unterminated list/dict")
		}
		return i + 1, nil
	case b[0] >= '0' && b[0] <= '9':
		colon := 0
		for colon < len(b) && b[colon] != ':' {
			colon++
		}
		if colon >= len(b) {
			return 0, errors.New("peerprotocol: invalid string length")
		}
		n, err := strconvAtoi(string(b[:colon]))
		if err != nil {
			return 0, err
		}
		end := colon + 1 + n
		if end > len(b) {
			return 0, errors.New("peerprotocol: truncated bencode string")
		}
		return end, nil
	default:
		return 0, errors.New("peerprotocol: invalid bencode value")
	}
}

func strconvAtoi(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("peerprotocol: invalid integer")
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
