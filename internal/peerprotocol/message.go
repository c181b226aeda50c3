package peerprotocol

// MessageID identifies the payload format of a framed message (§4.B).
type MessageID byte

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9

	Suggest       MessageID = 13
	HaveAll       MessageID = 14
	HaveNone      MessageID = 15
	RejectRequest MessageID = 16
	AllowedFast   MessageID = 17

	Extended MessageID = 20

	HashRequest MessageID = 21
	Hashes      MessageID = 22
	HashReject  MessageID = 23
)

// Message is implemented by every concrete wire message type and knows
// how to encode its own payload (the id byte is written by the writer).
type Message interface {
	ID() MessageID
}

type ChokeMessage struct{}

func (ChokeMessage) ID() MessageID { return Choke }

type UnchokeMessage struct{}

func (UnchokeMessage) ID() MessageID { return Unchoke }

type InterestedMessage struct{}

func (InterestedMessage) ID() MessageID { return Interested }

type NotInterestedMessage struct{}

func (NotInterestedMessage) ID() MessageID { return NotInterested }

type HaveMessage struct{ Index uint32 }

func (HaveMessage) ID() MessageID { return Have }

type BitfieldMessage struct{ Data []byte }

func (BitfieldMessage) ID() MessageID { return Bitfield }

type RequestMessage struct {
	Index, Begin, Length uint32
}

func (RequestMessage) ID() MessageID { return Request }

type PieceMessage struct {
	Index, Begin uint32
	Data         []byte
}

func (PieceMessage) ID() MessageID { return Piece }

type CancelMessage struct {
	Index, Begin, Length uint32
}

func (CancelMessage) ID() MessageID { return Cancel }

type PortMessage struct{ Port uint16 }

func (PortMessage) ID() MessageID { return Port }

type SuggestPieceMessage struct{ Index uint32 }

func (SuggestPieceMessage) ID() MessageID { return Suggest }

type HaveAllMessage struct{}

func (HaveAllMessage) ID() MessageID { return HaveAll }

type HaveNoneMessage struct{}

func (HaveNoneMessage) ID() MessageID { return HaveNone }

type RejectMessage struct {
	Index, Begin, Length uint32
}

func (RejectMessage) ID() MessageID { return RejectRequest }

type AllowedFastMessage struct{ Index uint32 }

func (AllowedFastMessage) ID() MessageID { return AllowedFast }

// ExtensionMessage carries a BEP-10 extended-id plus its payload, which
// is itself a bencoded dict (handshake, metadata) or a domain-specific
// raw blob (e.g. ut_pex).
type ExtensionMessage struct {
	ExtendedMessageID byte
	Payload           interface{}
}

func (ExtensionMessage) ID() MessageID { return Extended }

// HashRequestMessage, HashesMessage and HashRejectMessage frame BEP-52's
// v2 merkle-tree exchange. ReadMessage decodes ids 21-23 as
// UnknownMessage rather than as these types, and WriteMessage has no
// encoding for them, so a peer's HashRequest is not answered.
type HashRequestMessage struct {
	PiecesRoot         [32]byte
	BaseLayer          uint32
	Index, Length, ProofLayers uint32
}

func (HashRequestMessage) ID() MessageID { return HashRequest }

type HashesMessage struct {
	PiecesRoot [32]byte
	BaseLayer  uint32
	Index, Length, ProofLayers uint32
	Hashes     []byte
}

func (HashesMessage) ID() MessageID { return Hashes }

type HashRejectMessage struct {
	PiecesRoot         [32]byte
	BaseLayer          uint32
	Index, Length, ProofLayers uint32
}

func (HashRejectMessage) ID() MessageID { return HashReject }

// UnknownMessage is returned for message ids the codec does not
// recognize; per spec.md, unknown ids are ignored, not errors.
type UnknownMessage struct {
	RawID   MessageID
	Payload []byte
}

func (m UnknownMessage) ID() MessageID { return m.RawID }

// KeepAliveMessage represents the zero-length keep-alive frame.
type KeepAliveMessage struct{}

func (KeepAliveMessage) ID() MessageID { return 255 }
