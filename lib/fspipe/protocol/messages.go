package protocol

// Message type bytes. These are the wire contract shared with the FUSE
// producer and every listener; do not renumber.
const (
	MsgFileCreate    byte = 0x01
	MsgFileCreateAck byte = 0x02
	MsgWriteChunk    byte = 0x03
	MsgWriteAck      byte = 0x04
	MsgFileClose     byte = 0x05
	MsgRename        byte = 0x06
	MsgDelete        byte = 0x07
	MsgTruncate      byte = 0x08
)

// ChunkSize is the default chunk size for file writes (64KB)
const ChunkSize = 64 * 1024

// FileCreate is sent when a new file is created
type FileCreate struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Mode     uint32 `json:"mode"`
}

// FileCreateAck acknowledges a FileCreate
type FileCreateAck struct {
	FileID string `json:"file_id"`
	Error  string `json:"error,omitempty"`
}

// FileClose is sent when a file handle is closed
type FileClose struct {
	FileID string `json:"file_id"`
}

// WriteChunk is sent for each chunk of file data
type WriteChunk struct {
	FileID string `json:"file_id"`
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
}

// WriteAck is sent as acknowledgment for a write
type WriteAck struct {
	FileID  string `json:"file_id"`
	Offset  int64  `json:"offset"`
	Written int    `json:"written"`
	Error   string `json:"error,omitempty"`
}

// Truncate is sent to truncate a file
type Truncate struct {
	FileID string `json:"file_id"`
	Size   int64  `json:"size"`
}

// Rename is sent to rename a file. FileID may be empty when the producer
// only knows the path.
type Rename struct {
	FileID  string `json:"file_id,omitempty"`
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

// Delete is sent to delete a file
type Delete struct {
	Filename string `json:"filename"`
}

// Message wraps any protocol message with its type
type Message struct {
	Type    byte
	Payload interface{}
}

// TypeName returns a human-readable name for a message type byte.
func TypeName(t byte) string {
	switch t {
	case MsgFileCreate:
		return "file-create"
	case MsgFileCreateAck:
		return "file-create-ack"
	case MsgWriteChunk:
		return "write-chunk"
	case MsgWriteAck:
		return "write-ack"
	case MsgFileClose:
		return "file-close"
	case MsgRename:
		return "rename"
	case MsgDelete:
		return "delete"
	case MsgTruncate:
		return "truncate"
	default:
		return "unknown"
	}
}
