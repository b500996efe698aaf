// Package wire implements the frame format used between nodes: a
// length-prefixed message carrying a tag byte (command type) plus a
// gob-encoded body.
// Replies carry a success byte plus payload, or a store.ErrorMessage. The
// reference server registers gob types for its own cluster messages
// (server/cluster.go's clusterInit calls gob.Register for the interface
// values its ClusterReq/ClusterResp carry) — this package does the same
// for command payloads, just framed explicitly instead of riding on
// net/rpc's own framing.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/terrastore-go/terrastore/internal/store"
)

// Tag identifies the command/reply kind carried in a frame's body.
type Tag byte

const (
	TagAddBucket Tag = iota + 1
	TagRemoveBucket
	TagPutValue
	TagRemoveValue
	TagGetValue
	TagGetValues
	TagGetKeys
	TagGetBuckets
	TagRangeQuery
	TagUpdate
	TagMembership
	TagHandshake

	tagReplyOK
	tagReplyErr
)

const maxFrameLen = 64 << 20 // 64MiB, generous ceiling against a corrupt length prefix

var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// WriteFrame writes one frame: 4-byte big-endian length, 1-byte tag,
// gob-encoded body.
func WriteFrame(w io.Writer, tag Tag, body interface{}) error {
	buf := new(bufferedGobWriter)
	enc := gob.NewEncoder(buf)
	if err := enc.Encode(&body); err != nil {
		return fmt.Errorf("wire: encode body: %w", err)
	}
	// body is encoded via a pointer to the interface{} parameter itself
	// (not the value it holds) so that a nil body still produces a valid,
	// empty gob stream; Decode into the matching interface{} pointer on
	// the read side unwraps it back to the original concrete value.

	frame := make([]byte, 4+1+len(buf.data))
	binary.BigEndian.PutUint32(frame[:4], uint32(1+len(buf.data)))
	frame[4] = byte(tag)
	copy(frame[5:], buf.data)

	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one frame and gob-decodes its body into out (a pointer).
func ReadFrame(r *bufio.Reader, out interface{}) (Tag, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameLen {
		return 0, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, err
	}

	tag := Tag(body[0])
	dec := gob.NewDecoder(&bufferedReader{body[1:]})
	if err := dec.Decode(out); err != nil {
		return 0, fmt.Errorf("wire: decode body: %w", err)
	}
	return tag, nil
}

// WriteReplyOK writes a success reply frame.
func WriteReplyOK(w io.Writer, payload interface{}) error {
	return WriteFrame(w, tagReplyOK, payload)
}

// WriteReplyErr writes an error reply frame carrying a store.ErrorMessage.
func WriteReplyErr(w io.Writer, em store.ErrorMessage) error {
	return WriteFrame(w, tagReplyErr, em)
}

// ReadReply reads a reply frame into out on success, or returns the
// carried ErrorMessage as an error.
func ReadReply(r *bufio.Reader, out interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameLen {
		return ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}

	tag := Tag(body[0])
	switch tag {
	case tagReplyOK:
		dec := gob.NewDecoder(&bufferedReader{body[1:]})
		return dec.Decode(out)
	case tagReplyErr:
		var em store.ErrorMessage
		dec := gob.NewDecoder(&bufferedReader{body[1:]})
		if err := dec.Decode(&em); err != nil {
			return err
		}
		return em
	default:
		return fmt.Errorf("wire: unexpected reply tag %d", tag)
	}
}

func init() {
	gob.Register(store.ErrorMessage{})
	gob.Register(map[string]interface{}{})
	gob.Register(map[string][]byte{})
	gob.Register([]string{})
	gob.Register([]byte{})
	gob.Register(true)
}

type bufferedGobWriter struct{ data []byte }

func (b *bufferedGobWriter) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

type bufferedReader struct{ data []byte }

func (b *bufferedReader) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}
