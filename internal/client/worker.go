package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/paraflow/paraflow/internal/auth"
	"github.com/paraflow/paraflow/internal/crypto"
	"github.com/paraflow/paraflow/internal/protocol"
)

const (
	// chunkRetryDelay is the pause after a ChunkNack before resending.
	chunkRetryDelay = 500 * time.Millisecond
	// chunkRetryLimit bounds resends of a single chunk; exhausting it is a
	// terminal worker error.
	chunkRetryLimit = 10
)

// errChunkRejected marks a NACK, the only retryable per-chunk fault.
var errChunkRejected = errors.New("chunk rejected by server")

// worker owns one TCP connection and one file handle for its lifetime and
// drains the shared queue until empty.
type worker struct {
	id        int
	addr      string
	password  string
	key       []byte
	uploadID  string
	filePath  string
	fileSize  int64
	chunkSize int64
	queue     *ChunkQueue
	onAcked   func()
}

func (w *worker) run() error {
	conn, err := net.Dial("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("worker %d: dial: %w", w.id, err)
	}
	defer conn.Close()

	if _, err := login(conn, auth.AdminUser, w.password); err != nil {
		return fmt.Errorf("worker %d: %w", w.id, err)
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("worker %d: open file: %w", w.id, err)
	}
	defer file.Close()

	for {
		index, ok := w.queue.Pop()
		if !ok {
			return nil
		}

		if err := w.transferChunk(conn, file, index); err != nil {
			return fmt.Errorf("worker %d: chunk %d: %w", w.id, index, err)
		}
		if w.onAcked != nil {
			w.onAcked()
		}
	}
}

// transferChunk sends one chunk and waits for its acknowledgment, resending
// on NACK. Only a NACK is retryable; every other fault is permanent and
// kills the worker.
func (w *worker) transferChunk(conn net.Conn, file *os.File, index uint64) error {
	plaintext, err := w.readChunk(file, index)
	if err != nil {
		return backoff.Permanent(err)
	}

	attempt := func() error {
		ciphertext, err := crypto.EncryptChunk(plaintext, w.key)
		if err != nil {
			return backoff.Permanent(err)
		}

		meta := &protocol.ChunkMeta{
			UploadID:   w.uploadID,
			ChunkIndex: index,
			Size:       uint32(len(ciphertext)),
			Hash:       crypto.DigestHex(ciphertext),
		}
		if err := protocol.WriteMessage(conn, meta); err != nil {
			return backoff.Permanent(err)
		}
		if _, err := conn.Write(ciphertext); err != nil {
			return backoff.Permanent(err)
		}

		reply, err := protocol.ReadMessage(conn)
		if err != nil {
			return backoff.Permanent(err)
		}
		switch m := reply.(type) {
		case *protocol.ChunkAck:
			if m.ChunkIndex != index {
				return backoff.Permanent(fmt.Errorf("ack for chunk %d while sending %d", m.ChunkIndex, index))
			}
			return nil
		case *protocol.ChunkNack:
			return fmt.Errorf("%w: index %d", errChunkRejected, m.ChunkIndex)
		default:
			return backoff.Permanent(fmt.Errorf("%w: %T in chunk stream", protocol.ErrUnknownMessage, reply))
		}
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(chunkRetryDelay), chunkRetryLimit)
	return backoff.Retry(attempt, policy)
}

// readChunk reads the plaintext slice for index; the last chunk is shorter.
func (w *worker) readChunk(file *os.File, index uint64) ([]byte, error) {
	offset := int64(index) * w.chunkSize
	length := w.chunkSize
	if remaining := w.fileSize - offset; remaining < length {
		length = remaining
	}

	buf := make([]byte, length)
	if _, err := file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("read file slice at %d: %w", offset, err)
	}
	return buf, nil
}
