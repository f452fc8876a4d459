package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"

	"github.com/paraflow/paraflow/internal/auth"
	"github.com/paraflow/paraflow/internal/crypto"
	"github.com/paraflow/paraflow/internal/observability"
	"github.com/paraflow/paraflow/internal/protocol"
)

// ErrSetupFailed marks connection or authentication failures before any
// chunk was sent; the CLI maps these to exit code 1.
var ErrSetupFailed = errors.New("setup failed")

// RejectedError carries the server's text for a refused InitUpload.
type RejectedError struct {
	Text string
}

func (e *RejectedError) Error() string {
	return "upload rejected: " + e.Text
}

// Uploader drives a full upload: setup, parallel transfer, completion. Each
// phase uses its own authenticated TCP connection.
type Uploader struct {
	FilePath string
	Addr     string
	Password string
	Workers  int

	// ChunkSize defaults to the protocol constant; tests shrink it.
	ChunkSize int64
	// Key defaults to crypto.TransferKey(): the env override when set, the
	// compiled-in key otherwise.
	Key []byte
	// Logger defaults to a no-op logger.
	Logger *observability.Logger
	// ShowProgress renders a terminal progress bar during transfer.
	ShowProgress bool
}

// Result summarizes a finished upload.
type Result struct {
	UploadID    string
	FileName    string
	TotalSize   uint64
	TotalChunks uint64
	Elapsed     time.Duration
}

// Run performs the upload. Connection or authentication failures during
// setup, and any worker fault during transfer, abort the whole upload.
func (u *Uploader) Run() (*Result, error) {
	if err := u.applyDefaults(); err != nil {
		return nil, err
	}

	info, err := os.Stat(u.FilePath)
	if err != nil {
		return nil, fmt.Errorf("stat upload file: %w", err)
	}
	totalSize := uint64(info.Size())
	totalChunks := u.totalChunks(totalSize)
	fileName := filepath.Base(u.FilePath)

	start := time.Now()

	uploadID, err := u.initUpload(fileName, totalSize)
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			return nil, err
		}
		return nil, errors.Join(ErrSetupFailed, err)
	}
	u.Logger.WithUpload(uploadID).Info("upload initialized, starting transfer")

	if err := u.transfer(uploadID, int64(totalSize), totalChunks); err != nil {
		return nil, err
	}

	if err := u.complete(uploadID, fileName, totalChunks); err != nil {
		return nil, err
	}

	result := &Result{
		UploadID:    uploadID,
		FileName:    fileName,
		TotalSize:   totalSize,
		TotalChunks: totalChunks,
		Elapsed:     time.Since(start),
	}
	u.Logger.WithUpload(uploadID).Info("upload complete")
	return result, nil
}

func (u *Uploader) applyDefaults() error {
	if u.ChunkSize <= 0 {
		u.ChunkSize = protocol.ChunkSize
	}
	if u.Workers <= 0 {
		u.Workers = 1
	}
	if u.Logger == nil {
		u.Logger = observability.NopLogger()
	}
	if u.Key == nil {
		key, err := crypto.TransferKey()
		if err != nil {
			return err
		}
		u.Key = key
	}
	return nil
}

func (u *Uploader) totalChunks(totalSize uint64) uint64 {
	chunk := uint64(u.ChunkSize)
	return (totalSize + chunk - 1) / chunk
}

// initUpload is the setup phase: authenticate, announce the file, collect
// the upload id.
func (u *Uploader) initUpload(fileName string, totalSize uint64) (string, error) {
	conn, err := u.dialAuthenticated()
	if err != nil {
		return "", err
	}
	defer conn.Close()

	init := &protocol.InitUpload{FileName: fileName, TotalSize: totalSize}
	if err := protocol.WriteMessage(conn, init); err != nil {
		return "", fmt.Errorf("send init: %w", err)
	}

	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		return "", fmt.Errorf("read init ack: %w", err)
	}
	switch m := msg.(type) {
	case *protocol.InitAck:
		// m.ChunkSize is reserved and always zero; the compiled-in
		// constant governs slicing.
		return m.UploadID, nil
	case *protocol.ErrorMessage:
		return "", &RejectedError{Text: m.Text}
	default:
		return "", fmt.Errorf("%w: expected InitAck, got %T", protocol.ErrUnknownMessage, msg)
	}
}

// transfer spawns the worker pool and waits for the queue to drain.
func (u *Uploader) transfer(uploadID string, fileSize int64, totalChunks uint64) error {
	queue := NewChunkQueue(totalChunks)

	var progress *mpb.Progress
	var bar *mpb.Bar
	onAcked := func() {}
	if u.ShowProgress && totalChunks > 0 {
		progress = mpb.New()
		bar = progress.AddBar(int64(totalChunks),
			mpb.PrependDecorators(
				decor.Name("Uploading:", decor.WC{W: 10}),
				decor.CountersNoUnit("%d / %d", decor.WC{W: 12}),
			),
			mpb.AppendDecorators(decor.Percentage()),
		)
		onAcked = bar.Increment
	}

	var wg sync.WaitGroup
	errs := make([]error, u.Workers)
	for i := 0; i < u.Workers; i++ {
		w := &worker{
			id:        i,
			addr:      u.Addr,
			password:  u.Password,
			key:       u.Key,
			uploadID:  uploadID,
			filePath:  u.FilePath,
			fileSize:  fileSize,
			chunkSize: u.ChunkSize,
			queue:     queue,
			onAcked:   onAcked,
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = w.run()
		}(i)
	}
	wg.Wait()

	var firstErr error
	for _, err := range errs {
		if err != nil {
			firstErr = err
			break
		}
	}

	if progress != nil {
		if firstErr != nil {
			// An aborted transfer leaves the bar incomplete; drop it so
			// Wait does not block.
			bar.Abort(true)
		}
		progress.Wait()
	}

	if firstErr != nil {
		return fmt.Errorf("transfer aborted: %w", firstErr)
	}
	return nil
}

// complete tells the server to merge. Fire-and-forget: no reply is read.
func (u *Uploader) complete(uploadID, fileName string, totalChunks uint64) error {
	conn, err := u.dialAuthenticated()
	if err != nil {
		return err
	}
	defer conn.Close()

	done := &protocol.Complete{
		UploadID:    uploadID,
		FileName:    fileName,
		TotalChunks: totalChunks,
	}
	return protocol.WriteMessage(conn, done)
}

// dialAuthenticated connects and completes the handshake, retrying transient
// dial failures briefly. A denied handshake is permanent.
func (u *Uploader) dialAuthenticated() (net.Conn, error) {
	var conn net.Conn

	attempt := func() error {
		c, err := net.Dial("tcp", u.Addr)
		if err != nil {
			return err
		}
		if _, err := login(c, auth.AdminUser, u.Password); err != nil {
			c.Close()
			if errors.Is(err, auth.ErrAccessDenied) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, fmt.Errorf("connect %s: %w", u.Addr, err)
	}
	return conn, nil
}
