package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// NopLogger returns a logger that discards everything. Tests and library
// callers that pass no logger get this.
func NopLogger() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithConn adds remote_addr context to logger.
func (l *Logger) WithConn(remoteAddr string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("remote_addr", remoteAddr).Logger(),
	}
}

// WithUpload adds upload_id context to logger.
func (l *Logger) WithUpload(uploadID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("upload_id", uploadID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// LoginAttempt logs the start of a handshake.
func (l *Logger) LoginAttempt(clientID string) {
	l.logger.Info().
		Str("client_id", clientID).
		Msg("login attempt")
}

// AuthResult logs the outcome of a handshake.
func (l *Logger) AuthResult(clientID, sessionID string, ok bool) {
	event := l.logger.Info()
	if !ok {
		event = l.logger.Warn()
	}
	event.
		Str("client_id", clientID).
		Str("session_id", sessionID).
		Bool("authenticated", ok).
		Msg("authentication finished")
}

// UploadInitialized logs staging-area allocation.
func (l *Logger) UploadInitialized(uploadID, fileName string, totalSize uint64) {
	l.logger.Info().
		Str("upload_id", uploadID).
		Str("file_name", fileName).
		Uint64("total_size", totalSize).
		Msg("upload initialized")
}

// ChunkStored logs one persisted chunk.
func (l *Logger) ChunkStored(uploadID string, chunkIndex uint64, size int) {
	l.logger.Debug().
		Str("upload_id", uploadID).
		Uint64("chunk_index", chunkIndex).
		Int("chunk_size", size).
		Msg("chunk stored")
}

// ChunkRejected logs a NACKed chunk with the rejection reason.
func (l *Logger) ChunkRejected(uploadID string, chunkIndex uint64, reason string) {
	l.logger.Warn().
		Str("upload_id", uploadID).
		Uint64("chunk_index", chunkIndex).
		Str("reason", reason).
		Msg("chunk rejected")
}

// MergeCompleted logs a finished upload.
func (l *Logger) MergeCompleted(uploadID, fileName string, totalChunks uint64, duration time.Duration) {
	l.logger.Info().
		Str("upload_id", uploadID).
		Str("file_name", fileName).
		Uint64("total_chunks", totalChunks).
		Float64("duration_seconds", duration.Seconds()).
		Msg("upload merged")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
