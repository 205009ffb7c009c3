package internal

import "time"

// File permission constants
const (
	// DirectoryPermissions is the standard permission for creating directories
	DirectoryPermissions = 0755

	// FilePermissions is used for data files and the secret file
	FilePermissions = 0600
)

// Channel buffer size constants
const (
	// DefaultChannelBufferSize is the standard buffer size for channels
	DefaultChannelBufferSize = 100
)

// Chat platform constants
const (
	// MaxMessageLength is the longest message the chat platform accepts
	MaxMessageLength = 2000

	// ConfirmEmoji marks a positive answer to a prompt
	ConfirmEmoji = "✅"

	// DeclineEmoji marks a negative answer to a prompt
	DeclineEmoji = "❌"

	// CommandPrefix starts every bot command
	CommandPrefix = "!"
)

// Duration constants for commonly used timeouts
const (
	// DefaultTimeout is used for standard outbound operations
	DefaultTimeout = 5 * time.Second

	// ShutdownTimeout bounds how long workers get to drain on close
	ShutdownTimeout = 3 * time.Second
)
