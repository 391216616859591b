// Package protocol defines the wire protocol between editor clients and the
// LineHeat realtime coordination server: message shapes, validation rules,
// and the compatibility constants both sides must agree on.
package protocol

import "time"

const (
	// HashVersion is the only identifier-digest algorithm this server accepts.
	HashVersion = "sha256-hex-v1"

	// ServerProtocolVersion is this server's semver. Clients whose major
	// version differs, or whose version is below MinClientProtocolVersion,
	// are rejected at handshake.
	ServerProtocolVersion    = "2.0.0"
	MinClientProtocolVersion = "2.0.0"

	DefaultRetentionDays = 7

	DisplayNameMaxLength = 64
	EmojiMaxLength        = 16
	FilePathMaxLength     = 512

	CoalesceInterval       = 200 * time.Millisecond
	PresenceSweepInterval  = 5 * time.Second
	PresenceTTL            = 15 * time.Second
	RetentionSweepInterval = 15 * time.Minute

	TopEditorsPerFunction      = 10
	MaxPresenceUsersPerFunction = 50
	MaxSubscribedRoomsPerClient = 10 // enforced client-side only

	// IdentifierHexLength is the length of repoId/filePath/functionId digests.
	IdentifierHexLength = 64
)
