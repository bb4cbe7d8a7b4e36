// Package unity implements the Unity Cache Server protocol (version 254):
// the binary command codec, per-session transactions and the connection
// handler that ties them to a store.
package unity

import (
	"errors"

	unitycache "github.com/wolfeidau/unity-cache"
	"github.com/wolfeidau/unity-cache/store"
)

const (
	// ProtocolVersion is the only protocol version the server accepts.
	ProtocolVersion uint32 = 254

	// DefaultMaxStreamSize is the largest stream a put may declare.
	DefaultMaxStreamSize = store.DefaultMaxStreamSize

	// sizeFieldLen is the width of the hex size field in put and hit frames.
	sizeFieldLen = 16

	// versionFieldLen is the width of the version in the server's handshake.
	versionFieldLen = 8
)

// Command and reply tags.
const (
	cmdGet         byte = 'g'
	cmdTransaction byte = 't'
	cmdPut         byte = 'p'
	cmdQuit        byte = 'q'

	txnBegin byte = 's'
	txnEnd   byte = 'e'

	replyHit  byte = '+'
	replyMiss byte = '-'
)

var (
	// ErrMalformedCommand is returned when the command stream cannot be
	// decoded.
	ErrMalformedCommand = errors.New("malformed command")

	// ErrUnsupportedVersion is returned when the client requests a
	// protocol version other than ProtocolVersion.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrTransactionAlreadyOpen is returned by a begin while a transaction
	// is open.
	ErrTransactionAlreadyOpen = errors.New("transaction already open")

	// ErrNoOpenTransaction is returned by a put or end outside a
	// transaction.
	ErrNoOpenTransaction = errors.New("no open transaction")

	// ErrGetInTransaction is returned by a get while a transaction is open.
	ErrGetInTransaction = errors.New("get not allowed inside a transaction")
)

// Command is a decoded client command.
type Command interface {
	// Name identifies the command in logs and metrics.
	Name() string
}

// GetStream requests one stream of a committed entry.
type GetStream struct {
	Kind unitycache.StreamKind
	Key  unitycache.AssetKey
}

// BeginTransaction opens a put transaction for Key.
type BeginTransaction struct {
	Key unitycache.AssetKey
}

// PutStream carries a complete stream for the open transaction.
type PutStream struct {
	Kind unitycache.StreamKind
	Data []byte
}

// EndTransaction commits the open transaction.
type EndTransaction struct{}

// Quit ends the session.
type Quit struct{}

func (GetStream) Name() string        { return "get" }
func (BeginTransaction) Name() string { return "begin" }
func (PutStream) Name() string        { return "put" }
func (EndTransaction) Name() string   { return "end" }
func (Quit) Name() string             { return "quit" }

// Compile-time interface checks
var (
	_ Command = GetStream{}
	_ Command = BeginTransaction{}
	_ Command = PutStream{}
	_ Command = EndTransaction{}
	_ Command = Quit{}
)
