package irc

// Numeric replies and errors used by the gateway.
const (
	RplWelcome      = "001"
	RplYourHost     = "002"
	RplCreated      = "003"
	RplMyInfo       = "004"
	RplISupport     = "005"
	RplListStart    = "321"
	RplList         = "322"
	RplListEnd      = "323"
	RplNoTopic      = "331"
	RplTopic        = "332"
	RplTopicWhoTime = "333"
	RplNamReply     = "353"
	RplEndOfNames   = "366"

	ErrNoSuchChannel     = "403"
	ErrUnknownCommand    = "421"
	ErrNotOnChannel      = "442"
	ErrNotRegistered     = "451"
	ErrNeedMoreParams    = "461"
	ErrChanOpPrivsNeeded = "482"
)

// ServerSource is the source prefix used for server-originated messages.
const ServerSource = "server."
