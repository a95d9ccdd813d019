package consts

// Protocol and queue limits. These are the defaults; most are overridable
// through the configuration file.
const (
	// MaxMessageSize is the largest message body accepted over SMTP.
	MaxMessageSize = 35 * 1024 * 1024

	// MaxRecipients caps RCPT TO commands per transaction.
	MaxRecipients = 100

	// MaxHops is the Received header count above which a message is
	// rejected as a mail loop.
	MaxHops = 30

	// MaxLineLength is the longest command line accepted from a client.
	MaxLineLength = 4096

	// MaxUnknownCommands is the number of unrecognized commands tolerated
	// per session before the connection is dropped with a 421.
	MaxUnknownCommands = 5

	// MaxSyntaxErrors is the number of malformed commands tolerated per
	// session before the connection is dropped with a 421.
	MaxSyntaxErrors = 3
)
