package server

const (
	// HeloCmd `HELO` announces the client; nothing else is accepted before it.
	HeloCmd = "HELO"
	// NickCmd `NICK <name>` registers the client's display name.
	NickCmd = "NICK"
	// QuitCmd `QUIT` leaves the chat room.
	QuitCmd = "QUIT"

	// MaxNickLen is the longest nickname the server accepts.
	MaxNickLen = 15

	// Replies to the originating client
	RplWelcome      = "200 Welcome!  Now use the NICK command to tell me your nickname.\n"
	RplNickAccepted = "201 OK your nickname is %s.\n"
	RplGoodbye      = "200 Goodbye.\n"
	// !Replies

	// Error replies
	RplNoNickGiven        = "501 No nickname value specified after NICK command.\n"
	RplNickTooLong        = "502 Nickname too long; the maximum length is 15 characters.\n"
	RplShutdown           = "503 Server forcibly shut down by its operator.\n"
	RplNickInvalid        = "504 Nickname may contain only letters and digits.\n"
	RplNickInUse          = "505 Nickname %s is already in use; please choose another.\n"
	RplTooManyConnections = "506 Maximum number of connections exceeded; please try again later.\n"
	// !Error replies

	// Broadcasts
	NoticeJoined = "!%s joined the chat room.\n"
	NoticeLeft   = "!%s left the chat room.\n"
	NoticeChat   = "!%s: %s\n"
	// !Broadcasts
)
