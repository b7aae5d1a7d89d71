package server

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
)

// handleLine runs one received line through the protocol state machine on
// behalf of c and returns the state c is in afterwards.
func (s *Server) handleLine(c *Client, line string) State {
	if c.state == Terminated {
		return Terminated
	}

	message := strings.TrimSpace(line)
	if len(message) == 0 {
		return c.state
	}
	cmd, args, _ := strings.Cut(message, " ")
	cmd = strings.ToUpper(cmd)
	args = strings.TrimSpace(args)

	clog := s.clientLog(c)
	if s.cfg.Server.Debug {
		clog.Debugf("Received line in state %s: %q", c.state, message)
	}

	switch c.state {
	case Ungreeted:
		if cmd == HeloCmd {
			s.handleHelo(c)
		}
		// anything before HELO is dropped without a reply
	case Greeted:
		switch cmd {
		case HeloCmd:
			// already greeted
		case NickCmd:
			s.handleNick(c, args)
		case QuitCmd:
			s.handleQuit(c)
		default:
			s.handleChat(c, message)
		}
	}
	return c.state
}

func (s *Server) handleHelo(c *Client) {
	err := s.registry.Admit(c, s.cfg.Server.MaxConnections)
	if errors.Is(err, ErrCapacityExceeded) {
		s.clientLog(c).Warnf("HELO rejected, %d clients connected already", s.cfg.Server.MaxConnections)
		reply(c, RplTooManyConnections)
		s.teardown(c, false)
		return
	}
	if err != nil {
		s.clientLog(c).Errorf("HELO failed: %v", err)
		s.teardown(c, false)
		return
	}

	c.state = Greeted
	s.clientLog(c).Infof("HELO accepted, %d clients connected", s.registry.Count())
	reply(c, RplWelcome)
}

func (s *Server) handleNick(c *Client, nick string) {
	clog := s.clientLog(c)

	switch {
	case len(nick) == 0:
		clog.Infof("NICK: No nickname given")
		reply(c, RplNoNickGiven)
		return
	case len(nick) > MaxNickLen:
		clog.Infof("NICK: Nickname too long: %s", nick)
		reply(c, RplNickTooLong)
		return
	case !validNickCharset(nick):
		clog.Infof("NICK: Invalid nickname charset: %s", nick)
		reply(c, RplNickInvalid)
		return
	}

	id := c.identifier.String()
	claimed := false
	if s.presence != nil && nick != c.Nickname() {
		ctx, cancel := context.WithTimeout(c.ctx, presenceTimeout)
		ok, err := s.presence.ClaimNick(ctx, id, nick)
		cancel()
		if err != nil {
			// fall back to the local check alone
			clog.Errorf("Failed to claim nickname in presence store: %v", err)
		} else if !ok {
			clog.Infof("NICK: Nickname '%s' held on another server", nick)
			reply(c, RplNickInUse, nick)
			return
		} else {
			claimed = true
		}
	}

	prev, err := s.registry.AssignNick(c, nick)
	if err != nil {
		if claimed {
			s.withPresence(c, func(ctx context.Context, p Presence) error { return p.ReleaseNick(ctx, id, nick) })
		}
		if errors.Is(err, ErrNickInUse) {
			clog.Infof("NICK: Nickname '%s' already in use", nick)
			reply(c, RplNickInUse, nick)
			return
		}
		clog.Errorf("NICK: %v", err)
		return
	}

	if prev != "" && prev != nick {
		s.withPresence(c, func(ctx context.Context, p Presence) error { return p.ReleaseNick(ctx, id, prev) })
	}

	clog.Infof("NICK: Nickname set to '%s'", nick)
	reply(c, RplNickAccepted, nick)

	notice := fmt.Sprintf(NoticeJoined, nick)
	s.registry.BroadcastToAllExceptSender(notice, c.identifier)
	s.withPresence(c, func(ctx context.Context, p Presence) error {
		if err := p.RegisterMember(ctx, id, nick, c.addr); err != nil {
			return err
		}
		return p.Publish(ctx, EventJoin, nick, notice)
	})
}

func (s *Server) handleQuit(c *Client) {
	s.clientLog(c).Infof("QUIT received")
	s.announceLeave(c)
	reply(c, RplGoodbye)
	s.teardown(c, false)
}

func (s *Server) handleChat(c *Client, message string) {
	nick := c.Nickname()
	if nick == "" {
		// nothing to prefix the message with until NICK succeeds
		return
	}

	line := fmt.Sprintf(NoticeChat, nick, message)
	n := s.registry.BroadcastToAllExceptSender(line, c.identifier)
	if s.cfg.Server.Debug {
		s.clientLog(c).Debugf("Chat message broadcast, %d bytes sent", n)
	}
	s.withPresence(c, func(ctx context.Context, p Presence) error {
		return p.Publish(ctx, EventChat, nick, line)
	})
}

// announceLeave broadcasts the leave notice for c if it has a nickname.
func (s *Server) announceLeave(c *Client) {
	nick := c.Nickname()
	if nick == "" {
		return
	}
	notice := fmt.Sprintf(NoticeLeft, nick)
	s.registry.BroadcastToAllExceptSender(notice, c.identifier)
	s.withPresence(c, func(ctx context.Context, p Presence) error {
		return p.Publish(ctx, EventLeave, nick, notice)
	})
}

// withPresence runs fn against the presence store if one is configured.
// Failures are logged; the local chat room never depends on the store.
func (s *Server) withPresence(c *Client, fn func(ctx context.Context, p Presence) error) {
	if s.presence == nil {
		return
	}
	// detached from c.ctx so teardown still reaches the store after Close
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := fn(ctx, s.presence); err != nil {
		s.clientLog(c).Errorf("Presence store update failed: %v", err)
	}
}

var nickPattern = regexp.MustCompile("^[a-zA-Z0-9]+$")

func validNickCharset(nick string) bool {
	return nickPattern.MatchString(nick)
}

// reply formats and sends one line back to c. A failed reply is left to the
// next receive to surface.
func reply(c *Client, format string, a ...interface{}) {
	message := format
	if len(a) > 0 {
		message = fmt.Sprintf(format, a...)
	}
	if _, err := c.Send(message); err != nil {
		log.WithField("client", c.identifier).Debugf("Reply failed: %v", err)
	}
}
