package main

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/model"
	"github.com/puyokura/hallmesh/session"
)

const consoleHelp = `Available commands:
  halls                 list hall sessions
  use <hall>            select the hall other commands act on
  join <hall>           start a session for a hall id
  connect <invite>      join through a hall:// invite
  host                  host the selected hall
  say <message>         send a chat message
  invite                issue a new invite (host only)
  kick <user>           remove a member (host only)
  ban <user>            ban a member and remove them
  unban <user>          lift a ban
  broadcast <message>   send a system notice (host only)
  disconnect            leave the selected hall
  status                show the selected hall
  stop                  shut down`

// console is the operator prompt of the daemon.
type console struct {
	node    *node
	current uuid.UUID
	timeout time.Duration
}

func newConsole(n *node) *console {
	c := &console{node: n, timeout: 10 * time.Second}
	if halls := n.halls(); len(halls) > 0 {
		c.current = halls[0]
	}
	return c
}

// run reads commands until in is exhausted or stop is entered. It reports
// whether stop was requested.
func (c *console) run(ctx context.Context, in io.Reader) bool {
	scanner := bufio.NewScanner(in)
	c.node.printf("Console ready. Type 'help' for commands.\n")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return false
		}
		if c.exec(ctx, scanner.Text()) {
			return true
		}
	}
	return false
}

// exec runs one command line and reports whether it was stop.
func (c *console) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd, args := parts[0], parts[1:]
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	switch cmd {
	case "help":
		c.node.printf("%s\n", consoleHelp)
	case "stop":
		c.node.printf("Stopping...\n")
		return true
	case "halls":
		for _, id := range c.node.halls() {
			mark := " "
			if id == c.current {
				mark = "*"
			}
			c.node.printf("%s %s %s\n", mark, id, c.node.session(id).Status().State)
		}
	case "use":
		id, ok := c.hallArg(args)
		if !ok {
			return false
		}
		if c.node.session(id) == nil {
			c.node.printf("Unknown hall. Use 'join %s' first.\n", id)
			return false
		}
		c.current = id
	case "join":
		id, ok := c.hallArg(args)
		if !ok {
			return false
		}
		if _, err := c.node.join(id); err != nil {
			c.node.printf("Error: %v\n", err)
			return false
		}
		c.current = id
		c.node.printf("Selected hall %s.\n", id)
	case "connect":
		if len(args) != 1 {
			c.node.printf("Usage: connect <invite>\n")
			return false
		}
		u, err := model.ParseInvite(args[0])
		if err != nil {
			c.node.printf("Error: %v\n", err)
			return false
		}
		s, err := c.node.join(u.HallID)
		if err != nil {
			c.node.printf("Error: %v\n", err)
			return false
		}
		c.current = u.HallID
		c.report(s.ConnectInvite(ctx, args[0]), "Connecting...")
	case "host":
		if s := c.selected(); s != nil {
			c.report(s.Host(ctx), "Hosting.")
			if inv := s.Status().Invite; inv != "" {
				c.node.printf("Invite: %s\n", inv)
			}
		}
	case "say":
		if len(args) == 0 {
			c.node.printf("Usage: say <message>\n")
			return false
		}
		if s := c.selected(); s != nil {
			_, err := s.Send(ctx, strings.Join(args, " "))
			c.report(err, "")
		}
	case "invite":
		if s := c.selected(); s != nil {
			u, err := s.RegenerateInvite(ctx)
			c.report(err, "Invite: "+u.String())
		}
	case "kick", "ban", "unban":
		c.moderate(ctx, cmd, args)
	case "broadcast":
		if len(args) == 0 {
			c.node.printf("Usage: broadcast <message>\n")
			return false
		}
		if s := c.selected(); s != nil {
			c.report(s.Notice(ctx, "[Admin] "+strings.Join(args, " ")), "Broadcast sent.")
		}
	case "disconnect":
		if s := c.selected(); s != nil {
			c.report(s.Disconnect(ctx), "Disconnected.")
		}
	case "status":
		if s := c.selected(); s != nil {
			c.printStatus(s)
		}
	default:
		c.node.printf("Unknown command.\n")
	}
	return false
}

func (c *console) moderate(ctx context.Context, cmd string, args []string) {
	if len(args) != 1 {
		c.node.printf("Usage: %s <user>\n", cmd)
		return
	}
	userID, err := uuid.Parse(args[0])
	if err != nil {
		c.node.printf("Invalid user id: %v\n", err)
		return
	}
	switch cmd {
	case "ban":
		if err := c.node.cfg.Ban(userID); err != nil {
			c.node.printf("Error banning: %v\n", err)
			return
		}
		c.node.printf("User banned.\n")
	case "unban":
		if err := c.node.cfg.Unban(userID); err != nil {
			c.node.printf("Error unbanning: %v\n", err)
			return
		}
		c.node.printf("User unbanned.\n")
		return
	}
	s := c.selected()
	if s == nil {
		return
	}
	kicked, err := s.Kick(ctx, userID)
	switch {
	case err != nil && cmd == "kick":
		c.node.printf("Error: %v\n", err)
	case kicked:
		c.node.printf("User kicked.\n")
	case cmd == "kick":
		c.node.printf("User not found.\n")
	}
}

func (c *console) printStatus(s *session.Session) {
	st := s.Status()
	c.node.printf("hall:    %s\n", s.HallID())
	c.node.printf("state:   %s\n", st.State)
	c.node.printf("host:    %s (epoch %d)\n", st.HostID, st.Epoch)
	c.node.printf("quality: %s\n", st.Quality)
	if st.Invite != "" {
		c.node.printf("invite:  %s\n", st.Invite)
	}
	for _, m := range st.Members {
		c.node.printf("  - %s %s (%s)\n", m.UserID, m.Username, m.Role)
	}
}

func (c *console) hallArg(args []string) (uuid.UUID, bool) {
	if len(args) != 1 {
		c.node.printf("Usage: <command> <hall-id>\n")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		c.node.printf("Invalid hall id: %v\n", err)
		return uuid.Nil, false
	}
	return id, true
}

func (c *console) selected() *session.Session {
	s := c.node.session(c.current)
	if s == nil {
		c.node.printf("No hall selected. Use 'join <hall>' or 'connect <invite>'.\n")
	}
	return s
}

func (c *console) report(err error, ok string) {
	switch {
	case err != nil:
		c.node.printf("Error: %v\n", err)
	case ok != "":
		c.node.printf("%s\n", ok)
	}
}
