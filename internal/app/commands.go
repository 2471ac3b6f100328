package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	kit "replybot/internal/transport"
	logx "replybot/pkg/logx"
)

// Request is one parsed operator command.
type Request struct {
	Chat    kit.ChatTarget
	FromID  int64
	MsgID   int
	Command string
	Args    []string
}

type Command struct {
	Name        string
	Usage       string
	Description string
	// Timeout overrides the dispatcher default when > 0.
	Timeout time.Duration
	Handle  HandlerFunc
}

const (
	defaultCommandTimeout = 15 * time.Second
	commandWorkers        = 2
)

// Commands routes owner messages to handlers and sends the reply back to the
// originating chat. Messages from anyone else are dropped.
type Commands struct {
	mu     sync.RWMutex
	owners map[int64]struct{}
	cmds   map[string]Command
	order  []Command

	log    logx.Logger
	sender kit.Sender
}

func NewCommands(log logx.Logger, sender kit.Sender, owners []int64) *Commands {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Commands{log: log, sender: sender, cmds: map[string]Command{}}
	c.SetOwners(owners)
	return c
}

// SetOwners replaces the owner list. Safe during hot reload.
func (c *Commands) SetOwners(owners []int64) {
	m := make(map[int64]struct{}, len(owners))
	for _, id := range owners {
		m[id] = struct{}{}
	}
	c.mu.Lock()
	c.owners = m
	c.mu.Unlock()
}

func (c *Commands) isOwner(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.owners[id]
	return ok
}

// Register installs cmds plus a generated /help. Each handler is wrapped with
// panic recovery, request logging and its timeout.
func (c *Commands) Register(cmds []Command) {
	help := Command{
		Name:        "help",
		Description: "list commands",
		Handle: func(context.Context, *Request) (string, error) {
			return c.helpText(), nil
		},
	}
	cmds = append(cmds, help)

	table := make(map[string]Command, len(cmds))
	order := make([]Command, 0, len(cmds))
	for _, cmd := range cmds {
		name := strings.ToLower(strings.TrimSpace(cmd.Name))
		if name == "" || cmd.Handle == nil {
			continue
		}
		cmd.Name = name
		timeout := cmd.Timeout
		if timeout <= 0 {
			timeout = defaultCommandTimeout
		}
		cmd.Handle = Chain(cmd.Handle,
			MWPanicRecover(c.log),
			MWRequestLog(c.log),
			MWTimeout(timeout),
		)
		table[name] = cmd
		order = append(order, cmd)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Name < order[j].Name })

	c.mu.Lock()
	c.cmds = table
	c.order = order
	c.mu.Unlock()
}

func (c *Commands) helpText() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, cmd := range c.order {
		usage := cmd.Usage
		if usage == "" {
			usage = "/" + cmd.Name
		}
		fmt.Fprintf(&b, "%s - %s\n", usage, cmd.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Menu returns the command list for the chat client menu.
func (c *Commands) Menu() []kit.BotCommand {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(c.order))
	for _, cmd := range c.order {
		out = append(out, kit.BotCommand{Command: cmd.Name, Description: cmd.Description})
	}
	return out
}

// UpdateMenu publishes the command menu when the sender supports it.
func (c *Commands) UpdateMenu(ctx context.Context) {
	mu, ok := c.sender.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	if err := mu.UpdateMenuCommands(ctx, c.Menu()); err != nil {
		c.log.Warn("command menu update failed", logx.Err(err))
	}
}

// ParseCommand splits "/name@bot arg1 arg2". ok is false for plain text.
func ParseCommand(text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	name = fields[0]
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

// DispatchLoop consumes updates until ctx ends or updates is closed.
func (c *Commands) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	var wg sync.WaitGroup
	for i := 0; i < commandWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case up, ok := <-updates:
					if !ok {
						return
					}
					c.Handle(ctx, up)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// Handle runs the command carried by up, if any, and replies.
func (c *Commands) Handle(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	name, args, ok := ParseCommand(msg.Text)
	if !ok {
		return
	}
	if !c.isOwner(msg.FromID) {
		c.log.Debug("command from non-owner ignored",
			logx.String("cmd", name),
			logx.Int64("from_id", msg.FromID),
		)
		return
	}

	c.mu.RLock()
	cmd, found := c.cmds[name]
	c.mu.RUnlock()

	req := &Request{
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:  msg.FromID,
		MsgID:   msg.ID,
		Command: name,
		Args:    args,
	}
	var text string
	if !found {
		text = fmt.Sprintf("unknown command /%s, try /help", name)
	} else {
		var err error
		text, err = cmd.Handle(ctx, req)
		if err != nil {
			text = "error: " + userError(err)
		}
	}
	if strings.TrimSpace(text) == "" || c.sender == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := c.sender.SendText(sctx, req.Chat, text, &kit.SendOptions{DisablePreview: true, ReplyTo: req.MsgID}); err != nil {
		c.log.Warn("command reply failed", logx.String("cmd", name), logx.Err(err))
	}
}

func userError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	return err.Error()
}
