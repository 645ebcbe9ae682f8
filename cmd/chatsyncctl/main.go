package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/netzeal/chatsync/internal/control"
	"github.com/netzeal/chatsync/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := control.Dial(profile.SocketPath(name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		cmdWatch(c, args[1:], name, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := command{ctx: ctx, c: c, args: args[1:], json: *jsonFlag}
	switch args[0] {
	case "status":
		cmd.status()
	case "connect":
		cmd.simple(c.Connect, "connecting")
	case "disconnect":
		cmd.simple(c.Disconnect, "disconnected")
	case "foreground":
		cmd.simple(c.Foreground, "foreground")
	case "background":
		cmd.simple(c.Background, "background")
	case "join":
		cmd.join()
	case "leave":
		cmd.leave()
	case "send":
		cmd.send()
	case "retry":
		cmd.retry()
	case "typing":
		cmd.typing()
	case "read":
		cmd.read()
	case "messages":
		cmd.messages()
	case "history":
		cmd.history()
	case "conversations":
		cmd.conversations()
	case "draft":
		cmd.draft()
	case "clear-cache":
		cmd.simple(c.ClearCache, "cache cleared")
	case "logout":
		cmd.simple(c.Logout, "logged out")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                          Show connection status")
	fmt.Fprintln(os.Stderr, "  connect | disconnect            Open or close the chat session")
	fmt.Fprintln(os.Stderr, "  foreground | background         Report app visibility")
	fmt.Fprintln(os.Stderr, "  join <conv> | leave <conv>      Manage room membership")
	fmt.Fprintln(os.Stderr, "  send <conv> <text> [--type T] [--media URL] [--reply ID]")
	fmt.Fprintln(os.Stderr, "  retry <temp-id>                 Re-queue a failed message")
	fmt.Fprintln(os.Stderr, "  typing <conv> on|off            Send a typing indicator")
	fmt.Fprintln(os.Stderr, "  read <conv>                     Send read receipts")
	fmt.Fprintln(os.Stderr, "  messages <conv> [limit]         Show cached messages")
	fmt.Fprintln(os.Stderr, "  history <conv> [cursor]         Fetch an older page from the server")
	fmt.Fprintln(os.Stderr, "  conversations [--refresh]       List conversations")
	fmt.Fprintln(os.Stderr, "  draft <conv> [text]             Show or save a draft")
	fmt.Fprintln(os.Stderr, "  clear-cache                     Drop all cached data")
	fmt.Fprintln(os.Stderr, "  logout                          Disconnect and forget the token")
	fmt.Fprintln(os.Stderr, "  watch [prefix]                  Stream events")
}

type command struct {
	ctx  context.Context
	c    *control.Client
	args []string
	json bool
}

func (cmd command) arg(i int, usage string) string {
	if i >= len(cmd.args) {
		fmt.Fprintf(os.Stderr, "usage: chatsyncctl %s\n", usage)
		os.Exit(1)
	}
	return cmd.args[i]
}

func (cmd command) conversation(usage string) int64 {
	return parseID(cmd.arg(0, usage))
}

func (cmd command) simple(fn func(context.Context) error, done string) {
	if err := fn(cmd.ctx); err != nil {
		fail(err)
	}
	fmt.Println(done)
}

func (cmd command) status() {
	st, err := cmd.c.Status(cmd.ctx)
	if err != nil {
		fail(err)
	}
	if cmd.json {
		outputJSON(st)
		return
	}
	fmt.Printf("Profile:  %s\n", st.Profile)
	fmt.Printf("State:    %s\n", st.State)
	if st.Attempts > 0 {
		fmt.Printf("Attempts: %d\n", st.Attempts)
	}
	if st.LastError != "" {
		fmt.Printf("Error:    %s\n", st.LastError)
	}
	fmt.Printf("Rooms:    %v\n", st.Rooms)
	fmt.Printf("Pending:  %d\n", st.Pending)
	if st.LastSyncMs > 0 {
		fmt.Printf("Synced:   %s\n", time.UnixMilli(st.LastSyncMs).Format(time.DateTime))
	}
	fmt.Printf("Uptime:   %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
}

func (cmd command) join() {
	id := cmd.conversation("join <conversation-id>")
	if err := cmd.c.Join(cmd.ctx, id); err != nil {
		fail(err)
	}
	fmt.Printf("joined %d\n", id)
}

func (cmd command) leave() {
	id := cmd.conversation("leave <conversation-id>")
	if err := cmd.c.Leave(cmd.ctx, id); err != nil {
		fail(err)
	}
	fmt.Printf("left %d\n", id)
}

func (cmd command) send() {
	const usage = "send <conversation-id> <text> [--type T] [--media URL] [--reply ID]"
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	typ := fs.String("type", "", "message type (TEXT, IMAGE, VIDEO, AUDIO, FILE)")
	media := fs.String("media", "", "media URL")
	reply := fs.Int64("reply", 0, "message id being replied to")

	id := cmd.conversation(usage)
	var words []string
	rest := cmd.args[1:]
	for len(rest) > 0 {
		if strings.HasPrefix(rest[0], "--") {
			if err := fs.Parse(rest); err != nil {
				fail(err)
			}
			rest = fs.Args()
			continue
		}
		words = append(words, rest[0])
		rest = rest[1:]
	}

	o := control.Outgoing{ConversationID: id, Content: strings.Join(words, " "), Type: *typ, MediaURL: *media}
	if *reply != 0 {
		o.ReplyToID = reply
	}
	m, err := cmd.c.Send(cmd.ctx, o)
	if err != nil {
		fail(err)
	}
	if cmd.json {
		outputJSON(m)
		return
	}
	fmt.Printf("%s %s\n", m.State, m.TempID)
}

func (cmd command) retry() {
	m, err := cmd.c.Retry(cmd.ctx, cmd.arg(0, "retry <temp-id>"))
	if err != nil {
		fail(err)
	}
	if cmd.json {
		outputJSON(m)
		return
	}
	fmt.Printf("%s %s\n", m.State, m.TempID)
}

func (cmd command) typing() {
	const usage = "typing <conversation-id> on|off"
	id := cmd.conversation(usage)
	var on bool
	switch cmd.arg(1, usage) {
	case "on":
		on = true
	case "off":
	default:
		fmt.Fprintf(os.Stderr, "usage: chatsyncctl %s\n", usage)
		os.Exit(1)
	}
	if err := cmd.c.SetTyping(cmd.ctx, id, on); err != nil {
		fail(err)
	}
}

func (cmd command) read() {
	ids, err := cmd.c.MarkRead(cmd.ctx, cmd.conversation("read <conversation-id>"))
	if err != nil {
		fail(err)
	}
	if cmd.json {
		outputJSON(ids)
		return
	}
	fmt.Printf("%d receipts sent\n", len(ids))
}

func (cmd command) messages() {
	id := cmd.conversation("messages <conversation-id> [limit]")
	limit := 0
	if len(cmd.args) > 1 {
		n, err := strconv.Atoi(cmd.args[1])
		if err != nil {
			fail(fmt.Errorf("invalid limit %q", cmd.args[1]))
		}
		limit = n
	}
	msgs, err := cmd.c.Messages(cmd.ctx, id, limit)
	if err != nil {
		fail(err)
	}
	if cmd.json {
		outputJSON(msgs)
		return
	}
	printMessages(msgs)
}

func (cmd command) history() {
	id := cmd.conversation("history <conversation-id> [cursor]")
	cursor := ""
	if len(cmd.args) > 1 {
		cursor = cmd.args[1]
	}
	h, err := cmd.c.LoadHistory(cmd.ctx, id, cursor)
	if err != nil {
		fail(err)
	}
	if cmd.json {
		outputJSON(h)
		return
	}
	printMessages(h.Added)
	if h.HasMore {
		fmt.Printf("more: chatsyncctl history %d %s\n", id, h.NextCursor)
	}
}

func (cmd command) conversations() {
	refresh := len(cmd.args) > 0 && cmd.args[0] == "--refresh"
	convs, err := cmd.c.Conversations(cmd.ctx, refresh)
	if err != nil {
		fail(err)
	}
	if cmd.json {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, cv := range convs {
		title := cv.Title
		if title == "" {
			title = "-"
		}
		fmt.Printf("%-8d %-8s %-24s unread=%d  %s\n", cv.ID, cv.Type, title, cv.UnreadCount, cv.LastMessage)
	}
}

func (cmd command) draft() {
	id := cmd.conversation("draft <conversation-id> [text]")
	if len(cmd.args) > 1 {
		if err := cmd.c.SaveDraft(cmd.ctx, id, strings.Join(cmd.args[1:], " ")); err != nil {
			fail(err)
		}
		return
	}
	d, err := cmd.c.Draft(cmd.ctx, id)
	if err != nil {
		fail(err)
	}
	if cmd.json {
		outputJSON(d)
		return
	}
	fmt.Println(d.Content)
}

func cmdWatch(c *control.Client, args []string, name string, jsonOut bool) {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := c.Watch(ctx, prefix, func(e control.Event) error {
		if jsonOut {
			outputJSON(e)
			return nil
		}
		at := time.UnixMilli(e.OccurredAtMs).Format("15:04:05.000")
		fmt.Printf("%s %-20s %s\n", at, e.Kind, e.Payload)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: watch on profile %q: %v\n", name, err)
		os.Exit(1)
	}
}

func printMessages(msgs []control.Message) {
	for _, m := range msgs {
		at := time.UnixMilli(m.CreatedAtMs).Format("2006-01-02 15:04")
		fmt.Printf("%s  #%-6d %-9s %s\n", at, m.SenderID, m.State, m.Content)
	}
}

func parseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fail(fmt.Errorf("invalid id %q", s))
	}
	return id
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
