package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/ergochat/readline"
	optimist "github.com/liveblocks/liveblocks-sub020"
	"github.com/liveblocks/liveblocks-sub020/channel"
	"github.com/liveblocks/liveblocks-sub020/examples"
	"github.com/liveblocks/liveblocks-sub020/utils"
	"github.com/prometheus/client_golang/prometheus"
)

// REPL drives a server and a handful of clients over one in-process hub.
type REPL struct {
	server  *optimist.Server
	hub     *channel.Hub
	// clients is read by the HTTP handlers too
	lock    sync.RWMutex
	clients map[string]*optimist.Client
	current string

	log  utils.Logger
	reg  *prometheus.Registry
	rl   *readline.Instance
	http *http.Server
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("client"),
	readline.PcItem("mut", mutationItems()...),
	readline.PcItem("sync", readline.PcItem("all")),
	readline.PcItem("disconnect", readline.PcItem("all")),
	readline.PcItem("reconnect", readline.PcItem("all")),
	readline.PcItem("autosync"),

	readline.PcItem("show"),
	readline.PcItem("outbox"),
	readline.PcItem("hash"),
	readline.PcItem("listen"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func mutationItems() (items []readline.PrefixCompleterInterface) {
	for _, name := range examples.Registry.Names() {
		items = append(items, readline.PcItem(name))
	}
	return
}

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func (repl *REPL) Open() (err error) {
	if err = repl.init(utils.NewDefaultLogger(slog.LevelWarn)); err != nil {
		return
	}
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".optimist_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

// init starts the server and the hub; clients come later.
func (repl *REPL) init(log utils.Logger) (err error) {
	repl.log = log
	repl.server, err = optimist.NewServer(examples.Registry, optimist.ServerOptions{
		Options: optimist.Options{Name: "server", Logger: repl.log},
	})
	if err != nil {
		return
	}
	repl.hub = channel.NewHub(repl.server, repl.log)
	repl.server.Attach(repl.hub)
	repl.clients = make(map[string]*optimist.Client)

	repl.reg = prometheus.NewRegistry()
	repl.reg.MustRegister(optimist.Collectors()...)
	repl.reg.MustRegister(repl.server.Collector())
	return nil
}

func (repl *REPL) Close() error {
	if repl.http != nil {
		_ = repl.http.Close()
		repl.http = nil
	}
	if repl.hub != nil {
		_ = repl.hub.Close()
	}
	for _, c := range repl.clients {
		_ = c.Close()
	}
	if repl.server != nil {
		_ = repl.server.Close()
	}
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

// REPL reads and runs one command.
func (repl *REPL) REPL() (out string, err error) {
	var line string
	line, err = repl.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) && len(line) != 0 {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return repl.Run(context.Background(), line)
}

// Run executes a command line.
func (repl *REPL) Run(ctx context.Context, line string) (out string, err error) {
	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return "", nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)
	switch cmd {
	case "help":
		out = Help
	case "client":
		out, err = repl.CommandClient(args)
	case "mut":
		out, err = repl.CommandMut(args)
	case "sync":
		out, err = repl.CommandSync(ctx, args)
	case "disconnect":
		out, err = repl.CommandDisconnect(args)
	case "reconnect":
		out, err = repl.CommandReconnect(args)
	case "autosync":
		out, err = repl.CommandAutoSync(ctx, args)
	case "show", "ls", "cat":
		out, err = repl.CommandShow(args)
	case "outbox":
		out, err = repl.CommandOutbox(args)
	case "hash":
		out, err = repl.CommandHash()
	case "listen":
		out, err = repl.CommandListen(args)
	case "exit", "quit":
		err = io.EOF
	default:
		err = fmt.Errorf("command unknown: %s", cmd)
	}
	return
}

func main() {
	repl := REPL{}

	err := repl.Open()
	var out string

	for err != io.EOF {
		if err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "%s\n", err.Error())
			err = nil
		} else if out != "" {
			_, _ = fmt.Fprintf(os.Stderr, "%s\n", out)
		}
		if repl.rl == nil {
			break
		}
		out, err = repl.REPL()
	}
	_ = repl.Close()
}
