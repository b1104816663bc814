package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"aegis/internal/app"
	"aegis/internal/domain"
)

type consoleCommand struct {
	verb string
	arg  string
}

func parseCommand(line string) (consoleCommand, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return consoleCommand{}, fmt.Errorf("empty command")
	}
	verb, arg, _ := strings.Cut(line, " ")
	verb = strings.ToLower(verb)
	arg = strings.TrimSpace(arg)
	switch verb {
	case "d", "directive":
		if arg == "" {
			return consoleCommand{}, fmt.Errorf("directive text is required")
		}
		return consoleCommand{verb: "directive", arg: arg}, nil
	case "a", "approve":
		return consoleCommand{verb: "approve", arg: arg}, nil
	case "r", "reject":
		return consoleCommand{verb: "reject", arg: arg}, nil
	case "y", "resolved":
		return consoleCommand{verb: "resolved"}, nil
	case "n", "unresolved":
		return consoleCommand{verb: "unresolved"}, nil
	case "s", "status":
		return consoleCommand{verb: "status"}, nil
	case "q", "stop", "quit":
		return consoleCommand{verb: "stop"}, nil
	}
	return consoleCommand{}, fmt.Errorf("unknown command %q", verb)
}

// console reads commander commands until in closes, ctx ends or the run finishes.
func console(ctx context.Context, run *app.Run, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-run.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			cmd, err := parseCommand(line)
			if err != nil {
				fmt.Println("!", err)
				continue
			}
			fmt.Println(">", execute(run, cmd))
		}
	}
}

func execute(run *app.Run, cmd consoleCommand) string {
	switch cmd.verb {
	case "directive":
		d, err := run.SubmitDirective(cmd.arg)
		if err != nil {
			return "directive rejected: " + err.Error()
		}
		return "directive " + string(d)
	case "approve", "reject":
		approved := cmd.verb == "approve"
		id, requester, ok := target(run, cmd.arg)
		if !ok {
			return "no pending approval matches"
		}
		if !run.Decide(id, requester, approved) {
			return "request already decided"
		}
		if approved {
			return shortID(id) + " approved"
		}
		return shortID(id) + " rejected"
	case "resolved", "unresolved":
		d, err := run.Resolve(cmd.verb == "resolved")
		if err != nil {
			return "signal rejected: " + err.Error()
		}
		return "resolution " + string(d)
	case "status":
		var b strings.Builder
		fmt.Fprintf(&b, "stage %s, cycle %d", run.Stage(), run.Record().Cycle)
		for _, req := range run.Engine.Gateway.Pending() {
			fmt.Fprintf(&b, "\n  pending %s from %s: %s", shortID(req.ID), req.Requester, req.Action)
		}
		return b.String()
	case "stop":
		run.Stop()
		return "stopping"
	}
	return "unsupported"
}

// target resolves a console argument to a pending request: empty picks the oldest,
// otherwise a requester stage or an id prefix.
func target(run *app.Run, arg string) (string, domain.Stage, bool) {
	pending := run.Engine.Gateway.Pending()
	for _, req := range pending {
		if arg == "" || string(req.Requester) == arg || strings.HasPrefix(req.ID, arg) {
			return req.ID, req.Requester, true
		}
	}
	return "", "", false
}
