package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/multi-agent/convsync/internal/conversation"
	pkgerr "github.com/multi-agent/convsync/pkg/errors"
)

var (
	chatThread string
	chatResume bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive terminal conversation on one thread",
	Long: `Reads lines from stdin and submits them to the thread. Lines starting
with "/" are commands:

  /approve               approve every pending action request
  /reject <reason>       reject every pending action request
  /edit <msg-id> <text>  edit a human message (forks a sibling branch)
  /regen <msg-id>        regenerate an ai message
  /branch <checkpoint>   switch to a sibling branch
  /cancel                cancel the active run
  /state                 print the thread snapshot as JSON
  /raw                   print the tail of the raw stream
  /quit                  detach and exit (the backend run keeps going)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		th := a.hub.Open(ctx, chatThread)
		fmt.Fprintf(os.Stderr, "thread %s\n", th.ID())

		p := newPrinter(os.Stdout)
		unsubscribe := th.Subscribe(p.OnState)
		defer unsubscribe()

		if chatResume && a.cfg.ReconnectOnOpen {
			if err := th.Resume(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "resume: %v\n", err)
			}
		}
		return chatLoop(ctx, th, os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatThread, "thread", "", "thread id (default: new thread)")
	chatCmd.Flags().BoolVar(&chatResume, "resume", true, "rejoin the thread's persisted run before reading input")
}

// threadControl chat 使用的线程操作子集。
type threadControl interface {
	Submit(ctx context.Context, content string, opts conversation.SubmitOptions) error
	Respond(ctx context.Context, decisions []conversation.Decision) error
	Edit(ctx context.Context, messageID, content string) error
	Regenerate(ctx context.Context, messageID string) error
	Cancel(ctx context.Context) error
	SelectBranch(checkpointID string) error
	Snapshot() conversation.State
	RawTail() []byte
}

var errQuit = pkgerr.New("chat", "quit")

func chatLoop(ctx context.Context, th threadControl, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64<<10), 1<<20)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := execLine(ctx, th, line, out)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(out, "[error] %v\n", err)
			}
		}
	}
}

// execLine 执行一行输入: 普通文本提交为新消息, "/" 开头为命令。
func execLine(ctx context.Context, th threadControl, line string, out io.Writer) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return th.Submit(ctx, line, conversation.SubmitOptions{})
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "quit", "exit":
		return errQuit
	case "cancel":
		return th.Cancel(ctx)
	case "approve":
		return th.Respond(ctx, fill(th, conversation.Approve()))
	case "reject":
		return th.Respond(ctx, fill(th, conversation.Reject(rest)))
	case "edit":
		id, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return pkgerr.Wrap(pkgerr.ErrInvalidInput, "chat", "usage: /edit <msg-id> <text>")
		}
		return th.Edit(ctx, id, strings.TrimSpace(text))
	case "regen", "regenerate":
		if rest == "" {
			return pkgerr.Wrap(pkgerr.ErrInvalidInput, "chat", "usage: /regen <msg-id>")
		}
		return th.Regenerate(ctx, rest)
	case "branch":
		if rest == "" {
			return pkgerr.Wrap(pkgerr.ErrInvalidInput, "chat", "usage: /branch <checkpoint-id>")
		}
		return th.SelectBranch(rest)
	case "state":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(th.Snapshot())
	case "raw":
		_, err := out.Write(th.RawTail())
		return err
	default:
		return pkgerr.Wrapf(pkgerr.ErrInvalidInput, "chat", "unknown command /%s", name)
	}
}

// fill 对每个待决 action request 生成相同的决策。
func fill(th threadControl, d conversation.Decision) []conversation.Decision {
	st := th.Snapshot()
	if st.Interrupt == nil {
		return nil
	}
	out := make([]conversation.Decision, len(st.Interrupt.ActionRequests))
	for i := range out {
		out[i] = d
	}
	return out
}
