package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"topicchat/cmd/internal/app"
	"topicchat/cmd/internal/chat"
)

var (
	nameColor   = color.New(color.FgCyan, color.Bold)
	topicColor  = color.New(color.FgMagenta)
	noticeColor = color.New(color.Faint)
	errColor    = color.New(color.FgRed)
)

// runChat connects, joins topic and then reads commands and messages from in until
// /quit, EOF or ctx cancellation.
func runChat(ctx context.Context, a *app.App, topic string, in io.Reader, out io.Writer) error {
	if err := a.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	p := &printer{out: out}
	cancel := a.Chat().Subscribe(p.render)
	defer cancel()

	if topic == "" {
		if topics := a.Topics(); len(topics) > 0 {
			topic = topics[0]
		}
	}
	if err := a.Join(ctx, topic); err != nil {
		return err
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			quit, err := handleLine(ctx, a, p, line)
			if err != nil {
				p.errorf("%v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// handleLine runs one input line. It reports true when the session should end.
func handleLine(ctx context.Context, a *app.App, p *printer, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, a.Send(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/topics":
		p.topics(a.Topics(), a.Chat().Snapshot().ActiveTopic)
		return false, nil
	case "/join":
		if arg == "" {
			return false, errors.New("usage: /join <topic>")
		}
		return false, a.Join(ctx, arg)
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
}

// printer writes new chat messages as the store changes.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	topic  string
	lastID string
	online bool
}

func (p *printer) render(st chat.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st.IsConnected != p.online {
		p.online = st.IsConnected
		if st.IsConnected {
			noticeColor.Fprintln(p.out, "-- connected")
		} else {
			noticeColor.Fprintln(p.out, "-- disconnected")
		}
	}
	if st.ActiveTopic != p.topic {
		p.topic = st.ActiveTopic
		p.lastID = ""
		if st.ActiveTopic != "" {
			noticeColor.Fprintf(p.out, "-- joined %s\n", topicColor.Sprint(st.ActiveTopic))
		}
	}

	start := 0
	if p.lastID != "" {
		for i := len(st.Messages) - 1; i >= 0; i-- {
			if st.Messages[i].ID == p.lastID {
				start = i + 1
				break
			}
		}
	}
	for _, m := range st.Messages[start:] {
		p.message(m, st.ActiveTopic)
		p.lastID = m.ID
	}
}

// message prints m, tagged with its topic when it arrived through the fan-in view.
func (p *printer) message(m chat.Message, active string) {
	ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
	if m.Topic != active {
		fmt.Fprintf(p.out, "%s [%s] %s: %s\n", ts, topicColor.Sprint(m.Topic), nameColor.Sprint(m.Username), m.Content)
		return
	}
	fmt.Fprintf(p.out, "%s %s: %s\n", ts, nameColor.Sprint(m.Username), m.Content)
}

func (p *printer) topics(topics []string, active string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	printTopics(p.out, topics, active)
}

func (p *printer) errorf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	errColor.Fprintf(p.out, "!! %s\n", fmt.Sprintf(format, args...))
}

func printTopics(w io.Writer, topics []string, active string) {
	for _, t := range topics {
		marker := " "
		if t == active {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %s\n", marker, t)
	}
}
