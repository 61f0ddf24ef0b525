package odrive

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/berr-exo/exodrive/comm"
	"github.com/edaniels/golog"
)

// fakeBoard serves the ASCII protocol on a loopback TCP port
type fakeBoard struct {
	mu       sync.Mutex
	props    map[string]string
	clamp    map[string]string // written values replaced by these
	commands []string
	reads    map[string]int
	torques  []string
	pos, vel float64

	// badChecksum corrupts the checksum of every reply
	badChecksum bool

	addr string
}

func newFakeBoard(t *testing.T) *fakeBoard {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	b := &fakeBoard{
		props: map[string]string{},
		clamp: map[string]string{},
		reads: map[string]int{},
		addr:  ln.Addr().String(),
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go b.serve(conn)
		}
	}()
	return b
}

func (b *fakeBoard) controller(t *testing.T) *Controller {
	c := NewFromMaker(comm.TCPConnMaker(b.addr, time.Second), golog.NewTestLogger(t))
	t.Cleanup(func() { c.Close() })
	return c
}

func (b *fakeBoard) set(path, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.props[path] = value
}

func (b *fakeBoard) get(path string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.props[path]
}

func (b *fakeBoard) readCount(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads[path]
}

func (b *fakeBoard) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\n")
		withCS := false
		if idx := strings.LastIndex(line, " *"); idx != -1 {
			withCS = true
			line = line[:idx]
		}
		reply, ok := b.handle(line)
		if !ok {
			continue
		}
		if withCS && reply != replyInvalidProperty {
			out := frame(reply, true)
			if b.badChecksum {
				out = append([]byte(reply+" *0"), '\n')
			}
			conn.Write(out)
			continue
		}
		conn.Write([]byte(reply + "\n"))
	}
}

// handle returns the reply to a command, if it has one
func (b *fakeBoard) handle(cmd string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, cmd)
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return replyInvalidFormat, true
	}
	switch fields[0] {
	case "r":
		b.reads[fields[1]]++
		v, ok := b.props[fields[1]]
		if !ok {
			return replyInvalidProperty, true
		}
		return v, true
	case "w":
		if _, ok := b.props[fields[1]]; !ok {
			return replyInvalidProperty, true
		}
		v := fields[2]
		if c, ok := b.clamp[fields[1]]; ok {
			v = c
		}
		b.props[fields[1]] = v
		return "", false
	case "f":
		return fmt.Sprintf("%s %s", strconv.FormatFloat(b.pos, 'f', 6, 64), strconv.FormatFloat(b.vel, 'f', 6, 64)), true
	case "c":
		b.torques = append(b.torques, fields[2])
		return "", false
	case "v", "ss", "se", "sr":
		return "", false
	case "sc":
		for k := range b.props {
			if strings.HasSuffix(k, "active_errors") || strings.HasSuffix(k, "disarm_reason") {
				b.props[k] = "0"
			}
		}
		return "", false
	}
	return replyUnknownCommand, true
}

func (b *fakeBoard) received(prefix string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.commands {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}
