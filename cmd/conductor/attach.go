package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"golang.org/x/term"
)

// clientConn serializes writes; gorilla connections allow one writer at a
// time and both the stdin pump and the resize watcher write.
type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *clientConn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

// attachCmd bridges the local terminal to a container shell over the
// daemon's terminal websocket. The local TTY is switched to raw mode so
// control characters pass through to the remote shell untouched.
func attachCmd(args []string) error {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	addr := fs.String("addr", "localhost:9090", "daemon address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("attach requires exactly one container id")
	}
	containerID := fs.Arg(0)

	url := fmt.Sprintf("ws://%s/terminal/%s", *addr, containerID)
	raw, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", url, err)
	}
	conn := &clientConn{conn: raw}
	defer raw.Close()

	stdinFd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	if err := sendResize(conn, stdinFd); err != nil {
		return err
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			_ = sendResize(conn, stdinFd)
		}
	}()

	done := make(chan error, 1)
	go func() {
		for {
			_, data, err := raw.ReadMessage()
			if err != nil {
				done <- nil
				return
			}
			if _, err := os.Stdout.Write(data); err != nil {
				done <- err
				return
			}
		}
	}()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := conn.write(websocket.BinaryMessage, buf[:n]); werr != nil {
					done <- nil
					return
				}
			}
			if err != nil {
				_ = conn.write(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				done <- nil
				return
			}
		}
	}()

	return <-done
}

func sendResize(conn *clientConn, fd int) error {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return nil
	}
	frame, err := json.Marshal(map[string]any{
		"type": "resize",
		"cols": cols,
		"rows": rows,
	})
	if err != nil {
		return err
	}
	return conn.write(websocket.TextMessage, frame)
}
