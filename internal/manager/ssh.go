package manager

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/migasfree/swarm-control/internal/tunnel"
)

// sshKillGrace is how long the ssh client gets to exit after SIGTERM before
// it is killed.
const sshKillGrace = 2 * time.Second

// bridgeSSH runs a local ssh client against the tunnelled sshd and attaches
// its PTY to the browser terminal. Three bridges run concurrently: the
// ssh process's TCP socket to the relay tunnel, the PTY master to the
// browser, and browser input (data and resize) back to the PTY.
func (s *Server) bridgeSSH(ctx context.Context, browser *browserConn, relay *relayConn, tunnelID, username string) error {
	// Ephemeral listener the forked ssh client connects to; its traffic is
	// carried through the relay tunnel to the agent's sshd.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("local listener: %w", err)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	cmd := exec.Command("ssh",
		"-tt",
		"-p", fmt.Sprint(port),
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		fmt.Sprintf("%s@127.0.0.1", username),
	)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("starting ssh: %w", err)
	}
	defer ptmx.Close()
	defer terminateSSH(cmd)

	conn, err := acceptOne(ctx, listener)
	if err != nil {
		return err
	}
	defer conn.Close()

	g, gctx := errgroup.WithContext(ctx)

	// ssh TCP socket -> relay.
	g.Go(func() error {
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if err := relay.send(tunnel.DataFrame(tunnelID, tunnel.OriginClient, buf[:n])); err != nil {
					return err
				}
			}
			if err != nil {
				return err
			}
		}
	})

	// relay -> ssh TCP socket.
	g.Go(func() error {
		for {
			f, err := relay.read()
			if err != nil {
				return err
			}
			switch f.Type {
			case tunnel.TypeTunnelData:
				if f.TunnelID != tunnelID {
					continue
				}
				payload, err := tunnel.DecodePayload(f.Data)
				if err != nil {
					continue
				}
				if _, err := conn.Write(payload); err != nil {
					return err
				}
			case tunnel.TypeTunnelClosed:
				return errors.New("tunnel closed by peer")
			}
		}
	})

	// PTY master -> browser terminal.
	g.Go(func() error {
		buf := make([]byte, 32*1024)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				msg := browserMessage{Type: "data", Data: hex.EncodeToString(buf[:n])}
				if err := browser.writeJSON(msg); err != nil {
					return err
				}
			}
			if err != nil {
				return err
			}
		}
	})

	// Browser input -> PTY (keystrokes and window resizes).
	g.Go(func() error {
		for {
			msgType, data, err := browser.ws.ReadMessage()
			if err != nil {
				return err
			}
			if msgType != websocket.TextMessage {
				continue
			}
			msg, err := parseBrowserMessage(data)
			if err != nil {
				continue
			}
			switch msg.Type {
			case "data":
				payload, err := hex.DecodeString(msg.Data)
				if err != nil {
					continue
				}
				if _, err := ptmx.Write(payload); err != nil {
					return err
				}
			case "resize":
				if msg.Cols > 0 && msg.Rows > 0 {
					_ = pty.Setsize(ptmx, &pty.Winsize{Cols: msg.Cols, Rows: msg.Rows})
				}
			}
		}
	})

	// First bridge to fall tears down the rest.
	<-gctx.Done()
	conn.Close()
	ptmx.Close()
	browser.ws.Close()
	relay.close()
	return g.Wait()
}

// acceptOne waits for the forked ssh client's single connection.
func acceptOne(ctx context.Context, listener net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		listener.Close()
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("accepting ssh connection: %w", res.err)
		}
		return res.conn, nil
	case <-time.After(10 * time.Second):
		listener.Close()
		return nil, errors.New("ssh client never connected")
	}
}

// terminateSSH stops the ssh process: SIGTERM first, SIGKILL if it is still
// alive after the grace period.
func terminateSSH(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(sshKillGrace):
		_ = cmd.Process.Signal(os.Kill)
		<-done
	}
}
