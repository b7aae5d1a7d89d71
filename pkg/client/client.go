// Package client implements the interactive side of the chat protocol.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	heloLine = "HELO\n"
	quitLine = "QUIT\n"

	// shutdownCode prefixes the server's forced-disconnect notice.
	shutdownCode = "503"
)

// quitGrace is how long Run waits for the server to close after QUIT.
var quitGrace = 2 * time.Second

// Run greets the server on conn, then copies lines typed on in to the server
// and lines from the server to out. It returns when the server closes the
// connection, when in is exhausted, or when ctx is cancelled; the last two
// send QUIT first. conn is closed on return.
func Run(ctx context.Context, conn net.Conn, in io.Reader, out io.Writer) error {
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if _, err := io.WriteString(conn, heloLine); err != nil {
		return fmt.Errorf("sending HELO: %w", err)
	}

	serverDone := make(chan error, 1)
	go func() { serverDone <- copyServerLines(conn, out) }()

	input := make(chan string)
	inputDone := make(chan error, 1)
	go func() { inputDone <- readInput(ctx, in, input) }()

	for {
		select {
		case err := <-serverDone:
			return err

		case <-ctx.Done():
			return quit(conn, serverDone)

		case err := <-inputDone:
			if err != nil {
				log.Warnf("Reading input failed: %v", err)
			}
			return quit(conn, serverDone)

		case line := <-input:
			if _, err := io.WriteString(conn, line+"\n"); err != nil {
				return fmt.Errorf("sending line: %w", err)
			}
			if strings.EqualFold(strings.TrimSpace(line), "QUIT") {
				return waitForClose(conn, serverDone)
			}
		}
	}
}

// quit sends QUIT and waits briefly for the server's goodbye.
func quit(conn net.Conn, serverDone <-chan error) error {
	if _, err := io.WriteString(conn, quitLine); err != nil {
		log.Debugf("Sending QUIT failed: %v", err)
		return nil
	}
	return waitForClose(conn, serverDone)
}

func waitForClose(conn net.Conn, serverDone <-chan error) error {
	select {
	case err := <-serverDone:
		return err
	case <-time.After(quitGrace):
		conn.Close()
		<-serverDone
		return nil
	}
}

// copyServerLines writes every line received from the server to out. A
// closed connection is the normal end of a session and returns nil.
func copyServerLines(conn net.Conn, out io.Writer) error {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			if _, werr := io.WriteString(out, line); werr != nil {
				return fmt.Errorf("writing output: %w", werr)
			}
			if strings.HasPrefix(line, shutdownCode+" ") {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receiving from server: %w", err)
		}
	}
}

// readInput forwards non-blank lines from in until it is exhausted or ctx ends.
func readInput(ctx context.Context, in io.Reader, lines chan<- string) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		select {
		case lines <- line:
		case <-ctx.Done():
			return nil
		}
	}
	return scanner.Err()
}
