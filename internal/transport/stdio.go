// Package transport carries JSON-RPC messages between clients and the
// protocol layer: a Content-Length framed stdio loop and an HTTP server
// with SSE and WebSocket event streams.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/masc-dev/masc/internal/common/logger"
	"github.com/masc-dev/masc/internal/mcpserver"
)

// stdioSessionID is the fixed session identity of the stdio transport, so
// the resolved agent name persists across server restarts on one terminal.
const stdioSessionID = "stdio"

// Stdio runs the framed JSON-RPC loop over a reader/writer pair.
type Stdio struct {
	handler *mcpserver.Handler
	in      *bufio.Reader
	out     io.Writer
	mu      sync.Mutex // serializes frame writes
	log     *logger.Logger
}

// NewStdio builds a stdio transport over os.Stdin and os.Stdout.
func NewStdio(handler *mcpserver.Handler, log *logger.Logger) *Stdio {
	return NewStdioWith(handler, os.Stdin, os.Stdout, log)
}

// NewStdioWith builds a stdio transport over explicit streams.
func NewStdioWith(handler *mcpserver.Handler, in io.Reader, out io.Writer, log *logger.Logger) *Stdio {
	if log == nil {
		log = logger.Default()
	}
	return &Stdio{
		handler: handler,
		in:      bufio.NewReader(in),
		out:     out,
		log:     log.WithFields(zap.String("component", "stdio")),
	}
}

// Run reads frames until EOF or context cancellation. A failure to process
// one message yields an error response and the loop continues.
func (s *Stdio) Run(ctx context.Context) error {
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			body, err := s.readFrame()
			if err != nil {
				readErr <- err
				return
			}
			// A frame with no Content-Length yields a parse error but
			// does not kill the loop; the reader is already positioned
			// past the blank line.
			frames <- body
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				s.log.Info("stdin closed, stdio transport exiting")
				return nil
			}
			return err
		case body := <-frames:
			var resp any
			if body == nil {
				resp = mcpserver.ParseErrorResponse("frame missing Content-Length header")
			} else if r := s.handler.HandleMessage(ctx, stdioSessionID, body); r != nil {
				resp = r
			}
			if resp == nil {
				continue
			}
			if err := s.writeFrame(resp); err != nil {
				return fmt.Errorf("stdio write: %w", err)
			}
		}
	}
}

// readFrame consumes one Content-Length framed message. Header names are
// matched case-insensitively; unknown headers are skipped.
func (s *Stdio) readFrame() ([]byte, error) {
	contentLength := -1
	for {
		line, err := s.in.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("bad Content-Length %q", strings.TrimSpace(value))
			}
			contentLength = n
		}
	}
	if contentLength < 0 {
		return nil, nil
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(s.in, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (s *Stdio) writeFrame(resp any) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.out, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	_, err = s.out.Write(data)
	return err
}
