// Package bridge exposes a server over a JSON-lines protocol so that a host
// process can drive it through stdin and stdout.
//
// Each input line is a command:
//
//	{"action":"getInterfaces"}
//	{"action":"start","args":[8080, ["https://app.example"], ["chat"], true]}
//	{"action":"stop"}
//	{"action":"send","args":["<uuid>", "hello", false]}
//	{"action":"close","args":["<uuid>", 1000, "bye"]}
//
// Output lines are the events of the current run, interface listings, and
// errors for commands that failed synchronously. A command carrying an
// "id" also gets an {"action":"ok"} acknowledgement.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/muurk/wsserver/internal/events"
	"github.com/muurk/wsserver/internal/logging"
	"github.com/muurk/wsserver/internal/netif"
	"github.com/muurk/wsserver/internal/server"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxLineSize bounds one command line; binary payloads arrive base64-encoded.
const maxLineSize = 64 << 20

// Command is one input line.
type Command struct {
	ID     string            `json:"id,omitempty"`
	Action string            `json:"action"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

// Reply is an output line that is not an event.
type Reply struct {
	Action     string                     `json:"action"`
	ID         string                     `json:"id,omitempty"`
	Command    string                     `json:"command,omitempty"`
	Error      string                     `json:"error,omitempty"`
	Interfaces map[string]netif.Addresses `json:"interfaces,omitempty"`
	IPv4       []string                   `json:"ipv4,omitempty"`
}

// InterfaceFunc lists interface addresses.
type InterfaceFunc func(ctx context.Context) (map[string]netif.Addresses, error)

// Bridge runs commands against one server.
type Bridge struct {
	srv        *server.Server
	in         io.Reader
	interfaces InterfaceFunc

	outMu sync.Mutex
	enc   *json.Encoder

	// ShutdownTimeout bounds the final Shutdown when input ends.
	ShutdownTimeout time.Duration
}

// New creates a bridge reading commands from in and writing to out.
func New(srv *server.Server, in io.Reader, out io.Writer) *Bridge {
	return &Bridge{
		srv:             srv,
		in:              in,
		interfaces:      netif.Interfaces,
		enc:             json.NewEncoder(out),
		ShutdownTimeout: 15 * time.Second,
	}
}

// WithInterfaces replaces the interface lister.
func (b *Bridge) WithInterfaces(fn InterfaceFunc) *Bridge {
	b.interfaces = fn
	return b
}

// Run processes commands until the input ends or ctx is cancelled, then
// stops the server and returns once every event has been written.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(b.in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
		close(lines)
	}()

	g.Go(func() error {
		defer b.shutdown()
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					if err := <-readErr; err != nil {
						return fmt.Errorf("failed to read commands: %w", err)
					}
					return nil
				}
				if len(line) == 0 {
					continue
				}
				if err := b.handle(ctx, g, line); err != nil {
					return err
				}
			}
		}
	})

	return g.Wait()
}

func (b *Bridge) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), b.ShutdownTimeout)
	defer cancel()
	if err := b.srv.Shutdown(ctx); err != nil {
		logging.Warn("Bridge shutdown incomplete", zap.Error(err))
	}
}

// handle executes one command. Only output failures are returned.
func (b *Bridge) handle(ctx context.Context, g *errgroup.Group, line []byte) error {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		logging.LogRawBytes("Invalid bridge command", line)
		return b.write(Reply{Action: "error", Error: fmt.Sprintf("invalid command: %v", err)})
	}

	logging.Debug("Bridge command", zap.String("action", cmd.Action), zap.String("id", cmd.ID))

	var err error
	switch cmd.Action {
	case "getInterfaces":
		var ifaces map[string]netif.Addresses
		ifaces, err = b.interfaces(ctx)
		if err == nil {
			return b.write(Reply{
				Action:     "interfaces",
				ID:         cmd.ID,
				Interfaces: ifaces,
				IPv4:       netif.IPv4(ifaces),
			})
		}

	case "start":
		var opts server.Options
		opts, err = startOptions(cmd.Args)
		if err == nil {
			var ch <-chan events.Event
			ch, err = b.srv.Start(opts)
			if err == nil {
				g.Go(func() error { return b.pump(ch) })
			}
		}

	case "stop":
		err = b.srv.Stop()

	case "send":
		var id, msg string
		var binary bool
		err = decodeArgs(cmd.Args, &id, &msg, &binary)
		if err == nil {
			err = b.srv.Send(id, events.Payload{Data: msg, Binary: binary})
		}

	case "close":
		var id, reason string
		var code *int
		err = decodeArgs(cmd.Args, &id, &code, &reason)
		if err == nil {
			err = b.srv.Close(id, code, reason)
		}

	default:
		err = fmt.Errorf("unknown action %q", cmd.Action)
	}

	if err != nil {
		return b.write(Reply{Action: "error", ID: cmd.ID, Command: cmd.Action, Error: err.Error()})
	}
	if cmd.ID != "" {
		return b.write(Reply{Action: "ok", ID: cmd.ID, Command: cmd.Action})
	}
	return nil
}

// pump writes every event of one run.
func (b *Bridge) pump(ch <-chan events.Event) error {
	var writeErr error
	for e := range ch {
		if writeErr != nil {
			// Keep draining so the run can finish.
			continue
		}
		writeErr = b.write(e)
	}
	return writeErr
}

func (b *Bridge) write(v any) error {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if err := b.enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func startOptions(args []json.RawMessage) (server.Options, error) {
	var opts server.Options
	var port *int
	if err := decodeArgs(args, &port, &opts.Origins, &opts.Protocols, &opts.TCPNoDelay); err != nil {
		return opts, err
	}
	if port != nil {
		opts.Port = *port
	}
	return opts, nil
}

var errTooManyArgs = errors.New("too many arguments")

// decodeArgs decodes positional arguments into dst. Missing trailing
// arguments and JSON nulls leave their destination untouched.
func decodeArgs(args []json.RawMessage, dst ...any) error {
	if len(args) > len(dst) {
		return fmt.Errorf("%w: got %d, want at most %d", errTooManyArgs, len(args), len(dst))
	}
	for i, raw := range args {
		if string(raw) == "null" {
			continue
		}
		if err := json.Unmarshal(raw, dst[i]); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return nil
}
