// Package torctl implements control.Channel over the Tor control port.
//
// A Conn wraps a bine control connection. Commands are forwarded to bine,
// which serializes them; HS_DESC and HS_DESC_CONTENT events are delivered
// to one internal listener and fanned out to subscribers as
// control.Event values.
package torctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"

	bine "github.com/cretz/bine/control"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/exp/slices"

	"github.com/dreamware/onionbalance/internal/control"
)

// eventBuffer is the capacity of the channel bine relays events into.
const eventBuffer = 256

var (
	// ErrCommandFailed is returned when Tor refuses a command.
	ErrCommandFailed = errors.New("tor rejected command")

	// ErrNoAuthMethod is returned when Tor offers no authentication
	// method the controller can satisfy.
	ErrNoAuthMethod = errors.New("no usable control port authentication method")
)

// Conn is a Tor control-port connection.
type Conn struct {
	ctl    *bine.Conn
	logger log.Logger

	ctx    context.Context // canceled by Close
	cancel context.CancelFunc

	events    chan bine.Event // the single bine listener
	eventLoop sync.Once

	subMu      sync.Mutex
	subs       []*subscription
	registered map[bine.EventCode]bool

	doneOnce sync.Once
	done     chan struct{}
	err      error // set before done is closed
}

type subscription struct {
	mu     sync.Mutex
	ch     chan control.Event
	ctx    context.Context
	kinds  map[control.EventKind]bool
	closed bool
}

// Dial connects to the control port at addr.
func Dial(ctx context.Context, addr string, logger log.Logger) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial control port %s: %w", addr, err)
	}
	return New(nc, logger), nil
}

// New wraps an established connection.
func New(rwc io.ReadWriteCloser, logger log.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ctl:        bine.NewConn(textproto.NewConn(rwc)),
		logger:     log.With(logger, "component", "torctl"),
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan bine.Event, eventBuffer),
		registered: make(map[bine.EventCode]bool),
		done:       make(chan struct{}),
	}
	go c.dispatchLoop()
	return c
}

// Close closes the connection and every subscriber stream.
func (c *Conn) Close() error {
	c.cancel()
	err := c.ctl.Close()
	c.finish(control.ErrClosed)
	return err
}

// Done is closed when the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that terminated the connection, after Done is
// closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Send implements control.Channel.
func (c *Conn) Send(ctx context.Context, cmd control.Command) error {
	switch cmd := cmd.(type) {
	case control.FetchDescriptor:
		// The descriptor cookie is only needed to decrypt the fetched
		// document; HSFETCH itself takes just the address.
		return c.call(ctx, func() error {
			return c.ctl.GetHiddenServiceDescriptorAsync(cmd.Address, "")
		})
	case control.PublishDescriptor:
		body := dotEncode(cmd.Document)
		return c.call(ctx, func() error {
			return c.ctl.PostHiddenServiceDescriptorAsync(body, nil, "")
		})
	default:
		return fmt.Errorf("torctl: unsupported command %T", cmd)
	}
}

// dotEncode prepares a document for a "+" command body: LF line endings,
// no trailing newline and leading dots doubled.
func dotEncode(doc []byte) string {
	lines := strings.Split(strings.TrimRight(strings.ReplaceAll(string(doc), "\r\n", "\n"), "\n"), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, ".") {
			lines[i] = "." + line
		}
	}
	return strings.Join(lines, "\n")
}

// Subscribe implements control.Channel. The first subscription starts the
// event loop; a failure of that loop closes the connection.
func (c *Conn) Subscribe(ctx context.Context, kinds ...control.EventKind) (<-chan control.Event, error) {
	sub := &subscription{
		ch:    make(chan control.Event, 64),
		ctx:   ctx,
		kinds: make(map[control.EventKind]bool, len(kinds)),
	}
	var missing []bine.EventCode
	c.subMu.Lock()
	for _, k := range kinds {
		sub.kinds[k] = true
		code := eventCode(k)
		if code != "" && !c.registered[code] {
			c.registered[code] = true
			missing = append(missing, code)
		}
	}
	c.subs = append(c.subs, sub)
	c.subMu.Unlock()

	if len(missing) > 0 {
		err := c.call(ctx, func() error { return c.ctl.AddEventListener(c.events, missing...) })
		if err != nil {
			c.removeSubscription(sub)
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}
	c.eventLoop.Do(func() { go c.handleEvents() })

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		c.removeSubscription(sub)
	}()
	return sub.ch, nil
}

// Authenticate authenticates with the best method Tor offers: NULL, then
// SAFECOOKIE, then HASHEDPASSWORD when password is set.
func (c *Conn) Authenticate(ctx context.Context, password string) error {
	var info *bine.ProtocolInfo
	err := c.call(ctx, func() (err error) {
		info, err = c.ctl.ProtocolInfo()
		return err
	})
	if err != nil {
		return fmt.Errorf("protocolinfo: %w", err)
	}

	offers := func(m string) bool { return slices.Contains(info.AuthMethods, m) }
	switch {
	case offers("NULL"):
	case offers("SAFECOOKIE") && info.CookieFile != "":
	case offers("HASHEDPASSWORD") && password != "":
	default:
		return fmt.Errorf("%w: tor offers %s", ErrNoAuthMethod, strings.Join(info.AuthMethods, ","))
	}
	if err := c.call(ctx, func() error { return c.ctl.Authenticate(password) }); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	return nil
}

// call runs fn, a blocking bine request, until it returns, ctx is done or
// the connection fails.
func (c *Conn) call(ctx context.Context, fn func() error) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %v", control.ErrClosed, c.err)
	default:
	}
	errc := make(chan error, 1)
	go func() { errc <- fn() }()
	select {
	case err := <-errc:
		return c.classify(err)
	case <-c.done:
		return fmt.Errorf("%w: %v", control.ErrClosed, c.err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classify separates a lost connection from a refused command.
func (c *Conn) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		c.finish(err)
		return fmt.Errorf("%w: %v", control.ErrClosed, err)
	default:
		return fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}
}

func (c *Conn) handleEvents() {
	err := c.ctl.HandleEvents(c.ctx)
	if c.ctx.Err() != nil {
		c.finish(control.ErrClosed)
		return
	}
	level.Error(c.logger).Log("msg", "control connection failed", "err", err)
	c.finish(err)
}

func (c *Conn) finish(err error) {
	c.doneOnce.Do(func() {
		if !errors.Is(err, control.ErrClosed) {
			err = fmt.Errorf("%w: %v", control.ErrClosed, err)
		}
		c.err = err
		close(c.done)

		c.subMu.Lock()
		subs := append([]*subscription(nil), c.subs...)
		c.subMu.Unlock()
		for _, s := range subs {
			c.removeSubscription(s)
		}
	})
}

func (c *Conn) removeSubscription(sub *subscription) {
	c.subMu.Lock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.subMu.Unlock()

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()
}

// dispatchLoop drains the bine listener until Close. It keeps draining
// after a connection failure so bine never blocks on a send.
func (c *Conn) dispatchLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			c.dispatch(ev)
		}
	}
}

func (c *Conn) dispatch(raw bine.Event) {
	ev, ok := translate(raw)
	if !ok {
		return
	}
	c.subMu.Lock()
	subs := append([]*subscription(nil), c.subs...)
	c.subMu.Unlock()

	for _, s := range subs {
		if !s.kinds[ev.Kind] {
			continue
		}
		s.mu.Lock()
		if !s.closed {
			select {
			case s.ch <- ev:
			case <-s.ctx.Done():
			}
		}
		s.mu.Unlock()
	}
}
