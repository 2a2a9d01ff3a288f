package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/switchboard/internal/httpx"
	"github.com/zulandar/switchboard/internal/hub"
	"github.com/zulandar/switchboard/internal/media"
)

// ErrNotConnected is returned when a track change is requested while the
// connection is down.
var ErrNotConnected = errors.New("session: not connected")

const (
	eventBuffer       = 64
	hubWriteTimeout   = 5 * time.Second
	defaultReconnects = 5
	defaultBaseDelay  = 200 * time.Millisecond
)

// HubOpts configures a HubClient.
type HubOpts struct {
	URL      string // server base URL, http(s) or ws(s)
	Identity string
	Room     string
	Token    string // room credential presented on join
	Name     string

	MaxReconnects int
	BaseDelay     time.Duration
	Dialer        *websocket.Dialer
}

type trackWaiter struct {
	kind media.TrackKind
	ch   chan error
}

// HubClient is a MediaClient over the server's websocket hub. Track state
// is taken only from server snapshots and track_state echoes, so it
// survives reconnects.
type HubClient struct {
	opts   HubOpts
	url    string
	dialer *websocket.Dialer
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	state   ConnState
	tracks  map[media.TrackKind]bool
	waiters []*trackWaiter
	closed  bool

	writeMu sync.Mutex
	events  chan hub.Event
	done    chan struct{}
}

// DialHub connects identity to the hub and joins opts.Room.
func DialHub(ctx context.Context, opts HubOpts) (*HubClient, error) {
	if opts.Identity == "" || opts.Room == "" {
		return nil, fmt.Errorf("session: identity and room are required")
	}
	u, err := hubURL(opts.URL, opts.Identity)
	if err != nil {
		return nil, err
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = defaultReconnects
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	c := &HubClient{
		opts:   opts,
		url:    u,
		dialer: dialer,
		state:  StateConnecting,
		tracks: map[media.TrackKind]bool{media.TrackAudio: true, media.TrackVideo: true},
		events: make(chan hub.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	conn, err := c.connect(ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}
	go c.run(conn)
	return c, nil
}

func hubURL(base, identity string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("session: parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("session: unsupported url scheme %q", u.Scheme)
	}
	u.Path += "/ws/" + url.PathEscape(identity)
	return u.String(), nil
}

// connect dials the hub and announces the join.
func (c *HubClient) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("session: dial %s: %s", c.url, resp.Status)
		}
		return nil, fmt.Errorf("session: dial %s: %w", c.url, err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, ErrNotConnected
	}
	c.conn = conn
	c.mu.Unlock()
	join := hub.ClientMessage{Type: hub.MsgJoin, Room: c.opts.Room, Token: c.opts.Token, Name: c.opts.Name}
	if err := c.write(join); err != nil {
		conn.Close()
		return nil, err
	}
	c.setState(StateConnected)
	return conn, nil
}

// run reads until the session ends, reconnecting after drops.
func (c *HubClient) run(conn *websocket.Conn) {
	defer func() {
		c.setState(StateDisconnected)
		c.failWaiters(ErrNotConnected)
		close(c.events)
		close(c.done)
	}()
	for {
		if ended := c.read(conn); ended {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			c.cancel()
			conn.Close()
			return
		}
		if c.isClosed() {
			return
		}
		log.Printf("session: %s lost hub connection, reconnecting", c.opts.Identity)
		c.setState(StateReconnecting)
		c.failWaiters(ErrNotConnected)
		next, err := c.reconnect()
		if err != nil {
			log.Printf("session: %s: %v", c.opts.Identity, err)
			return
		}
		conn = next
	}
}

func (c *HubClient) reconnect() (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxReconnects; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		case <-time.After(httpx.ExponentialBackoff(attempt, c.opts.BaseDelay)):
		}
		conn, err := c.connect(c.ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("reconnect failed after %d attempts: %w", c.opts.MaxReconnects, lastErr)
}

// read handles events until the connection drops. It reports whether the
// server ended this identity's session in the room.
func (c *HubClient) read(conn *websocket.Conn) bool {
	for {
		var ev hub.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return false
		}
		ended := c.handle(ev)
		select {
		case c.events <- ev:
		default:
			log.Printf("session: %s event buffer full, dropping %s", c.opts.Identity, ev.Type)
		}
		if ended {
			return true
		}
	}
}

func (c *HubClient) handle(ev hub.Event) bool {
	switch ev.Type {
	case hub.TypeSnapshot:
		if ev.Room != c.opts.Room {
			return false
		}
		for _, p := range ev.Participants {
			if p.Identity == c.opts.Identity {
				c.mu.Lock()
				c.tracks[media.TrackAudio] = p.AudioEnabled
				c.tracks[media.TrackVideo] = p.VideoEnabled
				c.mu.Unlock()
			}
		}
	case hub.TypeTrackState:
		if ev.Identity != c.opts.Identity || (ev.Room != "" && ev.Room != c.opts.Room) {
			return false
		}
		c.mu.Lock()
		c.tracks[ev.Track] = ev.Enabled
		kept := c.waiters[:0]
		for _, w := range c.waiters {
			if w.kind == ev.Track {
				w.ch <- nil
				continue
			}
			kept = append(kept, w)
		}
		c.waiters = kept
		c.mu.Unlock()
	case hub.TypeError:
		detail, _ := ev.Detail["detail"].(string)
		c.failWaiters(fmt.Errorf("session: %s", detail))
	case hub.TypeSessionEnded:
		return ev.Room == c.opts.Room && (ev.Identity == "" || ev.Identity == c.opts.Identity)
	}
	return false
}

// SetTrackEnabled asks the server to change a track and waits for its echo.
func (c *HubClient) SetTrackEnabled(ctx context.Context, kind media.TrackKind, enabled bool) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	w := &trackWaiter{kind: kind, ch: make(chan error, 1)}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	if err := c.write(hub.ClientMessage{Type: hub.MsgSetTrack, Room: c.opts.Room, Track: kind, Enabled: enabled}); err != nil {
		c.dropWaiter(w)
		return err
	}
	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		c.dropWaiter(w)
		return ctx.Err()
	}
}

// TrackEnabled returns the last state the server reported for kind.
func (c *HubClient) TrackEnabled(kind media.TrackKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracks[kind]
}

// State returns the connection state.
func (c *HubClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns hub events for this identity. The channel is closed once
// the client disconnects.
func (c *HubClient) Events() <-chan hub.Event { return c.events }

// Disconnect leaves the room and closes the connection. It is safe to call
// more than once.
func (c *HubClient) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(hub.ClientMessage{Type: hub.MsgLeave, Room: c.opts.Room}); err != nil {
		log.Printf("session: %s leave: %v", c.opts.Identity, err)
	}
	c.cancel()
	if conn != nil {
		conn.Close()
	}
	<-c.done
	return nil
}

func (c *HubClient) write(msg hub.ClientMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("session: write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *HubClient) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *HubClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *HubClient) failWaiters(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.waiters {
		w.ch <- err
	}
	c.waiters = nil
}

func (c *HubClient) dropWaiter(w *trackWaiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.waiters {
		if cur == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}
