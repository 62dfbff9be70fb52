package client

import (
	"sync"

	"github.com/fearless-family/relay/pkg/protocol"
)

// subscriptions holds the typed observer lists the UI layer attaches to.
// Every OnX method returns an unsubscribe func; calling it more than once is
// harmless. Callbacks are invoked from the client's read loop — they must
// not block for long and must not call back into blocking client operations.
type subscriptions struct {
	mu     sync.Mutex
	nextID int

	message map[int]func(protocol.Message)
	typing  map[int]func(protocol.UserTyping)
	joined  map[int]func(protocol.UserJoined)
	left    map[int]func(protocol.UserLeft)
	online  map[int]func([]protocol.OnlineUser)
	state   map[int]func(State)
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		message: make(map[int]func(protocol.Message)),
		typing:  make(map[int]func(protocol.UserTyping)),
		joined:  make(map[int]func(protocol.UserJoined)),
		left:    make(map[int]func(protocol.UserLeft)),
		online:  make(map[int]func([]protocol.OnlineUser)),
		state:   make(map[int]func(State)),
	}
}

func (s *subscriptions) id() int {
	s.nextID++
	return s.nextID
}

// OnMessage subscribes to incoming chat messages (already de-duplicated by
// message id across the realtime and REST paths).
func (c *Client) OnMessage(fn func(protocol.Message)) func() {
	s := c.subs
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.message[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.message, id)
	}
}

// OnTyping subscribes to peer typing-state changes. The server relays raw
// booleans; subscribers should clear a stale "is typing" flag themselves if
// no refreshed true arrives within ~3 seconds.
func (c *Client) OnTyping(fn func(protocol.UserTyping)) func() {
	s := c.subs
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.typing[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.typing, id)
	}
}

// OnUserJoined subscribes to room join notifications.
func (c *Client) OnUserJoined(fn func(protocol.UserJoined)) func() {
	s := c.subs
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.joined[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.joined, id)
	}
}

// OnUserLeft subscribes to room leave notifications.
func (c *Client) OnUserLeft(fn func(protocol.UserLeft)) func() {
	s := c.subs
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.left[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.left, id)
	}
}

// OnOnlineUsers subscribes to online-user snapshots.
func (c *Client) OnOnlineUsers(fn func([]protocol.OnlineUser)) func() {
	s := c.subs
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.online[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.online, id)
	}
}

// OnStateChange subscribes to connection state transitions.
func (c *Client) OnStateChange(fn func(State)) func() {
	s := c.subs
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.state[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.state, id)
	}
}

func (s *subscriptions) notifyMessage(msg protocol.Message) {
	s.mu.Lock()
	fns := make([]func(protocol.Message), 0, len(s.message))
	for _, fn := range s.message {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (s *subscriptions) notifyTyping(ev protocol.UserTyping) {
	s.mu.Lock()
	fns := make([]func(protocol.UserTyping), 0, len(s.typing))
	for _, fn := range s.typing {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *subscriptions) notifyJoined(ev protocol.UserJoined) {
	s.mu.Lock()
	fns := make([]func(protocol.UserJoined), 0, len(s.joined))
	for _, fn := range s.joined {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *subscriptions) notifyLeft(ev protocol.UserLeft) {
	s.mu.Lock()
	fns := make([]func(protocol.UserLeft), 0, len(s.left))
	for _, fn := range s.left {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *subscriptions) notifyOnline(users []protocol.OnlineUser) {
	s.mu.Lock()
	fns := make([]func([]protocol.OnlineUser), 0, len(s.online))
	for _, fn := range s.online {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(users)
	}
}

func (s *subscriptions) notifyState(st State) {
	s.mu.Lock()
	fns := make([]func(State), 0, len(s.state))
	for _, fn := range s.state {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}
