package datastore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// fakeBroker is an in-process STOMP broker with client-individual acks and
// enough selector support for the expressions the store renders.
type fakeBroker struct {
	mu         sync.Mutex
	sessions   int
	seq        int
	dials      int
	frames     map[string][]*fakeFrame
	selectors  []string
	failSend   error
	failRecv   error
	failAck    error
	failDialAt int
}

type fakeFrame struct {
	id      string
	headers []Header
	body    []byte
	owner   *fakeSubscription
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{frames: make(map[string][]*fakeFrame)}
}

func (b *fakeBroker) dial(StompConfig) (brokerClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.failDialAt > 0 && b.dials >= b.failDialAt {
		return nil, errors.New("connection refused")
	}
	b.sessions++
	return &fakeClient{b: b, session: fmt.Sprintf("ID:fake%03d", b.sessions)}, nil
}

func (b *fakeBroker) depth(dest string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames[dest])
}

func (b *fakeBroker) subscribeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.selectors)
}

func (b *fakeBroker) lastSelector() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.selectors) == 0 {
		return ""
	}
	return b.selectors[len(b.selectors)-1]
}

// inject publishes a frame as if another producer sent it.
func (b *fakeBroker) inject(dest, id string, body []byte, headers ...Header) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := append([]Header{{Key: "message-id", Value: id}, {Key: "destination", Value: dest}}, headers...)
	b.frames[dest] = append(b.frames[dest], &fakeFrame{id: id, headers: hs, body: body})
}

type fakeClient struct {
	b       *fakeBroker
	session string
	subs    []*fakeSubscription
	closed  bool
}

func (c *fakeClient) Session() string { return c.session }

func (c *fakeClient) Send(dest string, body []byte, headers []Header) error {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failSend != nil {
		return b.failSend
	}
	b.seq++
	id := fmt.Sprintf("%s:1:1:%d", c.session, b.seq)
	hs := []Header{{Key: "message-id", Value: id}, {Key: "destination", Value: dest}}
	hs = append(hs, headers...)
	b.frames[dest] = append(b.frames[dest], &fakeFrame{
		id:      id,
		headers: hs,
		body:    append([]byte(nil), body...),
	})
	return nil
}

func (c *fakeClient) Subscribe(dest, selector string) (brokerSubscription, error) {
	clauses, err := parseFakeSelector(selector)
	if err != nil {
		return nil, err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.selectors = append(c.b.selectors, selector)
	sub := &fakeSubscription{c: c, dest: dest, clauses: clauses}
	c.subs = append(c.subs, sub)
	return sub, nil
}

func (c *fakeClient) Close() error {
	for _, s := range c.subs {
		_ = s.Unsubscribe()
	}
	c.closed = true
	return nil
}

type fakeSubscription struct {
	c       *fakeClient
	dest    string
	clauses []Clause
	done    bool
}

func (s *fakeSubscription) Receive(ctx context.Context, _ time.Duration) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := s.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failRecv != nil {
		return nil, b.failRecv
	}
	if s.done {
		return nil, errors.New("subscription closed")
	}
	for _, ff := range b.frames[s.dest] {
		if ff.owner != nil || !s.matches(ff) {
			continue
		}
		ff.owner = s
		target := ff
		return &Frame{
			MessageID: ff.id,
			Headers:   append([]Header(nil), ff.headers...),
			Body:      append([]byte(nil), ff.body...),
			ack:       func() error { return b.ack(s, target) },
		}, nil
	}
	return nil, nil
}

func (b *fakeBroker) ack(s *fakeSubscription, ff *fakeFrame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAck != nil {
		return b.failAck
	}
	if ff.owner != s {
		return errors.New("ack for frame not delivered to this subscription")
	}
	list := b.frames[s.dest]
	for i, x := range list {
		if x == ff {
			b.frames[s.dest] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown frame")
}

func (s *fakeSubscription) matches(ff *fakeFrame) bool {
	headers := make(map[string]string, len(ff.headers))
	for _, h := range ff.headers {
		headers[h.Key] = h.Value
	}
	for _, c := range s.clauses {
		if !c.Match(headers) {
			return false
		}
	}
	return true
}

func (s *fakeSubscription) Unsubscribe() error {
	b := s.c.b
	b.mu.Lock()
	defer b.mu.Unlock()
	s.done = true
	for _, ff := range b.frames[s.dest] {
		if ff.owner == s {
			ff.owner = nil
		}
	}
	return nil
}

var fakeTermPattern = regexp.MustCompile(`^(\S+) (<>|<=|>=|=|<|>) (.+)$`)

func parseFakeSelector(sel string) ([]Clause, error) {
	if sel == "" {
		return nil, nil
	}
	var out []Clause
	for _, term := range strings.Split(sel, " AND ") {
		m := fakeTermPattern.FindStringSubmatch(term)
		if m == nil {
			return nil, fmt.Errorf("fake broker: bad selector term %q", term)
		}
		key := strings.TrimPrefix(m[1], numericComparePrefix)
		if key == selectorCorrelation {
			key = HeaderCorrelation
		}
		val := m[3]
		if strings.HasPrefix(val, "'") {
			val = strings.ReplaceAll(strings.Trim(val, "'"), "''", "'")
		}
		out = append(out, Clause{Key: key, Op: m[2], Value: val})
	}
	return out, nil
}
