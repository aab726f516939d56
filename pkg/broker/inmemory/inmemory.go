// Package inmemory is an in-process broker used by tests and the demo
// binary. It implements exclusive-queue semantics (one active consumer,
// later binders are standby), client acknowledgment, the SHOW control-plane
// request/reply topic, and an HTTP handler for the admin disconnect action.
package inmemory

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/pkg/errors"

	"github.com/sarkologist/solace-beam-unboundedSource/pkg/broker"
)

var _ = broker.Connector(&Broker{})

const defaultRouterName = "inmem-router"

// Broker is a single-router in-memory broker.
type Broker struct {
	mu         sync.Mutex
	routerName string
	queues     map[string]*queue
	nextClient int
	acked      []string
}

type queue struct {
	name     string
	messages chan *Message
	spool    int64
	// binders in bind order, the first one is the active consumer
	binders []*flowHandle
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		routerName: defaultRouterName,
		queues:     make(map[string]*queue),
	}
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, messages: make(chan *Message, 4096)}
		b.queues[name] = q
	}
	return q
}

// Publish appends a message to the named queue, creating it on first use.
func (b *Broker) Publish(queueName string, msg *Message) {
	b.mu.Lock()
	q := b.queueLocked(queueName)
	msg.broker = b
	q.spool += int64(len(msg.payload))
	b.mu.Unlock()
	q.messages <- msg
}

// Acked returns the IDs of all acknowledged messages, in ack order.
func (b *Broker) Acked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.acked))
	copy(out, b.acked)
	return out
}

// Connect implements broker.Connector.
func (b *Broker) Connect(cfg broker.SessionConfig) (broker.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := cfg.ClientName
	if name == "" {
		b.nextClient++
		name = fmt.Sprintf("client-%04d", b.nextClient)
	}
	return &session{broker: b, clientName: name, vpn: cfg.VPN}, nil
}

// DisconnectClient severs every flow bound by the named client, promoting
// the next standby binder on each affected queue. It reports whether the
// client held any flow.
func (b *Broker) DisconnectClient(clientName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	found := false
	for _, q := range b.queues {
		kept := q.binders[:0]
		for _, f := range q.binders {
			if f.session.clientName == clientName {
				f.closed = true
				found = true
				continue
			}
			kept = append(kept, f)
		}
		q.binders = kept
	}
	return found
}

// ActiveConsumer returns the client name of the active consumer on the
// queue, or "" if nobody is bound.
func (b *Broker) ActiveConsumer(queueName string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok || len(q.binders) == 0 {
		return ""
	}
	return q.binders[0].session.clientName
}

// SpoolUsage returns the unconsumed bytes currently held by the queue.
func (b *Broker) SpoolUsage(queueName string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	return q.spool
}

// AdminHandler serves the SEMP v2 action endpoint
// PUT /SEMP/v2/action/msgVpns/{vpn}/clients/{client}/disconnect.
func (b *Broker) AdminHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		parts := strings.Split(strings.Trim(r.URL.EscapedPath(), "/"), "/")
		// SEMP/v2/action/msgVpns/{vpn}/clients/{client}/disconnect
		if len(parts) != 8 || parts[5] != "clients" || parts[7] != "disconnect" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if _, _, ok := r.BasicAuth(); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		client := strings.ReplaceAll(strings.ReplaceAll(parts[6], "%2F", "/"), "%23", "#")
		if !b.DisconnectClient(client) {
			http.Error(w, "client not found", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{}`))
	})
}

type session struct {
	broker     *Broker
	clientName string
	vpn        string
	closed     bool
}

func (s *session) ClientName() string { return s.clientName }
func (s *session) RouterName() string { return s.broker.routerName }

func (s *session) BindExclusiveFlow(queueName string, mode broker.AckMode) (broker.Flow, error) {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.closed {
		return nil, errors.New("inmemory: session closed")
	}
	q := s.broker.queueLocked(queueName)
	f := &flowHandle{session: s, queue: q, mode: mode}
	q.binders = append(q.binders, f)
	return f, nil
}

func (s *session) RequestReply(topic string, payload []byte, timeout time.Duration) ([]byte, error) {
	showTopic := fmt.Sprintf("#SEMP/%s/SHOW", s.broker.routerName)
	if topic != showTopic {
		return nil, errors.Errorf("inmemory: no responder on topic %s", topic)
	}
	return s.broker.answerShow(payload)
}

func (s *session) Close() error {
	s.broker.DisconnectClient(s.clientName)
	s.broker.mu.Lock()
	s.closed = true
	s.broker.mu.Unlock()
	return nil
}

// answerShow handles <rpc><show><queue>...</queue></show></rpc> requests the
// way the router's SHOW topic would.
func (b *Broker) answerShow(payload []byte) ([]byte, error) {
	req := etree.NewDocument()
	if err := req.ReadFromBytes(payload); err != nil {
		return nil, errors.Wrap(err, "inmemory: malformed show request")
	}
	nameEl := req.FindElement("/rpc/show/queue/name")
	if nameEl == nil {
		return nil, errors.New("inmemory: show request without queue name")
	}
	queueName := nameEl.Text()

	reply := etree.NewDocument()
	info := reply.CreateElement("rpc-reply").
		CreateElement("rpc").
		CreateElement("show").
		CreateElement("queue").
		CreateElement("queues").
		CreateElement("queue").
		CreateElement("info")
	clients := info.CreateElement("clients")
	if active := b.ActiveConsumer(queueName); active != "" {
		client := clients.CreateElement("client")
		client.CreateElement("name").SetText(active)
		client.CreateElement("is-active").SetText("Active-Consumer")
	}
	info.CreateElement("current-spool-usage-in-bytes").
		SetText(fmt.Sprintf("%d", b.SpoolUsage(queueName)))
	return reply.WriteToBytes()
}

type flowHandle struct {
	session *session
	queue   *queue
	mode    broker.AckMode
	closed  bool
}

// state reads both flags under the broker lock; Close and DisconnectClient
// write them from other goroutines.
func (f *flowHandle) state() (closed, active bool) {
	f.session.broker.mu.Lock()
	defer f.session.broker.mu.Unlock()
	closed = f.closed
	active = !f.closed && len(f.queue.binders) > 0 && f.queue.binders[0] == f
	return closed, active
}

func (f *flowHandle) Receive(timeout time.Duration) (broker.Message, error) {
	closed, active := f.state()
	if closed {
		return nil, errors.Wrap(broker.ErrTransport, "inmemory: flow closed")
	}
	if !active {
		// standby binders never receive
		time.Sleep(timeout)
		return nil, nil
	}
	select {
	case msg := <-f.queue.messages:
		msg.queue = f.queue
		if f.mode == broker.AckModeAuto {
			msg.settle()
		}
		return msg, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (f *flowHandle) Close() error {
	f.session.broker.mu.Lock()
	defer f.session.broker.mu.Unlock()
	f.closed = true
	kept := f.queue.binders[:0]
	for _, bf := range f.queue.binders {
		if bf != f {
			kept = append(kept, bf)
		}
	}
	f.queue.binders = kept
	return nil
}

// Message is the in-memory broker.Message implementation. Construct with
// NewMessage and decorate via WithSequenceNumber/WithSenderTimestamp.
type Message struct {
	id      string
	seq     *int64
	sentAt  *time.Time
	payload []byte

	broker *Broker
	queue  *queue
	once   sync.Once
}

// NewMessage creates a message with a broker-assigned style id.
func NewMessage(id string, payload []byte) *Message {
	return &Message{id: id, payload: payload}
}

// WithSequenceNumber sets the producer sequence number.
func (m *Message) WithSequenceNumber(seq int64) *Message {
	m.seq = &seq
	return m
}

// WithSenderTimestamp sets the producer send time.
func (m *Message) WithSenderTimestamp(t time.Time) *Message {
	m.sentAt = &t
	return m
}

func (m *Message) ID() string                  { return m.id }
func (m *Message) SequenceNumber() *int64      { return m.seq }
func (m *Message) SenderTimestamp() *time.Time { return m.sentAt }
func (m *Message) Payload() []byte             { return m.payload }

func (m *Message) settle() {
	m.once.Do(func() {
		m.broker.mu.Lock()
		m.broker.acked = append(m.broker.acked, m.id)
		if m.queue != nil {
			m.queue.spool -= int64(len(m.payload))
		}
		m.broker.mu.Unlock()
	})
}

func (m *Message) Ack() error {
	if m.broker == nil {
		return errors.New("inmemory: message was never published")
	}
	m.settle()
	return nil
}
