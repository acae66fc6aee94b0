package crated

// The StatusPublisher broadcasts JSON-encoded messages giving the latest
// crate state, for control GUIs and monitoring scripts.

import (
	"encoding/json"
	"fmt"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/spectrumdaq/crated/plx"
)

const statusRepublishInterval = 2 * time.Second

// StatusUpdate carries one message for the status port.
type StatusUpdate struct {
	Tag     string
	Message []byte
}

// StatusPublisher broadcasts state as two-frame ZMQ PUB messages: a topic
// tag, then JSON. The latest message per tag is cached and republished on
// a timer so late subscribers catch up.
type StatusPublisher struct {
	queue chan StatusUpdate
	abort chan struct{}
	done  chan struct{}
}

// NewStatusPublisher binds a PUB socket on port and starts broadcasting.
func NewStatusPublisher(port int) (*StatusPublisher, error) {
	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, err
	}
	if err := pub.Bind(fmt.Sprintf("tcp://*:%d", port)); err != nil {
		pub.Close()
		return nil, err
	}
	sp := &StatusPublisher{
		queue: make(chan StatusUpdate, 64),
		abort: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go sp.loop(pub)
	return sp, nil
}

// Publish queues payload, JSON-encoded, under tag. Status traffic is
// advisory: a full queue drops the update rather than block the caller.
func (sp *StatusPublisher) Publish(tag string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	select {
	case sp.queue <- StatusUpdate{Tag: tag, Message: b}:
	default:
	}
	return nil
}

// Close stops the broadcast goroutine and closes the socket.
func (sp *StatusPublisher) Close() {
	close(sp.abort)
	<-sp.done
}

func (sp *StatusPublisher) loop(pub *zmq.Socket) {
	defer close(sp.done)
	defer pub.Close()
	latest := make(map[string][]byte)
	ticker := time.NewTicker(statusRepublishInterval)
	defer ticker.Stop()
	send := func(u StatusUpdate) {
		if _, err := pub.SendMessage(u.Tag, u.Message); err != nil {
			ProblemLogger.Printf("status: send %s: %v", u.Tag, err)
			return
		}
		UpdateLogger.Printf("%s %s", u.Tag, u.Message)
	}
	for {
		select {
		case <-sp.abort:
			return
		case u := <-sp.queue:
			latest[u.Tag] = u.Message
			send(u)
		case <-ticker.C:
			for tag, msg := range latest {
				send(StatusUpdate{Tag: tag, Message: msg})
			}
		}
	}
}

// ModuleStatus is one module's entry in a CrateStatus broadcast.
type ModuleStatus struct {
	Number    int
	Slot      int
	Serial    int
	Revision  string
	Booted    bool
	Offline   string `json:",omitempty"`
	RunActive bool
	Queued    int
	FIFO      FIFOStats
}

// CrateStatus is the payload broadcast under the "CRATE" tag.
type CrateStatus struct {
	Ready    bool
	Users    int
	Revision string
	Modules  []ModuleStatus
}

// Status snapshots the crate for a status broadcast.
func (c *Crate) Status() CrateStatus {
	c.guard.Lock()
	defer c.guard.Unlock()
	st := CrateStatus{
		Ready:    c.ready,
		Users:    c.users,
		Revision: plx.RevisionTag(c.revision),
	}
	for _, m := range c.modules {
		ms := ModuleStatus{
			Number:   m.Number,
			Slot:     m.Slot,
			Serial:   m.Serial,
			Revision: plx.RevisionTag(m.Revision),
			Booted:   m.Booted(),
			Offline:  c.offline[m],
			Queued:   m.QueuedBuffers(),
			FIFO:     m.FIFOStats(),
		}
		if ms.Booted {
			if active, err := m.RunActive(); err == nil {
				ms.RunActive = active
			}
		}
		st.Modules = append(st.Modules, ms)
	}
	return st
}
