package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
)

// DefaultSubject is the NATS subject prefix events are published under.
const DefaultSubject = "bos.observations"

// Publisher is the subset of *nats.Conn the notifier uses.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSNotifier publishes events to "<subject>.<signal>".
type NATSNotifier struct {
	pub     Publisher
	subject string
}

// NewNATSNotifier creates a NATSNotifier. An empty subject uses DefaultSubject.
func NewNATSNotifier(pub Publisher, subject string) *NATSNotifier {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSNotifier{pub: pub, subject: subject}
}

// ConnectNATS dials a NATS server with reconnects enabled.
func ConnectNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("bos"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "notify: connect to nats %s", url)
	}
	return conn, nil
}

func (n *NATSNotifier) Notify(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}
	subj := n.subject + "." + string(ev.Signal)
	if err := n.pub.Publish(subj, data); err != nil {
		return eris.Wrapf(err, "notify: publish %s", subj)
	}
	return nil
}
