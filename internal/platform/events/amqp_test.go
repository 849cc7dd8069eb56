package events

import (
	"context"
	"errors"
	"testing"

	"github.com/streadway/amqp"
)

type fakeChannel struct {
	declareErr error
	publishErr error
	declared   []string
	kinds      []string
	published  []amqp.Publishing
	exchanges  []string
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.declared = append(f.declared, name)
	f.kinds = append(f.kinds, kind)
	return f.declareErr
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.exchanges = append(f.exchanges, exchange)
	f.published = append(f.published, msg)
	return f.publishErr
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPSink_DeclaresFanoutOnce(t *testing.T) {
	ch := &fakeChannel{}
	sink, err := newAMQPSink(ch, "video-events")
	if err != nil {
		t.Fatalf("newAMQPSink: %v", err)
	}

	env := testEnvelope(t, "video_session.started")
	for i := 0; i < 3; i++ {
		if err := sink.Send(context.Background(), env, []byte(`{}`)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	if len(ch.declared) != 1 || ch.declared[0] != "video-events" || ch.kinds[0] != "fanout" {
		t.Errorf("unexpected declarations: %v %v", ch.declared, ch.kinds)
	}
	if len(ch.published) != 3 {
		t.Fatalf("expected 3 publishes, got %d", len(ch.published))
	}
	msg := ch.published[0]
	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent {
		t.Errorf("unexpected publishing properties: %+v", msg)
	}
	if msg.MessageId != env.ID.String() || msg.Type != "video_session.started" {
		t.Errorf("unexpected id/type: %q %q", msg.MessageId, msg.Type)
	}
	if ch.exchanges[0] != "video-events" {
		t.Errorf("published to %q", ch.exchanges[0])
	}
}

func TestAMQPSink_DeclareFailureClosesChannel(t *testing.T) {
	ch := &fakeChannel{declareErr: errors.New("access refused")}
	if _, err := newAMQPSink(ch, "video-events"); err == nil {
		t.Fatal("expected error")
	}
	if !ch.closed {
		t.Error("expected channel to be closed after failed declare")
	}
}

func TestAMQPSink_ExpiredContext(t *testing.T) {
	ch := &fakeChannel{}
	sink, _ := newAMQPSink(ch, "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Send(ctx, testEnvelope(t, "a"), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(ch.published) != 0 {
		t.Error("nothing should be published after cancellation")
	}
}
