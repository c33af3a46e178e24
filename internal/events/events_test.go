package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"

	"finbench/internal/config"
	"finbench/internal/domain"
)

type failing struct{ err error }

func (f failing) Publish(context.Context, ...Event) error { return f.err }
func (f failing) Close() error                            { return nil }

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("broker down")
	m := Multi{Nop{}, failing{boom}}
	err := m.Publish(context.Background(), Event{Kind: KindDaily})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if err := m.Publish(context.Background()); err != nil {
		t.Errorf("empty publish: %v", err)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherKeysByCanonicalID(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "finbench.market"}
	id := domain.MustCanonicalID("HK:STOCK:00700")
	err := p.Publish(context.Background(),
		Event{Kind: KindDaily, CanonicalID: id, RawID: 7, Daily: []domain.DailyBar{{CanonicalID: id, Close: 380}}},
		Event{Kind: KindSnapshot, CanonicalID: id, Snapshot: &domain.Snapshot{CanonicalID: id, Close: 381}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("got %d messages", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "HK:STOCK:00700" {
		t.Errorf("key = %q", w.msgs[0].Key)
	}
	var ev Event
	if err := json.Unmarshal(w.msgs[1].Value, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != KindSnapshot || ev.Snapshot.Close != 381 || ev.CanonicalID != id {
		t.Errorf("decoded = %+v", ev)
	}
}

func TestNewKafkaPublisherNeedsBrokers(t *testing.T) {
	if _, err := NewKafkaPublisher(config.Kafka{Topic: "t"}); err == nil {
		t.Error("expected error without brokers")
	}
}

func TestHubStreamsFilteredSnapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?ids=US:STOCK:AAPL"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	aapl := domain.MustCanonicalID("US:STOCK:AAPL")
	msft := domain.MustCanonicalID("US:STOCK:MSFT")

	received := make(chan []byte, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- data
		}
		close(received)
	}()

	// Registration completes asynchronously after the upgrade, so publish
	// until the subscriber sees a message.
	var got domain.Snapshot
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(5 * time.Second)
wait:
	for {
		hub.Publish(ctx,
			Event{Kind: KindSnapshot, CanonicalID: msft, Snapshot: &domain.Snapshot{CanonicalID: msft, Close: 400}},
			Event{Kind: KindSnapshot, CanonicalID: aapl, Snapshot: &domain.Snapshot{CanonicalID: aapl, Close: 170.73}},
		)
		select {
		case data, ok := <-received:
			if !ok {
				t.Fatal("connection closed before a message arrived")
			}
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatal(err)
			}
			break wait
		case <-ticker.C:
		case <-timeout:
			t.Fatal("no snapshot received")
		}
	}
	if got.CanonicalID != aapl || got.Close != 170.73 {
		t.Errorf("received %+v, want the AAPL snapshot only", got)
	}
}

func TestHubRejectsBadFilter(t *testing.T) {
	hub := NewHub(nil)
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest("GET", "/ws/snapshots?ids=nope", nil))
	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
