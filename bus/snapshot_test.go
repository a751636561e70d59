package bus_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/quiesce/bus"
)

func TestSnapshotRequestTimesOut(t *testing.T) {
	b := bus.NewBroadcaster(discardLogger())
	broker := bus.NewSnapshotBroker(b, 50*time.Millisecond, discardLogger())

	_, err := broker.Request(context.Background(), "c1", "att_1")
	if !errors.Is(err, bus.ErrSnapshotTimeout) {
		t.Fatalf("err = %v, want ErrSnapshotTimeout", err)
	}
	if broker.Pending() != 0 {
		t.Fatalf("pending = %d after timeout", broker.Pending())
	}
}

func TestSnapshotRequestCancelled(t *testing.T) {
	b := bus.NewBroadcaster(discardLogger())
	broker := bus.NewSnapshotBroker(b, time.Minute, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := broker.Request(ctx, "c1", "att_1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSnapshotFulfillCorrelates(t *testing.T) {
	b := bus.NewBroadcaster(discardLogger())
	broker := bus.NewSnapshotBroker(b, time.Second, discardLogger())
	ch, cancel := b.Subscribe("page")
	defer cancel()

	go func() {
		env := <-ch
		var req bus.SnapshotRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return
		}
		broker.Fulfill(bus.SnapshotResponse{RequestID: req.RequestID, HTML: "<p>hi</p>"})
	}()

	resp, err := broker.Request(context.Background(), "c1", "att_1")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.HTML != "<p>hi</p>" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestSnapshotLateFulfillDropped(t *testing.T) {
	b := bus.NewBroadcaster(discardLogger())
	broker := bus.NewSnapshotBroker(b, time.Second, discardLogger())

	if broker.Fulfill(bus.SnapshotResponse{RequestID: "snap_unknown"}) {
		t.Fatal("Fulfill of unknown request id = true")
	}
}
