package engine_test

import (
	"testing"

	"github.com/seantiz/voxelgrid/internal/engine"
	"github.com/seantiz/voxelgrid/internal/model"
)

func collect(ch <-chan model.Voxel) []model.Voxel {
	var got []model.Voxel
	for v := range ch {
		got = append(got, v)
	}
	return got
}

func TestVoxelBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewVoxelBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	want := []model.Voxel{
		{RunID: "r1", X: -1, Y: 0, Z: 1, Value: 2},
		{RunID: "r1", X: 0, Y: 0, Z: 0, Value: 0.5},
	}
	for _, v := range want {
		b.Publish("r1", v)
	}
	b.Close("r1")

	got := collect(ch)
	if len(got) != len(want) {
		t.Fatalf("got %d voxels, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("voxel[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestVoxelBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewVoxelBroker()
	ch1, unsub1 := b.Subscribe("r1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("r1")
	defer unsub2()

	b.Publish("r1", model.Voxel{RunID: "r1", X: 3})
	b.Close("r1")

	for i, ch := range []<-chan model.Voxel{ch1, ch2} {
		if got := collect(ch); len(got) != 1 || got[0].X != 3 {
			t.Errorf("subscriber %d got %+v", i, got)
		}
	}
}

func TestVoxelBrokerRunsAreIsolated(t *testing.T) {
	b := engine.NewVoxelBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	b.Publish("r2", model.Voxel{RunID: "r2"})
	b.Close("r1")

	if got := collect(ch); len(got) != 0 {
		t.Errorf("r1 subscriber got voxels of r2: %+v", got)
	}
}

func TestVoxelBrokerSubscribeAfterClose(t *testing.T) {
	b := engine.NewVoxelBroker()
	b.Close("r1")

	ch, unsub := b.Subscribe("r1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("channel of a finished run is open")
	}
	// Publishing to a finished run is a no-op.
	b.Publish("r1", model.Voxel{RunID: "r1"})
}

func TestVoxelBrokerUnsubscribe(t *testing.T) {
	b := engine.NewVoxelBroker()
	ch, unsub := b.Subscribe("r1")
	unsub()

	b.Publish("r1", model.Voxel{RunID: "r1"})
	select {
	case v := <-ch:
		t.Errorf("unsubscribed channel received %+v", v)
	default:
	}
}

func TestVoxelBrokerDropsForSlowSubscriber(t *testing.T) {
	b := engine.NewVoxelBroker()
	ch, unsub := b.Subscribe("r1")
	defer unsub()

	const extra = 5
	total := 256 + extra
	for i := range total {
		b.Publish("r1", model.Voxel{RunID: "r1", X: i})
	}

	if got := b.Dropped("r1"); got != extra {
		t.Errorf("Dropped = %d, want %d", got, extra)
	}
	if got := b.Dropped("unknown"); got != 0 {
		t.Errorf("Dropped(unknown) = %d, want 0", got)
	}

	b.Close("r1")
	if got := collect(ch); len(got) != total-extra {
		t.Errorf("delivered %d voxels, want %d", len(got), total-extra)
	}
}
