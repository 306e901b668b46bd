package alias

import (
	"testing"

	"github.com/openlcb-go/lcc"
)

// TestFrozenAliasVector locks down the one-shot PRNG result spec.md's
// S1 scenario requires every implementation to agree on: seed
// 0x050101010700 advanced once produces seed 0xfc58cdb9fb0b, whose
// four 12-bit nibbles XOR to alias 0x79c. This value must never change.
func TestFrozenAliasVector(t *testing.T) {
	const seed = uint64(0x050101010700)
	next := nextSeed(seed)
	if next != 0xfc58cdb9fb0b {
		t.Fatalf("nextSeed(0x%x) = 0x%x, want 0xfc58cdb9fb0b", seed, next)
	}
	got := foldAlias(next)
	if got != 0x79c {
		t.Fatalf("foldAlias(0x%x) = 0x%x, want 0x79c", next, got)
	}
}

func TestFoldAliasNeverZero(t *testing.T) {
	// A seed whose four nibbles are identical folds to zero and must
	// be nudged to 1.
	var seed uint64 = 0x123123123123
	if got := foldAlias(seed); got == 0 {
		t.Fatal("foldAlias must never return 0")
	}
}

type fakeEvents struct {
	producers []lcc.EventID
	consumers []lcc.EventID
}

func (f *fakeEvents) ProducerEventCount() int           { return len(f.producers) }
func (f *fakeEvents) ProducerEventAt(i int) lcc.EventID { return f.producers[i] }
func (f *fakeEvents) ConsumerEventCount() int           { return len(f.consumers) }
func (f *fakeEvents) ConsumerEventAt(i int) lcc.EventID { return f.consumers[i] }

func runToState(t *testing.T, l *Login, want State, maxSteps int) {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		if l.State() == want {
			return
		}
		l.Process()
	}
	t.Fatalf("did not reach state %s within %d steps, stuck at %s", want, maxSteps, l.State())
}

func TestHandshakeReachesRun(t *testing.T) {
	var sent []lcc.Frame
	transmit := func(f lcc.Frame) bool {
		sent = append(sent, f)
		return true
	}
	events := &fakeEvents{
		producers: []lcc.EventID{lcc.NewEventFromNode(0x0102030405, 1)},
		consumers: []lcc.EventID{lcc.NewEventFromNode(0x0102030405, 2)},
	}
	l := New(0x0102030405, 0x050101010700, transmit, events)

	runToState(t, l, StateRun, 64)

	if !l.LoggedIn() {
		t.Fatal("expected LoggedIn() true once in StateRun")
	}
	if l.Alias() == 0 {
		t.Fatal("expected a non-zero alias once logged in")
	}
	// 4 CID frames + RID + AMD + InitComplete + 1 producer + 1 consumer
	if len(sent) != 9 {
		t.Fatalf("expected 9 frames sent, got %d", len(sent))
	}
}

func TestConflictDuringDefendRestartsFromSeed(t *testing.T) {
	transmit := func(lcc.Frame) bool { return true }
	l := New(0x0102030405, 0x050101010700, transmit, nil)

	runToState(t, l, StateSendRID, 32)
	claimed := l.Alias()
	restarted := false
	l.OnRestart(func() { restarted = true })

	l.NoteForeignFrame(claimed)

	if !restarted {
		t.Fatal("expected OnRestart callback to fire")
	}
	if l.State() != StateGenerateSeed {
		t.Fatalf("expected restart to StateGenerateSeed, got %s", l.State())
	}
	if l.Alias() != 0 {
		t.Fatal("expected alias to be cleared on restart")
	}
}

func TestConflictAfterRunRestarts(t *testing.T) {
	var sent []lcc.Frame
	transmit := func(f lcc.Frame) bool { sent = append(sent, f); return true }
	l := New(0x0102030405, 0x050101010700, transmit, nil)
	runToState(t, l, StateRun, 64)
	claimed := l.Alias()
	sent = nil

	l.NoteForeignFrame(claimed)

	if l.State() != StateGenerateSeed {
		t.Fatalf("expected conflict while running to restart login, got %s", l.State())
	}

	found := false
	for _, f := range sent {
		_, variant, alias := lcc.DecodeID(f.ID)
		if lcc.ControlCode(variant) == lcc.ControlAMR && alias == claimed {
			found = true
			if lcc.NodeIDAt(f.Data[:f.DLC], 0) != 0x0102030405 {
				t.Fatalf("AMR payload node id = %x, want 0x0102030405", lcc.NodeIDAt(f.Data[:f.DLC], 0))
			}
		}
	}
	if !found {
		t.Fatal("expected an AMR frame relinquishing the old alias before restart")
	}
}

func TestTransmitBackpressureBlocksAdvance(t *testing.T) {
	allow := false
	transmit := func(lcc.Frame) bool { return allow }
	l := New(0x0102030405, 0x050101010700, transmit, nil)

	l.Process() // GenerateSeed -> GenerateAlias
	l.Process() // GenerateAlias -> SendCID7
	if l.State() != StateSendCID7 {
		t.Fatalf("expected StateSendCID7, got %s", l.State())
	}
	for i := 0; i < 5; i++ {
		l.Process()
	}
	if l.State() != StateSendCID7 {
		t.Fatal("expected state to stay put while transmit refuses")
	}
	allow = true
	l.Process()
	if l.State() != StateSendCID6 {
		t.Fatalf("expected advance to StateSendCID6 once transmit succeeds, got %s", l.State())
	}
}

func TestAliasAssignedCallbackFiresOnce(t *testing.T) {
	transmit := func(lcc.Frame) bool { return true }
	l := New(0x0102030405, 0x050101010700, transmit, nil)
	calls := 0
	l.OnAliasAssigned(func(lcc.Alias, lcc.NodeID) { calls++ })

	runToState(t, l, StateRun, 64)

	if calls != 1 {
		t.Fatalf("expected OnAliasAssigned to fire exactly once, got %d", calls)
	}
}
