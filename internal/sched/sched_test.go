// sched_test.go - Tests for the cell scheduler.
// Copyright (C) 2026  Allium Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package sched

import (
	"crypto/tls"
	"sync"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"
	"github.com/stretchr/testify/require"

	"github.com/allium/allium/config"
	"github.com/allium/allium/core/cell"
	"github.com/allium/allium/core/crypto/ntor"
	"github.com/allium/allium/core/log"
	"github.com/allium/allium/internal/cellq"
	"github.com/allium/allium/internal/glue"
)

const testTimeout = 15 * time.Second

type dispatched struct {
	handle uint64
	circ   cell.CircID
	mark   byte
}

// fakeChannels stands in for the channel registry.  Capacity is set
// per handle by the test; dispatched cells are counted and optionally
// delivered one at a time on outCh, which lets a test step the
// scheduler cell by cell.  With refill set every dispatched cell is
// replaced, giving its circuit an infinite supply.
type fakeChannels struct {
	tracker *cellq.Tracker
	sched   glue.Scheduler

	mu       sync.Mutex
	capacity map[uint64]int
	counts   map[cell.CircID]int
	total    int
	limit    int
	refill   bool

	outCh  chan dispatched
	doneCh chan struct{}
	stopCh chan struct{}
}

func (f *fakeChannels) Halt() {}

func (f *fakeChannels) SendControl(uint64, cell.Command, cell.CircID, []byte) bool { return true }

func (f *fakeChannels) IncCircuits(uint64) {}

func (f *fakeChannels) DecCircuits(uint64) {}

func (f *fakeChannels) Close(uint64) {}

func (f *fakeChannels) List() []glue.ChannelInfo { return nil }

func (f *fakeChannels) Capacity(handle uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capacity[handle]
}

func (f *fakeChannels) DispatchCell(qc *cellq.Cell) {
	rec := dispatched{handle: qc.Chan, circ: qc.CircID, mark: qc.Payload[0]}
	qc.Dispose()

	f.mu.Lock()
	counted := f.limit == 0 || f.total < f.limit
	if counted {
		f.total++
		f.counts[rec.circ]++
	}
	hitLimit := f.limit > 0 && f.total == f.limit && counted
	refill := f.refill && counted && !hitLimit
	f.mu.Unlock()

	if counted && f.outCh != nil {
		select {
		case f.outCh <- rec:
		case <-f.stopCh:
			return
		}
	}
	if hitLimit {
		close(f.doneCh)
	}
	if refill {
		f.add(rec.handle, rec.circ, nil)
	}
}

func (f *fakeChannels) add(handle uint64, circ cell.CircID, payload []byte) {
	qc, err := cellq.New(handle, circ, cell.Relay, payload)
	if err != nil {
		panic(err)
	}
	f.tracker.Enqueue(qc)
	f.sched.OnCellQueued(handle)
}

func (f *fakeChannels) setCapacity(handle uint64, n int) {
	f.mu.Lock()
	f.capacity[handle] = n
	f.mu.Unlock()
}

func (f *fakeChannels) snapshot() (int, map[cell.CircID]int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[cell.CircID]int, len(f.counts))
	for k, v := range f.counts {
		counts[k] = v
	}
	return f.total, counts
}

type fakeGlue struct {
	logBackend *log.Backend
	channels   *fakeChannels
	tracker    *cellq.Tracker
}

func (g *fakeGlue) Config() *config.Config               { return nil }
func (g *fakeGlue) LogBackend() *log.Backend             { return g.logBackend }
func (g *fakeGlue) IdentityKey() sign.PrivateKey         { return nil }
func (g *fakeGlue) IdentityPublicKey() sign.PublicKey    { return nil }
func (g *fakeGlue) IdentityDigest() *[hash.HashSize]byte { return nil }
func (g *fakeGlue) LinkScheme() sign.Scheme              { return nil }
func (g *fakeGlue) OnionKey() *ntor.Keypair              { return nil }
func (g *fakeGlue) TLSCertificate() *tls.Certificate     { return nil }
func (g *fakeGlue) TLSCertDigest() []byte                { return nil }
func (g *fakeGlue) Channels() glue.Channels              { return g.channels }
func (g *fakeGlue) Connector() glue.Connector            { return nil }
func (g *fakeGlue) Listeners() []glue.Listener           { return nil }
func (g *fakeGlue) Router() glue.Router                  { return nil }
func (g *fakeGlue) Scheduler() glue.Scheduler            { return nil }
func (g *fakeGlue) BuildTimes() glue.BuildTimes          { return nil }
func (g *fakeGlue) CellQueues() *cellq.Tracker           { return g.tracker }
func (g *fakeGlue) Bug(string)                           {}

func startSched(t *testing.T) *fakeChannels {
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	tracker := cellq.NewTracker()
	ch := &fakeChannels{
		tracker:  tracker,
		capacity: make(map[uint64]int),
		counts:   make(map[cell.CircID]int),
		doneCh:   make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
	g := &fakeGlue{logBackend: logBackend, channels: ch, tracker: tracker}

	sch := New(g)
	t.Cleanup(sch.Halt)
	t.Cleanup(func() { close(ch.stopCh) })
	ch.sched = sch
	return ch
}

func (f *fakeChannels) next(t *testing.T) dispatched {
	select {
	case rec := <-f.outCh:
		return rec
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for dispatched cell")
	}
	panic("unreachable")
}

func TestSchedulerFairness(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	const (
		circA = cell.CircID(0x101)
		circB = cell.CircID(0x102)
		ticks = 1000
	)

	ch := startSched(t)
	ch.setCapacity(1, 1)
	ch.refill = true
	ch.limit = ticks
	ch.add(1, circA, nil)
	ch.add(1, circB, nil)

	select {
	case <-ch.doneCh:
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for scheduler ticks")
	}

	total, counts := ch.snapshot()
	require.Equal(ticks, total)
	diff := counts[circA] - counts[circB]
	if diff < 0 {
		diff = -diff
	}
	require.LessOrEqual(diff, 5, "counts: %v vs %v", counts[circA], counts[circB])
}

func TestSchedulerNewcomer(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	const (
		circA = cell.CircID(0x201)
		circB = cell.CircID(0x202)
	)

	ch := startSched(t)
	ch.outCh = make(chan dispatched, 1)
	ch.setCapacity(1, 1)
	ch.refill = true

	// Let the established circuit accumulate history.
	ch.add(1, circA, nil)
	for i := 0; i < 100; i++ {
		require.Equal(circA, ch.next(t).circ)
	}

	// A newcomer with an empty history gets the channel at once, holds
	// it while its average catches up, then settles into taking turns.
	ch.add(1, circB, nil)
	var post []cell.CircID
	for i := 0; i < 20; i++ {
		post = append(post, ch.next(t).circ)
	}

	// Up to two cells popped before the newcomer's queue event can
	// still be in flight toward the reader.
	first := -1
	for i, c := range post {
		if c == circB {
			first = i
			break
		}
	}
	require.GreaterOrEqual(first, 0, "newcomer never served")
	require.LessOrEqual(first, 2, "newcomer not served promptly")
	for i := first; i < first+7; i++ {
		require.Equal(circB, post[i], "burst cell %d", i)
	}
	require.Equal(circA, post[first+7], "established circuit resumes")
	for i := first + 7; i < len(post)-1; i++ {
		require.NotEqual(post[i], post[i+1], "alternation after catch up")
	}
}

func TestSchedulerCapacityStall(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ch := startSched(t)
	ch.setCapacity(1, 0)
	ch.add(1, 0x301, nil)

	time.Sleep(50 * time.Millisecond)
	total, _ := ch.snapshot()
	require.Zero(total, "dispatched with zero capacity")
	require.Equal(1, ch.tracker.Len(cellq.CircKey{Chan: 1, Circ: 0x301}))

	// Capacity opening up is noticed on the retry tick without another
	// queue event.
	ch.setCapacity(1, 4)
	require.Eventually(func() bool {
		total, _ := ch.snapshot()
		return total == 1
	}, testTimeout, 5*time.Millisecond)
	require.Zero(ch.tracker.TotalBytes())
}

func TestSchedulerClosedCircuitSkipped(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	const (
		circA = cell.CircID(0x401)
		circB = cell.CircID(0x402)
	)

	ch := startSched(t)
	ch.setCapacity(1, 0)
	for i := 0; i < 3; i++ {
		ch.add(1, circA, nil)
		ch.add(1, circB, nil)
	}

	cells, _ := ch.tracker.Drop(cellq.CircKey{Chan: 1, Circ: circA})
	require.Equal(3, cells)

	ch.setCapacity(1, 8)
	ch.sched.OnCellQueued(1)
	require.Eventually(func() bool {
		total, _ := ch.snapshot()
		return total == 3
	}, testTimeout, 5*time.Millisecond)

	_, counts := ch.snapshot()
	require.Equal(3, counts[circB])
	require.Zero(counts[circA])
	require.Zero(ch.tracker.TotalBytes())
}

func TestSchedulerPerCircuitFIFO(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ch := startSched(t)
	ch.outCh = make(chan dispatched, 16)
	ch.setCapacity(1, 0)
	for i := 0; i < 10; i++ {
		ch.add(1, 0x501, []byte{byte(i)})
	}

	ch.setCapacity(1, 32)
	ch.sched.OnCellQueued(1)
	for i := 0; i < 10; i++ {
		rec := ch.next(t)
		require.Equal(byte(i), rec.mark, "cell order")
	}
}

func TestSchedulerMultiChannel(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	const (
		circA = cell.CircID(0x601)
		circB = cell.CircID(0x602)
	)

	ch := startSched(t)
	ch.setCapacity(1, 4)
	ch.setCapacity(2, 4)
	ch.add(1, circA, nil)
	ch.add(1, circA, nil)
	ch.add(2, circB, nil)
	ch.add(2, circB, nil)

	require.Eventually(func() bool {
		total, _ := ch.snapshot()
		return total == 4
	}, testTimeout, 5*time.Millisecond)

	_, counts := ch.snapshot()
	require.Equal(2, counts[circA])
	require.Equal(2, counts[circB])
	require.Zero(ch.tracker.TotalBytes())
}
