package archive

import (
	"io"
	"time"

	"github.com/harbourtools/stevedore-agent/internal/progress"
)

// progressChunk is how many bytes of a single entry may be copied before an
// intermediate progress event is emitted. Downstream throttling decides what
// actually reaches observers, so this only bounds event production.
const progressChunk = 1 << 20

// tracker accumulates the counters for one engine run and emits the
// progress events in protocol order: one started event up front, an
// entry_started/entry_finished pair around each entry with progress events
// in between, and one finished event when the run completes.
type tracker struct {
	sink             progress.Sink
	op               progress.OperationKind
	processedBytes   int64
	totalBytes       int64
	processedEntries int
	totalEntries     int
	sinceEmit        int64
}

// newTracker sets the totals for the run. Zero totals mean the producer
// cannot know them up front.
func newTracker(sink progress.Sink, op progress.OperationKind, totalBytes int64, totalEntries int) *tracker {
	return &tracker{
		sink:         sink,
		op:           op,
		totalBytes:   totalBytes,
		totalEntries: totalEntries,
	}
}

func (t *tracker) emit(ev progress.Event) {
	ev.Timestamp = time.Now()
	t.sink.Emit(ev)
}

func (t *tracker) started() {
	t.emit(progress.Event{
		Kind:          progress.KindStarted,
		OperationKind: t.op,
	})
}

func (t *tracker) finished() {
	t.emit(progress.Event{Kind: progress.KindFinished})
}

func (t *tracker) warning(message string) {
	t.emit(progress.Event{
		Kind:    progress.KindWarning,
		Message: message,
	})
}

func (t *tracker) entryStarted(name string) {
	t.emit(progress.Event{
		Kind:      progress.KindEntryStarted,
		EntryName: name,
	})
}

// entryDone reports an entry fully processed: it bumps the entry counter,
// emits a progress snapshot carrying the final byte counts for the entry,
// then the entry_finished event.
func (t *tracker) entryDone(name string) {
	t.processedEntries++
	t.sinceEmit = 0
	t.progress(name)
	t.emit(progress.Event{
		Kind:      progress.KindEntryFinished,
		EntryName: name,
	})
}

func (t *tracker) progress(name string) {
	t.emit(progress.Event{
		Kind:             progress.KindProgress,
		EntryName:        name,
		ProcessedBytes:   t.processedBytes,
		TotalBytes:       t.totalBytes,
		ProcessedEntries: t.processedEntries,
		TotalEntries:     t.totalEntries,
	})
}

func (t *tracker) addBytes(name string, n int64) {
	t.processedBytes += n
	t.sinceEmit += n
	if t.sinceEmit >= progressChunk {
		t.sinceEmit = 0
		t.progress(name)
	}
}

// countingWriter feeds copied byte counts into the tracker so long entries
// produce progress events while they stream.
type countingWriter struct {
	w         io.Writer
	tracker   *tracker
	entryName string
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.tracker.addBytes(cw.entryName, int64(n))
	}
	return n, err
}
