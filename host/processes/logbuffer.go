package processes

import (
	"sync"
	"time"
)

// LogEntry is a single captured diagnostic line from a peer. Stream is
// "stderr" for lines read from the child's stderr pipe and "host" for
// lifecycle notes the host itself records into the peer's buffer.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
}

// LogBuffer keeps a bounded window of recent entries per peer. Entry ids
// increase monotonically for the life of the buffer so stream consumers can
// catch up from the last id they saw.
type LogBuffer struct {
	mu        sync.RWMutex
	entries   []LogEntry
	capacity  int
	nextID    int64
	callbacks map[int]func(LogEntry)
	nextCbID  int
}

// NewLogBuffer creates a buffer retaining up to capacity entries.
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{
		entries:   make([]LogEntry, 0, capacity),
		capacity:  capacity,
		nextID:    1,
		callbacks: make(map[int]func(LogEntry)),
	}
}

// Add appends a line, evicting the oldest entry once the buffer is full.
// Callbacks run on their own goroutines so a slow consumer cannot stall the
// peer's read loop.
func (lb *LogBuffer) Add(stream, line string) {
	lb.mu.Lock()

	entry := LogEntry{
		ID:        lb.nextID,
		Timestamp: time.Now(),
		Stream:    stream,
		Line:      line,
	}
	if len(lb.entries) >= lb.capacity {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, entry)
	lb.nextID++

	cbs := make([]func(LogEntry), 0, len(lb.callbacks))
	for _, cb := range lb.callbacks {
		cbs = append(cbs, cb)
	}
	lb.mu.Unlock()

	for _, cb := range cbs {
		go cb(entry)
	}
}

// EntriesSince returns every retained entry with an id greater than fromID.
func (lb *LogBuffer) EntriesSince(fromID int64) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	result := make([]LogEntry, 0)
	for _, entry := range lb.entries {
		if entry.ID > fromID {
			result = append(result, entry)
		}
	}
	return result
}

// Latest returns the most recent count entries, oldest first.
func (lb *LogBuffer) Latest(count int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if count <= 0 || len(lb.entries) == 0 {
		return []LogEntry{}
	}
	start := len(lb.entries) - count
	if start < 0 {
		start = 0
	}
	result := make([]LogEntry, len(lb.entries)-start)
	copy(result, lb.entries[start:])
	return result
}

// LatestID returns the id of the newest entry, or 0 for an empty buffer.
func (lb *LogBuffer) LatestID() int64 {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if len(lb.entries) == 0 {
		return 0
	}
	return lb.entries[len(lb.entries)-1].ID
}

// AddCallback registers a live-tail callback and returns a handle for
// RemoveCallback. Stream consumers remove themselves on disconnect.
func (lb *LogBuffer) AddCallback(cb func(LogEntry)) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	id := lb.nextCbID
	lb.nextCbID++
	lb.callbacks[id] = cb
	return id
}

// RemoveCallback drops a previously registered callback.
func (lb *LogBuffer) RemoveCallback(id int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	delete(lb.callbacks, id)
}
