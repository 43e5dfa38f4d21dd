package importer

// Counters are the run's record counts. The engine updates them after every
// successful chunk write; progress observers receive a copy.
type Counters struct {
	File      string
	FileIndex int
	FileCount int

	// FileWritten counts rows written for the current file.
	FileWritten int64
	// FileExpected is the pre-flight record count of the current file.
	FileExpected int64
	// Total counts rows written across the run.
	Total int64
}

// Fraction is FileWritten / FileExpected, clamped to [0, 1]. A file with no
// expected records is complete.
func (c Counters) Fraction() float64 {
	if c.FileExpected <= 0 {
		return 1
	}
	f := float64(c.FileWritten) / float64(c.FileExpected)
	return min(max(f, 0), 1)
}

// ProgressFunc observes counters. It is called synchronously on the engine
// goroutine when a file starts, after each successful write and when a file
// ends, so it must return quickly.
type ProgressFunc func(Counters)
