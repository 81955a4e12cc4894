package stats

// StreakGap is the longest pause, in seconds, that keeps a streak alive.
const StreakGap int64 = 86400

// streakWalker consumes qualifying timestamps newest first.
type streakWalker struct {
	now        int64
	start, end int64
	active     bool
	done       bool
}

// add feeds the next older timestamp and reports whether more are wanted.
func (w *streakWalker) add(ts int64) bool {
	if w.done {
		return false
	}
	if !w.active {
		if w.now-ts > StreakGap {
			w.done = true
			return false
		}
		w.active = true
		w.start, w.end = ts, ts
		return true
	}
	if w.start-ts > StreakGap {
		w.done = true
		return false
	}
	w.start = ts
	return true
}

// Streak returns the author's current streak given qualifying timestamps
// ordered newest first. ok is false when the newest one is more than
// StreakGap older than now.
func Streak(timestamps []int64, now int64) (start, end int64, ok bool) {
	w := streakWalker{now: now}
	for _, ts := range timestamps {
		if !w.add(ts) {
			break
		}
	}
	return w.start, w.end, w.active
}
