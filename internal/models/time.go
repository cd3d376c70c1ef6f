package models

import (
	"fmt"
	"time"
)

// RawDuration is the width of the finest-grained buckets produced by ingest.
const RawDuration = time.Millisecond

// Timestamp is a moment in time expressed as milliseconds since the Unix
// epoch. All alignment arithmetic is integer division over milliseconds so
// that repeated conversions never drift.
type Timestamp int64

// TimestampFromTime converts a wall-clock time to a Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// Millis returns the timestamp as raw milliseconds.
func (t Timestamp) Millis() int64 { return int64(t) }

// AlignedTo returns the largest multiple of d that is <= t.
func (t Timestamp) AlignedTo(d time.Duration) Timestamp {
	ms := d.Milliseconds()
	return Timestamp((int64(t) / ms) * ms)
}

// ToBucketNumberOf returns the number of the d-wide bucket containing t.
func (t Timestamp) ToBucketNumberOf(d time.Duration) BucketNumber {
	return BucketNumber{Number: int64(t) / d.Milliseconds(), Duration: d}
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%dms", int64(t))
}

// BucketNumber is the integer index of the half-open interval
// [Number*Duration, (Number+1)*Duration). Ordering is only meaningful
// between bucket numbers of equal duration.
type BucketNumber struct {
	Number   int64
	Duration time.Duration
}

// UndefinedBucketNumber marks buckets that carry no interval, such as the
// empty-bucket cache sentinel.
var UndefinedBucketNumber = BucketNumber{Number: -1}

// IsUndefined reports whether bn is the reserved sentinel value.
func (bn BucketNumber) IsUndefined() bool {
	return bn.Number == UndefinedBucketNumber.Number && bn.Duration == UndefinedBucketNumber.Duration
}

// StartTimestamp returns the inclusive lower bound of the bucket interval.
func (bn BucketNumber) StartTimestamp() Timestamp {
	return Timestamp(bn.Number * bn.Duration.Milliseconds())
}

// EndTimestamp returns the exclusive upper bound of the bucket interval.
func (bn BucketNumber) EndTimestamp() Timestamp {
	return Timestamp((bn.Number + 1) * bn.Duration.Milliseconds())
}

// In returns the bucket number at duration d that contains this bucket's
// start timestamp.
func (bn BucketNumber) In(d time.Duration) BucketNumber {
	return BucketNumber{Number: int64(bn.StartTimestamp()) / d.Milliseconds(), Duration: d}
}

// Contains reports whether ts falls inside the bucket interval.
func (bn BucketNumber) Contains(ts Timestamp) bool {
	return ts >= bn.StartTimestamp() && ts < bn.EndTimestamp()
}

func (bn BucketNumber) String() string {
	return fmt.Sprintf("%d@%s", bn.Number, DurationKey(bn.Duration))
}

// Tick is a discrete processing instant. Its bucket number is expressed in
// the smallest configured window and lags the wall clock by a safety delay
// so that minor cross-node clock skew does not surface future data.
type Tick struct {
	BucketNumber BucketNumber
}

// CurrentTick derives the tick for now, at the given smallest window,
// lagging by safetyDelay.
func CurrentTick(now time.Time, smallestWindow, safetyDelay time.Duration) Tick {
	ts := TimestampFromTime(now.Add(-safetyDelay))
	return Tick{BucketNumber: ts.ToBucketNumberOf(smallestWindow)}
}

// AlreadyProcessed reports whether the raw bucket falls at or before the
// tick, i.e. inside an interval the roll-up pipeline has already swept.
func (t Tick) AlreadyProcessed(raw BucketNumber) bool {
	if t.BucketNumber.Duration <= 0 {
		return false
	}
	return raw.In(t.BucketNumber.Duration).Number <= t.BucketNumber.Number
}

func (t Tick) String() string {
	return fmt.Sprintf("tick[%s]", t.BucketNumber)
}

// DurationKey renders a duration in the compact form used for table names
// and configuration keys: "1ms", "30s", "1m", "1h".
func DurationKey(d time.Duration) string {
	switch {
	case d <= 0:
		return "undefined"
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}
