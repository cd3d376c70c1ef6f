package bucket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/codahale/hdrhistogram"

	"github.com/jonico/khronus/internal/models"
)

// wireVersion is the only defined payload version. The first byte of every
// payload carries it; readers reject anything else with a neutral default so
// newer writers never halt an older pipeline.
const wireVersion = 1

// ErrCorruptPayload marks payloads that could not be decoded. Callers
// recover with the neutral value returned alongside it.
var ErrCorruptPayload = errors.New("corrupt payload")

func unknownVersion(v byte) error {
	return fmt.Errorf("%w: unknown version %d", ErrCorruptPayload, v)
}

var errShortPayload = fmt.Errorf("%w: truncated", ErrCorruptPayload)

// Serialize encodes a bucket payload. The bucket number is not part of the
// payload; it travels as the row timestamp. The empty sentinel encodes as an
// empty byte slice.
func Serialize(b Bucket) []byte {
	if b.IsEmpty() {
		return []byte{}
	}
	buf := []byte{wireVersion}
	if b.Kind == KindCounter {
		return binary.AppendVarint(buf, b.Counts)
	}
	snap := b.Histogram.Export()
	buf = binary.AppendVarint(buf, snap.LowestTrackableValue)
	buf = binary.AppendVarint(buf, snap.HighestTrackableValue)
	buf = binary.AppendVarint(buf, snap.SignificantFigures)
	buf = binary.AppendUvarint(buf, uint64(len(snap.Counts)))
	for _, c := range snap.Counts {
		buf = binary.AppendVarint(buf, c)
	}
	return buf
}

// Deserialize decodes a payload stored under the given bucket number. An
// empty payload is the sentinel. On corruption it returns a neutral
// zero-valued bucket at bn together with an error wrapping
// ErrCorruptPayload; trailing bytes after a well-formed payload are ignored.
func Deserialize(kind Kind, bn models.BucketNumber, payload []byte) (Bucket, error) {
	if len(payload) == 0 {
		return EmptyBucket(kind), nil
	}
	neutral := neutralBucket(kind, bn)
	if payload[0] != wireVersion {
		return neutral, unknownVersion(payload[0])
	}
	r := &payloadReader{buf: payload[1:]}
	if kind == KindCounter {
		counts := r.varint()
		if r.bad {
			return neutral, errShortPayload
		}
		return NewCounterBucket(bn, counts), nil
	}
	lowest := r.varint()
	highest := r.varint()
	figs := r.varint()
	n := r.uvarint()
	if r.bad || n > uint64(len(r.buf)) {
		return neutral, errShortPayload
	}
	counts := make([]int64, n)
	for i := range counts {
		counts[i] = r.varint()
	}
	if r.bad {
		return neutral, errShortPayload
	}
	h := hdrhistogram.Import(&hdrhistogram.Snapshot{
		LowestTrackableValue:  lowest,
		HighestTrackableValue: highest,
		SignificantFigures:    figs,
		Counts:                counts,
	})
	return NewHistogramBucket(bn, h), nil
}

func neutralBucket(kind Kind, bn models.BucketNumber) Bucket {
	if kind == KindCounter {
		return NewCounterBucket(bn, 0)
	}
	return NewHistogramBucket(bn, NewHistogram())
}

// SerializeSummary encodes a summary payload.
func SerializeSummary(s Summary) []byte {
	buf := []byte{wireVersion}
	switch v := s.(type) {
	case CounterSummary:
		buf = binary.AppendVarint(buf, int64(v.TS))
		buf = binary.AppendVarint(buf, v.Count)
	case GaugeSummary:
		buf = binary.AppendVarint(buf, int64(v.TS))
		buf = binary.AppendVarint(buf, v.Min)
		buf = binary.AppendVarint(buf, v.Max)
		buf = binary.AppendVarint(buf, v.Count)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.Mean))
	case StatisticSummary:
		buf = binary.AppendVarint(buf, int64(v.TS))
		for _, q := range []int64{v.P50, v.P80, v.P90, v.P95, v.P99, v.P999, v.Min, v.Max, v.Count} {
			buf = binary.AppendVarint(buf, q)
		}
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.Mean))
	}
	return buf
}

// DeserializeSummary decodes a summary payload for the given metric type.
// Corruption yields the all-zero summary of that type plus an error
// wrapping ErrCorruptPayload.
func DeserializeSummary(t models.MetricType, payload []byte) (Summary, error) {
	neutral := neutralSummary(t)
	if len(payload) == 0 {
		return neutral, errShortPayload
	}
	if payload[0] != wireVersion {
		return neutral, unknownVersion(payload[0])
	}
	r := &payloadReader{buf: payload[1:]}
	switch t {
	case models.MetricTypeCounter:
		s := CounterSummary{TS: models.Timestamp(r.varint()), Count: r.varint()}
		if r.bad {
			return neutral, errShortPayload
		}
		return s, nil
	case models.MetricTypeGauge:
		s := GaugeSummary{
			TS:    models.Timestamp(r.varint()),
			Min:   r.varint(),
			Max:   r.varint(),
			Count: r.varint(),
			Mean:  r.float64(),
		}
		if r.bad {
			return neutral, errShortPayload
		}
		return s, nil
	default:
		s := StatisticSummary{TS: models.Timestamp(r.varint())}
		s.P50 = r.varint()
		s.P80 = r.varint()
		s.P90 = r.varint()
		s.P95 = r.varint()
		s.P99 = r.varint()
		s.P999 = r.varint()
		s.Min = r.varint()
		s.Max = r.varint()
		s.Count = r.varint()
		s.Mean = r.float64()
		if r.bad {
			return neutral, errShortPayload
		}
		return s, nil
	}
}

func neutralSummary(t models.MetricType) Summary {
	switch t {
	case models.MetricTypeCounter:
		return CounterSummary{}
	case models.MetricTypeGauge:
		return GaugeSummary{}
	default:
		return StatisticSummary{}
	}
}

// payloadReader walks a payload buffer; any short read flips bad and every
// later read returns zero, so decode loops stay branch-free.
type payloadReader struct {
	buf []byte
	off int
	bad bool
}

func (r *payloadReader) varint() int64 {
	if r.bad {
		return 0
	}
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		r.bad = true
		return 0
	}
	r.off += n
	return v
}

func (r *payloadReader) uvarint() uint64 {
	if r.bad {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.bad = true
		return 0
	}
	r.off += n
	return v
}

func (r *payloadReader) float64() float64 {
	if r.bad {
		return 0
	}
	if len(r.buf)-r.off < 8 {
		r.bad = true
		return 0
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v
}
