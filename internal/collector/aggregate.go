package collector

import "time"

// aggKey fingerprints a quality series: a series that has not grown since the
// last computation produces the same key and hits the cache without a rescan.
type aggKey struct {
	count int
	last  time.Time
}

type aggEntry struct {
	key aggKey
	avg *QualityAverage
}

// qualityAggregator memoizes per-kind mean computations. It keeps a single
// entry per kind; appending a sample changes the key and evicts the stale
// entry, so the cache stays bounded for arbitrarily long sessions.
type qualityAggregator struct {
	cache map[Kind]aggEntry
}

func newQualityAggregator() *qualityAggregator {
	return &qualityAggregator{cache: make(map[Kind]aggEntry)}
}

// average returns the memoized means for one quality series of the session, or
// nil when the series has no samples.
func (a *qualityAggregator) average(kind Kind, s *session) *QualityAverage {
	if s == nil {
		return nil
	}
	key, ok := seriesKey(kind, s)
	if !ok {
		return nil
	}
	if entry, hit := a.cache[kind]; hit && entry.key == key {
		return entry.avg
	}
	avg := computeAverage(kind, s)
	a.cache[kind] = aggEntry{key: key, avg: avg}
	return avg
}

func seriesKey(kind Kind, s *session) (aggKey, bool) {
	switch kind {
	case KindVideo:
		if n := len(s.video); n > 0 {
			return aggKey{count: n, last: s.video[n-1].Timestamp}, true
		}
	case KindAudio:
		if n := len(s.audio); n > 0 {
			return aggKey{count: n, last: s.audio[n-1].Timestamp}, true
		}
	case KindNetwork:
		if n := len(s.network); n > 0 {
			return aggKey{count: n, last: s.network[n-1].Timestamp}, true
		}
	}
	return aggKey{}, false
}

func computeAverage(kind Kind, s *session) *QualityAverage {
	avg := &QualityAverage{Kind: kind}
	switch kind {
	case KindVideo:
		avg.SampleCount = len(s.video)
		for _, sample := range s.video {
			avg.FrameRate += sample.FrameRate
			avg.Bitrate += sample.Bitrate
		}
		n := float64(avg.SampleCount)
		avg.FrameRate /= n
		avg.Bitrate /= n
	case KindAudio:
		avg.SampleCount = len(s.audio)
		for _, sample := range s.audio {
			avg.Bitrate += sample.Bitrate
			avg.SampleRate += sample.SampleRate
			avg.Volume += sample.Volume
		}
		n := float64(avg.SampleCount)
		avg.Bitrate /= n
		avg.SampleRate /= n
		avg.Volume /= n
	case KindNetwork:
		avg.SampleCount = len(s.network)
		for _, sample := range s.network {
			avg.RTT += sample.RTT
			avg.PacketLoss += sample.PacketLoss
			avg.Uplink += sample.Uplink
			avg.Downlink += sample.Downlink
		}
		n := float64(avg.SampleCount)
		avg.RTT /= n
		avg.PacketLoss /= n
		avg.Uplink /= n
		avg.Downlink /= n
	}
	return avg
}
