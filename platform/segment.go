package platform

import (
	"lautenbacher.net/costumeleds/config"
	"lautenbacher.net/costumeleds/pixel"
)

// segment is one physical run of LEDs on the costume. The strip is a
// single electrical chain, but the garment routes it in pieces, and a
// piece sewn in against the chain direction is marked reversed: its
// chain-order bytes are the mirror image of its garment-order pixels.
type segment struct {
	name     string
	firstLed int
	lastLed  int
	reverse  bool
}

// parseSegments materializes the configured segment layout. The config
// validation has already checked that the segments tile the strip, so
// no bounds handling is needed here. Without configured segments the
// whole strip is one forward run.
func parseSegments(strip config.StripConfig) []*segment {
	if len(strip.Segments) == 0 {
		return []*segment{{name: "strip", firstLed: 0, lastLed: strip.LedsTotal - 1}}
	}

	segments := make([]*segment, 0, len(strip.Segments))
	for _, seg := range strip.Segments {
		segments = append(segments, &segment{
			name:     seg.Name,
			firstLed: seg.FirstLed,
			lastLed:  seg.LastLed,
			reverse:  seg.Reverse,
		})
	}
	return segments
}

func (s *segment) len() int {
	return s.lastLed - s.firstLed + 1
}

// apply copies this segment's span from the garment-order frame into
// the chain-order buffer, flipping reversed segments.
func (s *segment) apply(garment, chain pixel.Frame) {
	if !s.reverse {
		copy(chain[s.firstLed:s.lastLed+1], garment[s.firstLed:s.lastLed+1])
		return
	}
	for k := 0; k < s.len(); k++ {
		chain[s.firstLed+k] = garment[s.lastLed-k]
	}
}

// slice returns the garment-order pixels of this segment for
// rendering.
func (s *segment) slice(frame pixel.Frame) []pixel.Led {
	return frame[s.firstLed : s.lastLed+1]
}

// Local Variables:
// compile-command: "cd .. && go build"
// End:
