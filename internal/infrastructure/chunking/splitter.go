package chunking

import (
	"math"
	"strings"
)

// Splitter cuts text into fixed-size overlapping windows. When the
// configured overlap is not positive, an effective overlap is derived from
// OverlapRatio (minimum 1 rune).
type Splitter struct {
	ChunkSize int
	Overlap   int
}

func NewSplitter(chunkSize, overlap int, overlapRatio float64) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 700
	}
	if overlap <= 0 {
		overlap = int(math.Round(float64(chunkSize) * overlapRatio))
		if overlap < 1 {
			overlap = 1
		}
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 4
	}
	return &Splitter{
		ChunkSize: chunkSize,
		Overlap:   overlap,
	}
}

// Split walks the text in strides of ChunkSize-Overlap. The final window may
// be shorter and ends exactly at the text length. Whitespace-only windows
// are dropped.
func (s *Splitter) Split(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := s.ChunkSize - s.Overlap
	if step <= 0 {
		step = s.ChunkSize
	}

	out := make([]string, 0, len(runes)/step+1)
	for start := 0; start < len(runes); start += step {
		end := start + s.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunk := string(runes[start:end])
		if strings.TrimSpace(chunk) != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}
