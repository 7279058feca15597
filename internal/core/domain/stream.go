package domain

// MetaMarker prefixes the single metadata line emitted before answer deltas
// on the streaming wire format.
const MetaMarker = "__META__"

type StreamEventKind int

const (
	StreamMetadata StreamEventKind = iota
	StreamTextDelta
)

// StreamMeta is the metadata payload emitted before the first answer delta.
type StreamMeta struct {
	Sources      []SourceAttribution `json:"sources"`
	BestScore    float64             `json:"best_score"`
	LowRelevance bool                `json:"low_relevance,omitempty"`
}

// StreamEvent is one element of a streaming answer: either the leading
// metadata record or a text delta, never both.
type StreamEvent struct {
	Kind  StreamEventKind
	Meta  StreamMeta
	Delta string
}

func MetaEvent(meta StreamMeta) StreamEvent {
	return StreamEvent{Kind: StreamMetadata, Meta: meta}
}

func DeltaEvent(delta string) StreamEvent {
	return StreamEvent{Kind: StreamTextDelta, Delta: delta}
}
