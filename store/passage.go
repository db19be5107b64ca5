package store

import (
	"math"
	"time"
)

// Passage is a retrieved unit of text. Score is nil when the producer did
// not assign one.
type Passage struct {
	Text   string   `json:"text"`
	Score  *float64 `json:"score"`
	Source string   `json:"source,omitempty"`
}

// WithScore returns a copy of p carrying score.
func (p Passage) WithScore(score float64) Passage {
	p.Score = &score
	return p
}

// ScoreOr returns the score, or def when the passage is unscored.
func (p Passage) ScoreOr(def float64) float64 {
	if p.Score == nil {
		return def
	}
	return *p.Score
}

// Round returns v rounded to the given number of decimals.
func Round(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(v*pow) / pow
}

// Chunk is an indexed piece of a source document.
type Chunk struct {
	ID     string
	Seq    int
	Text   string
	Source string
	Vector []float32
}

// IndexInfo describes the index currently being served.
type IndexInfo struct {
	SourceType string    `json:"source_type"`
	SourcePath string    `json:"source_path"`
	Chunks     int       `json:"chunks"`
	BuiltAt    time.Time `json:"built_at"`
	Embedder   string    `json:"embedder,omitempty"`
	Dimensions int       `json:"dimensions,omitempty"`
}
