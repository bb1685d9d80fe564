// internal/models/segments.go
package models

// Segment 故事切分后的段落
type Segment struct {
	Type          string `json:"type,omitempty"`
	Text          string `json:"text"`
	Summary       string `json:"summary"`
	StartSentence *int   `json:"start_sentence,omitempty"`
	EndSentence   *int   `json:"end_sentence,omitempty"`
}
