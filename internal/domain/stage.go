package domain

// PromptKind describes the shape of answer a stage prompt expects.
type PromptKind string

const (
	PromptKindBoolean     PromptKind = "boolean"
	PromptKindDescriptive PromptKind = "descriptive"
	PromptKindKeyword     PromptKind = "keyword"
)

// Stage is one ordered step of a pipeline snapshot. Order is 1-based and
// defines execution sequence; gaps or duplicates are a configuration error.
// The filter rule, if any, is applied after the stage completes and before
// the next stage runs. Stages are immutable once a job starts.
type Stage struct {
	ID     string
	Order  int
	Prompt string
	Kind   PromptKind
	Filter FilterRule
}

// ImageRef is an opaque reference to an image supplied as engine input.
// The engine never mutates it and never interprets the storage path.
type ImageRef struct {
	ID          string `json:"id"`
	StoragePath string `json:"storage_path"`
}
