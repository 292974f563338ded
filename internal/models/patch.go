package models

// Optional distinguishes "leave unchanged" (Set == false) from "write this
// value", including writing a nil pointer to clear a column.
type Optional[T any] struct {
	Value T
	Set   bool
}

func Some[T any](v T) Optional[T] {
	return Optional[T]{Value: v, Set: true}
}

// SceneVideoJobPatch lists the columns a drain may write. Status may not be
// set to processing; only the claimer does that.
type SceneVideoJobPatch struct {
	Status              Optional[JobStatus]
	Provider            Optional[*string]
	ModelKey            Optional[*string]
	Prompt              Optional[*string]
	SourceImageURL      Optional[*string]
	ContinuityScore     Optional[*float64]
	RecommendRegenerate Optional[bool]
	ContinuityReason    Optional[*string]
	ExternalJobID       Optional[*string]
	VideoURL            Optional[*string]
	LastFrameURL        Optional[*string]
	Error               Optional[*string]
	DurationSeconds     Optional[*float64]
}

type FinalFilmPatch struct {
	Status      Optional[JobStatus]
	SourceCount Optional[int]
	VideoURL    Optional[*string]
	OutputPath  Optional[*string]
	Error       Optional[*string]
}
