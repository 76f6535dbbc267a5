package domain

import "context"

// Classification is one ranked label from the general-purpose labeler.
type Classification struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Detection is one object found by the detector. Bounding boxes are not kept.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// AnalysisResult merges the outputs of both vision models unmodified.
type AnalysisResult struct {
	Classifications []Classification `json:"classifications"`
	Detections      []Detection      `json:"detections"`
}

// TopLabel returns the highest-ranked classification label, or "".
func (r *AnalysisResult) TopLabel() string {
	if r == nil || len(r.Classifications) == 0 {
		return ""
	}
	return r.Classifications[0].Label
}

// Classifier analyzes image bytes. A nil result means "no analysis available";
// implementations never surface errors to the caller.
type Classifier interface {
	Analyze(ctx context.Context, image []byte, mimeType string) *AnalysisResult
}

// Archiver uploads a media file to long-term storage and returns its URL.
type Archiver interface {
	Name() string
	Upload(ctx context.Context, path string, mimeType string) (string, error)
}
