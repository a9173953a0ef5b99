package constants

// Status is the pipeline status of a document. Stored as these exact strings.
type Status string

const (
	StatusNew            Status = "new"
	StatusOCRQueued      Status = "ocr_queued"
	StatusOCRRunning     Status = "ocr_running"
	StatusOCRDone        Status = "ocr_done"
	StatusExtractQueued  Status = "extract_queued"
	StatusExtractRunning Status = "extract_running"
	StatusExtractDone    Status = "extract_done"
	StatusError          Status = "error"
)

var allStatuses = []Status{
	StatusNew,
	StatusOCRQueued,
	StatusOCRRunning,
	StatusOCRDone,
	StatusExtractQueued,
	StatusExtractRunning,
	StatusExtractDone,
	StatusError,
}

// Stage names a unit of pipeline work.
type Stage string

const (
	StageOCR     Stage = "ocr"
	StageExtract Stage = "extract"
)

func (s Stage) Valid() bool { return s == StageOCR || s == StageExtract }

// Queued is the status a document enters when work for the stage is submitted.
func (s Stage) Queued() Status {
	if s == StageExtract {
		return StatusExtractQueued
	}
	return StatusOCRQueued
}

// Running is the status held while a worker executes the stage.
func (s Stage) Running() Status {
	if s == StageExtract {
		return StatusExtractRunning
	}
	return StatusOCRRunning
}

// Done is the terminal success status of the stage.
func (s Stage) Done() Status {
	if s == StageExtract {
		return StatusExtractDone
	}
	return StatusOCRDone
}

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Running reports whether a worker is expected to own the document.
func (s Status) Running() bool {
	return s == StatusOCRRunning || s == StatusExtractRunning
}

// HasText reports whether a document in this status has passed OCR at least once.
func (s Status) HasText() bool {
	switch s {
	case StatusOCRDone, StatusExtractQueued, StatusExtractRunning, StatusExtractDone:
		return true
	}
	return false
}

// ParseStatus maps a stored string back to a Status.
func ParseStatus(v string) (Status, bool) {
	s := Status(v)
	return s, s.Valid()
}

// CanTransition encodes the document state machine. Submission into a
// queued status is always allowed; everything else must follow the stage order.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusOCRQueued, StatusExtractQueued:
		return true
	case StatusOCRRunning:
		return from == StatusOCRQueued
	case StatusOCRDone:
		return from == StatusOCRRunning || from == StatusOCRDone
	case StatusExtractRunning:
		return from == StatusExtractQueued
	case StatusExtractDone:
		return from == StatusExtractRunning || from == StatusExtractDone
	case StatusError:
		return from.Running() || from == StatusError
	}
	return false
}

// AllStatuses returns the statuses in pipeline order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}
