package scan

import (
	"github.com/adhamqabban37/TruthByte/internal/analysis"
	"github.com/adhamqabban37/TruthByte/internal/camera"
)

// State is the lifecycle state of a scan
type State string

const (
	StateIdle             State = "idle"
	StateStarting         State = "starting"
	StateScanning         State = "scanning"
	StateAnalyzing        State = "analyzing"
	StateSuccess          State = "success"
	StateError            State = "error"
	StatePermissionDenied State = "permission_denied"
)

var allStates = []string{
	string(StateIdle),
	string(StateStarting),
	string(StateScanning),
	string(StateAnalyzing),
	string(StateSuccess),
	string(StateError),
	string(StatePermissionDenied),
}

// Mode selects the detector that runs while scanning
type Mode string

const (
	ModeBarcode Mode = "barcode"
	ModeLabel   Mode = "label"
)

// ParseMode accepts "barcode" or "label"
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeBarcode, ModeLabel:
		return Mode(s), true
	}
	return "", false
}

// CandidateKind says which detector produced a candidate
type CandidateKind string

const (
	KindBarcode CandidateKind = "barcode"
	KindLabel   CandidateKind = "label"
)

// Candidate is a detection that has not been analyzed yet
type Candidate struct {
	Kind CandidateKind
	// Value is the decoded symbol for barcode candidates
	Value string
	// Text and Confidence are set for label candidates
	Text       string
	Confidence float64
	// Frame is the encoded frame the label text was read from, if any
	Frame       []byte
	ContentType string
}

// Snapshot is what subscribers see after every change
type Snapshot struct {
	State        State               `json:"state"`
	Mode         Mode                `json:"mode"`
	Result       *analysis.Result    `json:"result,omitempty"`
	Capabilities camera.Capabilities `json:"capabilities"`
	Torch        bool                `json:"torch"`
	Zoom         float64             `json:"zoom"`
	// Notice is a one-shot message for a toast, such as why an analysis missed
	Notice string `json:"notice,omitempty"`
	// Clear is set while a candidate is being analyzed; the UI drops any stale result
	Clear      bool   `json:"clear"`
	Generation uint64 `json:"generation"`
}
