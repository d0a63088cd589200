package model

type ScanStatus string

const (
	StatusPending   ScanStatus = "pending"
	StatusScanning  ScanStatus = "scanning"
	StatusCompleted ScanStatus = "completed"
	StatusFailed    ScanStatus = "failed"
)

// IsTerminal reports whether no further transitions may follow s.
func (s ScanStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type ReviewStatus string

const (
	ReviewPending       ReviewStatus = "pending"
	ReviewFalsePositive ReviewStatus = "false_positive"
	ReviewConfirmed     ReviewStatus = "confirmed"
)

func (r ReviewStatus) Valid() bool {
	switch r {
	case ReviewPending, ReviewFalsePositive, ReviewConfirmed:
		return true
	}
	return false
}

// ScanResult is the metadata entry kept for every scan.
type ScanResult struct {
	ID            string     `json:"id"`
	RepoName      string     `json:"repoName"`
	RepoURL       string     `json:"repoUrl"`
	Timestamp     string     `json:"timestamp"`
	CommitCount   int        `json:"commitCount"`
	SinceDays     *int       `json:"sinceDays,omitempty"`
	ReportPath    string     `json:"reportPath"`
	FindingsCount int        `json:"findingsCount"`
	Status        ScanStatus `json:"status"`
	Error         string     `json:"error,omitempty"`
	Stage         string     `json:"stage,omitempty"`
	Progress      int        `json:"progress"`
	ArchiveKey    string     `json:"archiveKey,omitempty"`
}

// LeakFinding is one gitleaks finding. Everything except ID and ReviewStatus
// is copied verbatim from the gitleaks JSON report.
type LeakFinding struct {
	ID           string       `json:"id"`
	Description  string       `json:"Description"`
	StartLine    int          `json:"StartLine"`
	EndLine      int          `json:"EndLine"`
	StartColumn  int          `json:"StartColumn"`
	EndColumn    int          `json:"EndColumn"`
	Match        string       `json:"Match"`
	Secret       string       `json:"Secret"`
	File         string       `json:"File"`
	Commit       string       `json:"Commit"`
	Entropy      float64      `json:"Entropy"`
	Author       string       `json:"Author"`
	Email        string       `json:"Email"`
	Date         string       `json:"Date"`
	Message      string       `json:"Message"`
	Tags         []string     `json:"Tags"`
	RuleID       string       `json:"RuleID"`
	Fingerprint  string       `json:"Fingerprint"`
	ReviewStatus ReviewStatus `json:"reviewStatus"`
}

// ScanReport is the detail record: metadata plus ordered findings.
type ScanReport struct {
	ScanResult
	Findings []LeakFinding `json:"findings"`
}

type Stats struct {
	TotalScans     int `json:"totalScans"`
	TotalCommits   int `json:"totalCommits"`
	TotalFindings  int `json:"totalFindings"`
	ConfirmedLeaks int `json:"confirmedLeaks"`
	FalsePositives int `json:"falsePositives"`
	PendingReview  int `json:"pendingReview"`
}

// Add buckets one finding by its review status. Anything that is not
// confirmed or a false positive counts as pending review.
func (s *Stats) Add(f LeakFinding) {
	s.TotalFindings++
	switch f.ReviewStatus {
	case ReviewConfirmed:
		s.ConfirmedLeaks++
	case ReviewFalsePositive:
		s.FalsePositives++
	default:
		s.PendingReview++
	}
}
