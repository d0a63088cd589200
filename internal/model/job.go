package model

// RepoConfig identifies a scan target.
type RepoConfig struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// ScanOptions narrows what a scan looks at. SinceDays == 0 means full history.
type ScanOptions struct {
	SinceDays int `json:"sinceDays,omitempty"`
}
