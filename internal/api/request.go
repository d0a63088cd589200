package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/yourorg/leak-scanner/internal/model"
)

// SinceDays accepts a JSON number, a numeric string or null. Dashboards
// post form values as strings.
type SinceDays int

func (d *SinceDays) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*d = 0
		return nil
	}

	raw := string(b)
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			*d = 0
			return nil
		}
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != math.Trunc(f) {
		return fmt.Errorf("sinceDays must be a whole number, got %s", string(b))
	}
	if f < 0 {
		return fmt.Errorf("sinceDays must not be negative, got %s", string(b))
	}
	if f > math.MaxInt32 {
		return fmt.Errorf("sinceDays is too large, got %s", string(b))
	}
	*d = SinceDays(f)
	return nil
}

func (d SinceDays) Options() model.ScanOptions {
	return model.ScanOptions{SinceDays: int(d)}
}

type scanRequest struct {
	RepoName  string    `json:"repoName"`
	SinceDays SinceDays `json:"sinceDays"`
}

type scanAllRequest struct {
	SinceDays SinceDays `json:"sinceDays"`
}

type reviewRequest struct {
	ReviewStatus model.ReviewStatus `json:"reviewStatus"`
}
