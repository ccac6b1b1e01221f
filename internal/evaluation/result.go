package evaluation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Result is the score and rank returned by the evaluation service
type Result struct {
	Score      float64   `json:"score"`
	Rank       string    `json:"rank"`
	ReceivedAt time.Time `json:"received_at"`
}

// DisplayLines renders the result for the user, e.g. "Score: 87.5", "Rank: A"
func (r *Result) DisplayLines() []string {
	return []string{
		"Score: " + strconv.FormatFloat(r.Score, 'f', -1, 64),
		"Rank: " + r.Rank,
	}
}

// String joins DisplayLines with newlines
func (r *Result) String() string {
	return strings.Join(r.DisplayLines(), "\n")
}

// responseBody is the wire form; pointers distinguish absent fields
type responseBody struct {
	Score *float64        `json:"score"`
	Rank  json.RawMessage `json:"rank"`
	Error string          `json:"error"`
}

// decodeResult parses a service response. Both score and rank must be present.
// Rank may be a string label or a number, which is rendered in its shortest form.
func decodeResult(body []byte) (*Result, error) {
	var resp responseBody
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	if resp.Error != "" {
		return nil, fmt.Errorf("service reported error: %s", resp.Error)
	}

	if resp.Score == nil {
		return nil, fmt.Errorf("response missing score")
	}

	rank, err := decodeRank(resp.Rank)
	if err != nil {
		return nil, err
	}

	return &Result{
		Score:      *resp.Score,
		Rank:       rank,
		ReceivedAt: time.Now(),
	}, nil
}

func decodeRank(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("response missing rank")
	}

	var label string
	if err := json.Unmarshal(raw, &label); err == nil {
		return label, nil
	}

	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return strconv.FormatFloat(num, 'f', -1, 64), nil
	}

	return "", fmt.Errorf("rank must be a string or number, got %s", raw)
}
