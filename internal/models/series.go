package models

import (
	"encoding/json"
	"fmt"
)

// MetricType is the type of a submitted timeseries.
type MetricType string

const (
	MetricTypeCount MetricType = "count"
	MetricTypeGauge MetricType = "gauge"
	MetricTypeRate  MetricType = "rate"
)

// Point is a single sample: POSIX timestamp in seconds and a scalar value.
// The ingest API encodes points as two-element arrays, [timestamp, value],
// and accepts timestamps no more than ten minutes in the future or one
// hour in the past.
type Point struct {
	Timestamp uint64
	Value     float64
}

// NewPoint returns a point for the given timestamp and value.
func NewPoint(timestamp uint64, value float64) Point {
	return Point{Timestamp: timestamp, Value: value}
}

// MarshalJSON encodes the point as [timestamp, value].
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{p.Timestamp, p.Value})
}

// UnmarshalJSON decodes a [timestamp, value] pair.
func (p *Point) UnmarshalJSON(data []byte) error {
	var pair []json.Number
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("point: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("point: expected [timestamp, value], got %d elements", len(pair))
	}
	ts, err := pair[0].Int64()
	if err != nil || ts < 0 {
		return fmt.Errorf("point: invalid timestamp %q", pair[0])
	}
	val, err := pair[1].Float64()
	if err != nil {
		return fmt.Errorf("point: invalid value %q", pair[1])
	}
	p.Timestamp = uint64(ts)
	p.Value = val
	return nil
}

// Series is one timeseries in a POST /api/v1/series submission.
type Series struct {
	Host string `json:"host,omitempty"`
	// Interval in seconds between points. Only meaningful for count and
	// rate metrics.
	Interval int64      `json:"interval,omitempty"`
	Metric   string     `json:"metric"`
	Points   []Point    `json:"points"`
	Tags     []string   `json:"tags"`
	Type     MetricType `json:"type"`
}

// NewSeries returns a series for the given metric name and type.
// Points and Tags start empty (encoded as [], not null).
func NewSeries(metric string, t MetricType) *Series {
	return &Series{
		Metric: metric,
		Points: []Point{},
		Tags:   []string{},
		Type:   t,
	}
}

func (s *Series) SetHost(host string) *Series {
	s.Host = host
	return s
}

func (s *Series) SetInterval(interval int64) *Series {
	s.Interval = interval
	return s
}

func (s *Series) SetPoints(points []Point) *Series {
	s.Points = points
	return s
}

func (s *Series) AddPoint(p Point) *Series {
	s.Points = append(s.Points, p)
	return s
}

func (s *Series) SetTags(tags []string) *Series {
	s.Tags = tags
	return s
}

func (s *Series) AddTag(tag string) *Series {
	s.Tags = append(s.Tags, tag)
	return s
}
