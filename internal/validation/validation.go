package validation

import (
	"errors"
	"time"

	"github.com/mbeaumont/datadog-relay/internal/models"
)

// Ingest API limits. Payloads breaching these are rejected upstream, so the
// relay rejects them at intake instead of burning retries on them.
const (
	TitleMaxLen          = 100
	TextMaxLen           = 4000
	AggregationKeyMaxLen = 100
	MetricNameMaxLen     = 200
	TagMaxLen            = 200

	// Events older than this are refused by the event stream.
	MaxEventAge = 7 * 24 * time.Hour

	// Accepted point timestamp window around now.
	MaxPointAge    = time.Hour
	MaxPointFuture = 10 * time.Minute
)

var (
	ErrTitleEmpty            = errors.New("event title is required")
	ErrTitleTooLong          = errors.New("event title too long")
	ErrTextEmpty             = errors.New("event text is required")
	ErrTextTooLong           = errors.New("event text too long")
	ErrAggregationKeyTooLong = errors.New("aggregation key too long")
	ErrAlertTypeInvalid      = errors.New("invalid alert type")
	ErrPriorityInvalid       = errors.New("invalid priority")
	ErrEventTooOld           = errors.New("event timestamp too old")
	ErrTagEmpty              = errors.New("empty tag")
	ErrTagTooLong            = errors.New("tag too long")

	ErrMetricEmpty       = errors.New("metric name is required")
	ErrMetricTooLong     = errors.New("metric name too long")
	ErrMetricInvalidChar = errors.New("metric name contains invalid characters")
	ErrMetricTypeInvalid = errors.New("invalid metric type")
	ErrNoPoints          = errors.New("series has no points")
	ErrPointInFuture     = errors.New("point timestamp too far in the future")
	ErrPointTooOld       = errors.New("point timestamp too old")
)

// ValidateEvent checks an event against the ingest API limits. now anchors
// the timestamp window so tests can pin it.
func ValidateEvent(e *models.Event, now time.Time) error {
	if e.Title == "" {
		return ErrTitleEmpty
	}
	if len([]rune(e.Title)) > TitleMaxLen {
		return ErrTitleTooLong
	}
	if e.Text == "" {
		return ErrTextEmpty
	}
	if len([]rune(e.Text)) > TextMaxLen {
		return ErrTextTooLong
	}
	if len([]rune(e.AggregationKey)) > AggregationKeyMaxLen {
		return ErrAggregationKeyTooLong
	}
	if e.AlertType != "" && !validAlertType(e.AlertType) {
		return ErrAlertTypeInvalid
	}
	if e.Priority != "" && e.Priority != models.PriorityNormal && e.Priority != models.PriorityLow {
		return ErrPriorityInvalid
	}
	if e.DateHappened != 0 {
		happened := time.Unix(e.DateHappened, 0)
		if now.Sub(happened) > MaxEventAge {
			return ErrEventTooOld
		}
	}
	return validateTags(e.Tags)
}

// ValidateSeries checks a series against the ingest API limits.
func ValidateSeries(s *models.Series, now time.Time) error {
	if s.Metric == "" {
		return ErrMetricEmpty
	}
	if len(s.Metric) > MetricNameMaxLen {
		return ErrMetricTooLong
	}
	if !validMetricName(s.Metric) {
		return ErrMetricInvalidChar
	}
	switch s.Type {
	case models.MetricTypeCount, models.MetricTypeGauge, models.MetricTypeRate:
	default:
		return ErrMetricTypeInvalid
	}
	if len(s.Points) == 0 {
		return ErrNoPoints
	}
	for _, p := range s.Points {
		ts := time.Unix(int64(p.Timestamp), 0)
		if ts.Sub(now) > MaxPointFuture {
			return ErrPointInFuture
		}
		if now.Sub(ts) > MaxPointAge {
			return ErrPointTooOld
		}
	}
	return validateTags(s.Tags)
}

// validMetricName requires an ASCII letter first, then letters, digits,
// underscores, or dots.
func validMetricName(name string) bool {
	for i, c := range name {
		isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if i == 0 {
			if !isLetter {
				return false
			}
			continue
		}
		if isLetter || (c >= '0' && c <= '9') || c == '_' || c == '.' {
			continue
		}
		return false
	}
	return true
}

func validAlertType(t models.AlertType) bool {
	switch t {
	case models.AlertTypeError, models.AlertTypeWarning, models.AlertTypeInfo,
		models.AlertTypeSuccess, models.AlertTypeUserUpdate,
		models.AlertTypeRecommendation, models.AlertTypeSnapshot:
		return true
	}
	return false
}

func validateTags(tags []string) error {
	for _, tag := range tags {
		if tag == "" {
			return ErrTagEmpty
		}
		if len([]rune(tag)) > TagMaxLen {
			return ErrTagTooLong
		}
	}
	return nil
}
