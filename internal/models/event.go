package models

// AlertType marks an event as an alert of a given kind in the event stream.
type AlertType string

const (
	AlertTypeError          AlertType = "error"
	AlertTypeWarning        AlertType = "warning"
	AlertTypeInfo           AlertType = "info"
	AlertTypeSuccess        AlertType = "success"
	AlertTypeUserUpdate     AlertType = "user_update"
	AlertTypeRecommendation AlertType = "recommendation"
	AlertTypeSnapshot       AlertType = "snapshot"
)

// Priority is the display priority of an event.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Event is the payload accepted by POST /api/v1/events.
// Title and Text are required; everything else is optional and omitted
// from the encoded JSON when unset.
type Event struct {
	// Arbitrary grouping key. Events sharing a key are aggregated in the
	// event stream. Limited to 100 characters.
	AggregationKey string    `json:"aggregation_key,omitempty"`
	AlertType      AlertType `json:"alert_type,omitempty"`
	// POSIX timestamp in seconds. The ingest API rejects events older
	// than 7 days.
	DateHappened   int64    `json:"date_happened,omitempty"`
	DeviceName     string   `json:"device_name,omitempty"`
	Host           string   `json:"host,omitempty"`
	Priority       Priority `json:"priority,omitempty"`
	RelatedEventID int64    `json:"related_event_id,omitempty"`
	// Source of the event, e.g. nagios, jenkins, chef, git.
	SourceTypeName string   `json:"source_type_name,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	// Event body, markdown supported. Limited to 4000 characters.
	Text string `json:"text"`
	// Limited to 100 characters.
	Title string `json:"title"`
}

// NewEvent returns an event with the two required fields set.
func NewEvent(title, text string) *Event {
	return &Event{Title: title, Text: text}
}

func (e *Event) SetAggregationKey(key string) *Event {
	e.AggregationKey = key
	return e
}

func (e *Event) SetAlertType(t AlertType) *Event {
	e.AlertType = t
	return e
}

func (e *Event) SetDateHappened(ts int64) *Event {
	e.DateHappened = ts
	return e
}

func (e *Event) SetDeviceName(name string) *Event {
	e.DeviceName = name
	return e
}

func (e *Event) SetHost(host string) *Event {
	e.Host = host
	return e
}

func (e *Event) SetPriority(p Priority) *Event {
	e.Priority = p
	return e
}

func (e *Event) SetRelatedEventID(id int64) *Event {
	e.RelatedEventID = id
	return e
}

func (e *Event) SetSourceTypeName(name string) *Event {
	e.SourceTypeName = name
	return e
}

func (e *Event) SetTags(tags []string) *Event {
	e.Tags = tags
	return e
}

func (e *Event) AddTag(tag string) *Event {
	e.Tags = append(e.Tags, tag)
	return e
}
