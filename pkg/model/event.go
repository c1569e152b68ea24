package model

// Operation names used in audit log entries and change events.
const (
	OpCreate     = "create"
	OpUpdate     = "update"
	OpDelete     = "delete"
	OpReplaceAll = "replace_all"
	OpRecover    = "recover"
	OpReload     = "reload"
	OpSync       = "sync"
)

// Event types pushed over the change stream.
const (
	EventConnected          = "connected"
	EventPing               = "ping"
	EventAnnotationsUpdated = "annotations_updated"
	EventAnnotationUpdated  = "annotation_updated"
	EventError              = "error"
)

// Sources of an annotations_updated event.
const (
	SourceReplaceAll = "replace_all"
	SourceFileWatch  = "file_watch"
	SourceAPI        = "api"
)

// AnnotationsUpdated is the payload of an annotations_updated event: the
// whole document after a replace or a reconciliation.
type AnnotationsUpdated struct {
	Annotations Document `json:"annotations"`
	Stats       Stats    `json:"stats"`
	Source      string   `json:"source"`
}

// AnnotationUpdated is the payload of an annotation_updated event: a single
// record was created, updated or deleted.
type AnnotationUpdated struct {
	Operation  string            `json:"operation"`
	PageKey    string            `json:"pageKey"`
	ElementID  string            `json:"elementId"`
	Annotation *AnnotationRecord `json:"annotation,omitempty"`
	Stats      Stats             `json:"stats"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Message string `json:"message"`
	Source  string `json:"source"`
}
