package protocol

import (
	"context"

	"github.com/rs/zerolog/log"
)

// NoteUpdatedEvent fires when file content is committed (created or
// replaced).
type NoteUpdatedEvent struct {
	UserID int64
	FileID int64
	Name   string
	MD5    string
	Kind   string // sniffed content type, e.g. "application/pdf"
}

// NoteDeletedEvent fires when a file is permanently purged.
type NoteDeletedEvent struct {
	UserID int64
	FileID int64
}

// EventSink receives change notifications for downstream consumers
// (webhooks, cache invalidation, export pipelines).
type EventSink interface {
	NoteUpdated(ctx context.Context, e NoteUpdatedEvent)
	NoteDeleted(ctx context.Context, e NoteDeletedEvent)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) NoteUpdated(context.Context, NoteUpdatedEvent) {}
func (NopSink) NoteDeleted(context.Context, NoteDeletedEvent) {}

// LogSink writes events to the structured log. The default sink when no
// external consumer is wired.
type LogSink struct{}

func (LogSink) NoteUpdated(_ context.Context, e NoteUpdatedEvent) {
	log.Info().Int64("user_id", e.UserID).Int64("file_id", e.FileID).
		Str("name", e.Name).Str("kind", e.Kind).Msg("Note updated")
}

func (LogSink) NoteDeleted(_ context.Context, e NoteDeletedEvent) {
	log.Info().Int64("user_id", e.UserID).Int64("file_id", e.FileID).Msg("Note deleted")
}
