// Package capture is the write path from the notification source into
// the outbox: every captured event must reach durable storage before
// the call returns, or the caller is told so it can keep the source
// notification alive.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relaymsg/internal/clock"
	"github.com/agentworkforce/relaymsg/internal/outbox"
)

// ErrInvalidPayload marks input that can never be stored: malformed
// JSON or a document missing required fields. Distinct from storage
// faults, which are transient and worth retrying.
var ErrInvalidPayload = errors.New("invalid capture payload")

type Input struct {
	ConversationName string
	Sender           string
	Body             string
	RawPayload       []byte
	Self             bool
}

type Ingestor struct {
	store  outbox.EventStore
	hub    *Hub
	clock  clock.Clock
	log    *slog.Logger
	schema *jsonschema.Schema
}

func NewIngestor(store outbox.EventStore, hub *Hub, clk clock.Clock, log *slog.Logger) (*Ingestor, error) {
	if store == nil {
		return nil, errors.New("capture: event store is required")
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	schema, err := compileCaptureSchema()
	if err != nil {
		return nil, fmt.Errorf("capture: compile schema: %w", err)
	}
	return &Ingestor{store: store, hub: hub, clock: clk, log: log, schema: schema}, nil
}

// Ingest stores one event. The returned error is either
// ErrInvalidPayload or a *outbox.StorageError; nothing is swallowed.
func (i *Ingestor) Ingest(ctx context.Context, in Input) (outbox.EventID, error) {
	if strings.TrimSpace(in.ConversationName) == "" || strings.TrimSpace(in.Sender) == "" {
		return "", fmt.Errorf("%w: conversation name and sender are required", ErrInvalidPayload)
	}
	id, err := i.store.AppendEvent(ctx, outbox.AppendInput{
		ConversationName: in.ConversationName,
		Sender:           in.Sender,
		Body:             in.Body,
		RawPayload:       in.RawPayload,
		Self:             in.Self,
	})
	if err != nil {
		if errors.Is(err, outbox.ErrInvalidInput) {
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return "", err
	}
	if i.hub != nil {
		i.hub.Publish(Notice{
			EventID:          id,
			ConversationName: in.ConversationName,
			Sender:           in.Sender,
			Body:             in.Body,
			Self:             in.Self,
			CreatedAt:        i.clock.Now().UTC(),
		})
	}
	i.log.Debug("event captured", "event", id, "conversation", in.ConversationName)
	return id, nil
}

// IngestRaw validates a JSON capture document against the payload
// schema and stores it with the original bytes attached.
func (i *Ingestor) IngestRaw(ctx context.Context, raw []byte) (outbox.EventID, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := i.schema.Validate(doc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	fields, ok := doc.(map[string]any)
	if !ok {
		return "", fmt.Errorf("%w: not an object", ErrInvalidPayload)
	}
	in := Input{
		ConversationName: stringField(fields, "chat_room"),
		Sender:           stringField(fields, "sender_name"),
		Body:             stringField(fields, "text"),
		RawPayload:       raw,
	}
	if self, ok := fields["self"].(bool); ok {
		in.Self = self
	}
	return i.Ingest(ctx, in)
}

func stringField(fields map[string]any, key string) string {
	value, _ := fields[key].(string)
	return value
}
