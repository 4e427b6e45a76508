package services

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/subculture-collective/agentrun/internal/models"
	"github.com/subculture-collective/agentrun/pkg/broker"
)

// StreamService serves resumable run event streams. The response list is the
// source of truth; pub/sub only wakes subscribers. Re-reading from the last
// processed index makes coalesced or reordered notifications harmless.
type StreamService struct {
	runs   RunStore
	broker *broker.Client
	log    *zap.Logger
}

func NewStreamService(runs RunStore, b *broker.Client, log *zap.Logger) *StreamService {
	return &StreamService{runs: runs, broker: b, log: log.Named("stream")}
}

// controlStatus maps a control signal to the status a subscriber reports.
func controlStatus(signal string) string {
	switch signal {
	case broker.ControlStop:
		return "stopped"
	case broker.ControlEndStream:
		return "completed"
	case broker.ControlError:
		return "failed"
	}
	return "error"
}

func statusEvent(status string) []byte {
	b, _ := json.Marshal(models.StatusEnvelope{Type: "status", Status: status})
	return b
}

// Subscribe replays and then follows one run's stream, invoking emit for
// every event in list order. It returns when the stream reaches a terminal
// event, the context is cancelled, or emit fails. All exit paths tear the
// pub/sub connection down.
func (s *StreamService) Subscribe(ctx context.Context, runID uuid.UUID, emit func([]byte) error) error {
	runKey := runID.String()
	listKey := broker.RunResponsesKey(runKey)
	responseCh := broker.RunResponseChannel(runKey)
	controlCh := broker.RunControlChannel(runKey)

	// Subscribing before the replay closes the gap between reading the list
	// and receiving wake signals for appends that race the replay.
	pubsub := s.broker.Subscribe(ctx, responseCh, controlCh)
	defer func() {
		if err := pubsub.Close(); err != nil {
			s.log.Debug("pubsub close", zap.String("agent_run_id", runKey), zap.Error(err))
		}
	}()

	items, err := s.broker.LRange(ctx, listKey, 0, -1)
	if err != nil {
		return err
	}
	lastIndex := int64(len(items)) - 1
	sawTerminal := false
	for _, item := range items {
		if err := emit([]byte(item)); err != nil {
			return nil
		}
		if typ, status := models.EnvelopeStatus([]byte(item)); typ == "status" && models.IsTerminalStreamStatus(status) {
			sawTerminal = true
		}
	}
	if sawTerminal {
		// The replayed tail already carried the terminal event.
		return nil
	}

	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		_ = emit(statusEvent(string(run.Status)))
		return nil
	}

	msgCh := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			// Client disconnect; cancellation is not an error.
			return nil
		case msg, ok := <-msgCh:
			if !ok {
				// Listener failure: report and close rather than hanging.
				_ = emit(statusEvent("error"))
				return nil
			}
			switch msg.Channel {
			case controlCh:
				_ = emit(statusEvent(controlStatus(msg.Payload)))
				return nil
			case responseCh:
				terminal, err := s.drainNew(ctx, listKey, &lastIndex, emit)
				if err != nil {
					return err
				}
				if terminal {
					return nil
				}
			}
		}
	}
}

// drainNew re-reads the list past the recorded index and emits everything
// new. Returns true when a terminal status envelope went out.
func (s *StreamService) drainNew(ctx context.Context, listKey string, lastIndex *int64, emit func([]byte) error) (bool, error) {
	items, err := s.broker.LRange(ctx, listKey, *lastIndex+1, -1)
	if err != nil {
		return false, err
	}
	terminal := false
	for _, item := range items {
		if err := emit([]byte(item)); err != nil {
			return true, nil
		}
		*lastIndex++
		if typ, status := models.EnvelopeStatus([]byte(item)); typ == "status" && models.IsTerminalStreamStatus(status) {
			terminal = true
		}
	}
	return terminal, nil
}
