package governance

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/bureau/pkg/canonicalize"
	"github.com/Mindburn-Labs/bureau/pkg/projection"
)

// LessonSchemaVersion tags propagated lesson documents.
const LessonSchemaVersion = 1

const (
	idleStressMax       = 0.2
	maxLessonRecipients = 3
	lessonConfidence    = 0.65
)

// Lesson is one idle-window knowledge artifact shared across agents.
type Lesson struct {
	LessonID        string   `json:"lesson_id"`
	SchemaVersion   int      `json:"schema_version"`
	SourceEventType string   `json:"source_event_type"`
	SourceEventID   int64    `json:"source_event_id"`
	SourceTimestamp string   `json:"source_timestamp"`
	SourceAgent     string   `json:"source_agent"`
	Tags            []string `json:"tags"`
	Summary         string   `json:"summary"`
	Confidence      float64  `json:"confidence"`
	Recipients      []string `json:"recipients"`
}

// LessonPropagation is the result of one water-cooler evaluation.
type LessonPropagation struct {
	Triggered         bool    `json:"triggered"`
	Lesson            *Lesson `json:"lesson,omitempty"`
	PropagationMetric float64 `json:"propagation_metric"`
}

// MaybePropagateLesson shares a lesson during idle windows: a new event was
// observed while the office is paused and stress is low. The lesson id is a
// canonical hash over the source and recipients, so the same delta always
// yields the same lesson. Recipients get the lesson id appended to their
// knowledge refs; re-propagating an existing lesson is a no-op.
func MaybePropagateLesson(reg *Registry, previous, current *projection.View) (*LessonPropagation, error) {
	result := &LessonPropagation{}
	if previous == nil || current == nil || current.CurrentEvent == nil {
		return result, nil
	}
	if current.LastSeenEventID <= previous.LastSeenEventID {
		return result, nil
	}
	if current.Derived.OfficeMode != projection.OfficePaused || current.Derived.StressLevel > idleStressMax {
		return result, nil
	}

	agentIDs := reg.AgentIDs()
	if len(agentIDs) == 0 {
		return result, nil
	}

	eventType := strings.ToUpper(strings.TrimSpace(current.CurrentEvent.Type))
	// When the event resolves to no registered agent, the first registered
	// agent is credited as the source so the lesson still propagates.
	sourceAgent := resolveSubject(current.CurrentEvent, reg.Has)
	if sourceAgent == "" {
		sourceAgent = agentIDs[0]
	}

	recipients := make([]string, 0, maxLessonRecipients)
	for _, id := range agentIDs {
		if id == sourceAgent {
			continue
		}
		recipients = append(recipients, id)
		if len(recipients) == maxLessonRecipients {
			break
		}
	}
	if len(recipients) == 0 {
		return result, nil
	}

	lessonID, err := canonicalize.Hash(map[string]any{
		"source_event_id":   current.LastSeenEventID,
		"source_event_type": eventType,
		"source_agent":      sourceAgent,
		"registry_version":  reg.Version(),
		"recipients":        recipients,
	})
	if err != nil {
		return nil, fmt.Errorf("hash lesson id: %w", err)
	}

	lesson := &Lesson{
		LessonID:        lessonID,
		SchemaVersion:   LessonSchemaVersion,
		SourceEventType: eventType,
		SourceEventID:   current.LastSeenEventID,
		SourceTimestamp: current.CurrentEvent.Timestamp,
		SourceAgent:     sourceAgent,
		Tags:            []string{"governance", "water_cooler", strings.ToLower(eventType)},
		Summary:         fmt.Sprintf("Idle-window lesson from %s for deterministic governance memory.", eventType),
		Confidence:      lessonConfidence,
		Recipients:      recipients,
	}
	for _, id := range recipients {
		reg.AddLessonReference(id, lessonID)
	}

	result.Triggered = true
	result.Lesson = lesson
	result.PropagationMetric = float64(len(recipients)) / float64(len(agentIDs))
	return result, nil
}
