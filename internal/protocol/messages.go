package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/inkworks/novelwatch/internal/analysis"
)

// MessageType identifies analysis push-channel payload variants.
type MessageType string

const (
	TypeStage       MessageType = "stage"
	TypeProgress    MessageType = "progress"
	TypeProcessing  MessageType = "processing"
	TypeChapterDone MessageType = "chapter_done"
	TypeTaskStatus  MessageType = "task_status"
)

const (
	ChapterStatusCompleted = "completed"
	ChapterStatusFailed    = "failed"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrDecode          = errors.New("malformed analysis message")
)

type Envelope struct {
	Type    MessageType `json:"type"`
	NovelID string      `json:"novel_id,omitempty"`
}

// Stage announces a transient human-readable phase, valid only mid-run.
type Stage struct {
	Type       MessageType `json:"type"`
	NovelID    string      `json:"novel_id,omitempty"`
	StageLabel string      `json:"stage_label"`
}

// Progress is the per-chapter completion update with cumulative stats.
type Progress struct {
	Type    MessageType         `json:"type"`
	NovelID string              `json:"novel_id,omitempty"`
	Chapter int                 `json:"chapter"`
	Total   int                 `json:"total"`
	Done    int                 `json:"done"`
	Stats   analysis.Stats      `json:"stats"`
	Cost    *analysis.CostStats `json:"cost,omitempty"`
}

// Processing marks the chapter currently being extracted, before any
// completion count moves.
type Processing struct {
	Type    MessageType `json:"type"`
	NovelID string      `json:"novel_id,omitempty"`
	Chapter int         `json:"chapter"`
	Total   int         `json:"total"`
}

type ChapterDone struct {
	Type    MessageType `json:"type"`
	NovelID string      `json:"novel_id,omitempty"`
	Chapter int         `json:"chapter"`
	Status  string      `json:"status"`
	Error   string      `json:"error,omitempty"`
}

type TaskStatus struct {
	Type    MessageType         `json:"type"`
	NovelID string              `json:"novel_id,omitempty"`
	Status  analysis.TaskStatus `json:"status"`
	Stats   *analysis.Stats     `json:"stats,omitempty"`
	Cost    *analysis.CostStats `json:"cost,omitempty"`
}

// ParseServerMessage decodes one push-channel payload into its typed variant.
// Decode failures wrap ErrDecode so callers can drop the message without
// guessing at the cause.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrDecode, err)
	}

	switch env.Type {
	case TypeStage:
		var msg Stage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return msg, nil
	case TypeProgress:
		var msg Progress
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if msg.Total < 0 || msg.Done < 0 {
			return nil, fmt.Errorf("%w: negative progress counters", ErrDecode)
		}
		return msg, nil
	case TypeProcessing:
		var msg Processing
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return msg, nil
	case TypeChapterDone:
		var msg ChapterDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if msg.Status == "" {
			return nil, fmt.Errorf("%w: chapter_done missing status", ErrDecode)
		}
		return msg, nil
	case TypeTaskStatus:
		var msg TaskStatus
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if msg.Status == "" {
			return nil, fmt.Errorf("%w: task_status missing status", ErrDecode)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// SubjectOf returns the novel id embedded in a parsed message, if any.
func SubjectOf(msg any) string {
	switch m := msg.(type) {
	case Stage:
		return m.NovelID
	case Progress:
		return m.NovelID
	case Processing:
		return m.NovelID
	case ChapterDone:
		return m.NovelID
	case TaskStatus:
		return m.NovelID
	default:
		return ""
	}
}
