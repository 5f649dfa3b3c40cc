// Package domain contains core domain types for the AntiRisk advisor desk.
package domain

import (
	"time"
)

// TrainingModule is a catalog entry for generated training content.
type TrainingModule struct {
	ID            string    `json:"id"`
	Topic         string    `json:"topic"`
	Audience      string    `json:"target_audience"`
	Week          int       `json:"week,omitempty"`
	Content       string    `json:"content"`
	GeneratedDate string    `json:"generated_date"`
	Timestamp     time.Time `json:"timestamp"`
	Sources       []Source  `json:"sources,omitempty"`
}

// Artifact returns the offline representation of the module.
func (m TrainingModule) Artifact() Artifact {
	return Artifact{
		ID:            m.ID,
		Content:       m.Content,
		Topic:         m.Topic,
		Audience:      m.Audience,
		GeneratedDate: m.GeneratedDate,
		Timestamp:     m.Timestamp,
		Sources:       append([]Source(nil), m.Sources...),
	}
}

// Artifact is a generated item promoted into the offline cache.
// Its ID is shared with the catalog entry it was downloaded from.
type Artifact struct {
	ID            string    `json:"id"`
	Content       string    `json:"content"`
	Topic         string    `json:"topic"`
	Audience      string    `json:"target_audience"`
	GeneratedDate string    `json:"generated_date"`
	Timestamp     time.Time `json:"timestamp"`
	Sources       []Source  `json:"sources,omitempty"`
}

// Keys of the small state region. Each value is a JSON array, except
// KeyActiveSession which holds a JSON string. Profile, reports, tips and
// custom templates belong to other dashboard screens; their keys are listed
// so the layout stays shared.
const (
	KeyProfile         = "profile"
	KeySessions        = "sessions"
	KeyActiveSession   = "active_session"
	KeyReports         = "reports"
	KeyTips            = "tips"
	KeyKnowledgeBase   = "knowledge_base"
	KeyCustomTemplates = "custom_templates"
	KeyTraining        = "training"
)

// KnowledgeDocument is an operator-supplied reference document.
type KnowledgeDocument struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	DateAdded time.Time `json:"date_added"`
}
