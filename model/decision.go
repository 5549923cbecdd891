package model

// Importance ranks how urgently a message needs attention.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
	ImportanceUrgent Importance = "urgent"
)

// Valid reports whether i is one of the known importance levels.
func (i Importance) Valid() bool {
	switch i {
	case ImportanceLow, ImportanceNormal, ImportanceHigh, ImportanceUrgent:
		return true
	}
	return false
}

// Status is the terminal state recorded on a decision.
type Status string

const (
	StatusSpam        Status = "spam"
	StatusReadyToSend Status = "ready_to_send"
)

// Entities are the facts pulled out of a message. Every field is optional.
type Entities struct {
	Sender        *string  `json:"sender,omitempty"`
	Organizations []string `json:"organizations,omitempty"`
	People        []string `json:"people,omitempty"`
	Dates         []string `json:"dates,omitempty"`
	Amounts       []string `json:"amounts,omitempty"`
	References    []string `json:"references,omitempty"`
}

// Compose is the outgoing message prepared for a non-spam decision.
type Compose struct {
	To            []string `json:"to"`
	Subject       string   `json:"subject"`
	BodyText      string   `json:"body_text"`
	AttachPaths   []string `json:"attach_paths"`
	IncludeRawEML bool     `json:"include_raw_eml"`
}

// Classification is what the decision engine returns for one message.
// Compose is only a proposal; the pipeline decides what is actually sent.
type Classification struct {
	IsSpam     bool       `json:"is_spam"`
	Importance Importance `json:"importance"`
	Category   string     `json:"category"`
	Entities   Entities   `json:"entities"`
	Reason     string     `json:"reason,omitempty"`
	Status     Status     `json:"status,omitempty"`
	Compose    *Compose   `json:"compose,omitempty"`
	Notes      []string   `json:"notes,omitempty"`
}

// EmailDecision is the final structured output of one pipeline run.
type EmailDecision struct {
	IsSpam     bool       `json:"is_spam"`
	Importance Importance `json:"importance"`
	Category   string     `json:"category"`
	Entities   Entities   `json:"entities"`
	Reason     string     `json:"reason,omitempty"`
	Status     Status     `json:"status"`
	Compose    *Compose   `json:"compose"`
	Notes      []string   `json:"notes"`
}

// RoutingRule maps a category to its destination.
type RoutingRule struct {
	Category      string   `yaml:"category" toml:"category" json:"category"`
	To            []string `yaml:"to" toml:"to" json:"to"`
	SubjectPrefix *string  `yaml:"subject_prefix" toml:"subject_prefix" json:"subject_prefix"`
}
