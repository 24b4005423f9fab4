package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Payload is the closed set of domain facts exchanged between bounded
// contexts. The bus itself never decodes payloads; producers and consumers
// use the tag to pick a variant.
type Payload interface {
	// Tag is the envelope type the payload travels under
	Tag() string
	// AggregateID is the natural partition key of the payload
	AggregateID() string

	sealed()
}

// Payload tags
const (
	TagConversationCreated      = "conversation.created"
	TagConversationTitleUpdated = "conversation.title_updated"
	TagConversationArchived     = "conversation.archived"
	TagConversationUnarchived   = "conversation.unarchived"
	TagConversationDeleted      = "conversation.deleted"
	TagMessageAdded             = "conversation.message_added"
	TagArtifactCreated          = "artifact.created"
	TagArtifactUpdated          = "artifact.updated"
	TagAgentInvoked             = "agent.invoked"
	TagKnowledgeItemIndexed     = "knowledge.item_indexed"
	TagUserRegistered           = "user.registered"
	TagProjectCreated           = "project.created"
)

// ConversationFact carries the fields shared by all conversation events
type ConversationFact struct {
	ConversationID uuid.UUID `json:"conversationId"`
	UserID         uuid.UUID `json:"userId"`
	Timestamp      time.Time `json:"timestamp"`
}

func (c ConversationFact) AggregateID() string { return c.ConversationID.String() }

type ConversationCreated struct {
	ConversationFact
	Title string `json:"title"`
}

type ConversationTitleUpdated struct {
	ConversationFact
	NewTitle string `json:"newTitle"`
	OldTitle string `json:"oldTitle"`
}

type ConversationArchived struct {
	ConversationFact
}

type ConversationUnarchived struct {
	ConversationFact
}

type ConversationDeleted struct {
	ConversationFact
}

// MessageAdded is raised when a user, agent or system message is appended
type MessageAdded struct {
	ConversationFact
	MessageID   uuid.UUID         `json:"messageId"`
	MessageType string            `json:"messageType"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type ArtifactCreated struct {
	ArtifactID uuid.UUID `json:"artifactId"`
	ProjectID  uuid.UUID `json:"projectId"`
	Name       string    `json:"name"`
	MediaType  string    `json:"mediaType"`
	Version    int       `json:"version"`
}

type ArtifactUpdated struct {
	ArtifactID uuid.UUID `json:"artifactId"`
	Version    int       `json:"version"`
	Summary    string    `json:"summary,omitempty"`
}

type AgentInvoked struct {
	AgentID        uuid.UUID `json:"agentId"`
	ConversationID uuid.UUID `json:"conversationId"`
	Capability     string    `json:"capability"`
}

type KnowledgeItemIndexed struct {
	ItemID    uuid.UUID `json:"itemId"`
	ProjectID uuid.UUID `json:"projectId"`
	Source    string    `json:"source"`
	Chunks    int       `json:"chunks"`
}

type UserRegistered struct {
	UserID uuid.UUID `json:"userId"`
	Email  string    `json:"email"`
}

type ProjectCreated struct {
	ProjectID uuid.UUID `json:"projectId"`
	OwnerID   uuid.UUID `json:"ownerId"`
	Name      string    `json:"name"`
}

func (ConversationCreated) Tag() string      { return TagConversationCreated }
func (ConversationTitleUpdated) Tag() string { return TagConversationTitleUpdated }
func (ConversationArchived) Tag() string     { return TagConversationArchived }
func (ConversationUnarchived) Tag() string   { return TagConversationUnarchived }
func (ConversationDeleted) Tag() string      { return TagConversationDeleted }
func (MessageAdded) Tag() string             { return TagMessageAdded }
func (ArtifactCreated) Tag() string          { return TagArtifactCreated }
func (ArtifactUpdated) Tag() string          { return TagArtifactUpdated }
func (AgentInvoked) Tag() string             { return TagAgentInvoked }
func (KnowledgeItemIndexed) Tag() string     { return TagKnowledgeItemIndexed }
func (UserRegistered) Tag() string           { return TagUserRegistered }
func (ProjectCreated) Tag() string           { return TagProjectCreated }

func (p ArtifactCreated) AggregateID() string      { return p.ArtifactID.String() }
func (p ArtifactUpdated) AggregateID() string      { return p.ArtifactID.String() }
func (p AgentInvoked) AggregateID() string         { return p.ConversationID.String() }
func (p KnowledgeItemIndexed) AggregateID() string { return p.ItemID.String() }
func (p UserRegistered) AggregateID() string       { return p.UserID.String() }
func (p ProjectCreated) AggregateID() string       { return p.ProjectID.String() }

func (ConversationCreated) sealed()      {}
func (ConversationTitleUpdated) sealed() {}
func (ConversationArchived) sealed()     {}
func (ConversationUnarchived) sealed()   {}
func (ConversationDeleted) sealed()      {}
func (MessageAdded) sealed()             {}
func (ArtifactCreated) sealed()          {}
func (ArtifactUpdated) sealed()          {}
func (AgentInvoked) sealed()             {}
func (KnowledgeItemIndexed) sealed()     {}
func (UserRegistered) sealed()           {}
func (ProjectCreated) sealed()           {}

// PayloadFactories returns a constructor for every known variant, keyed by tag
func PayloadFactories() map[string]func() Payload {
	return map[string]func() Payload{
		TagConversationCreated:      func() Payload { return &ConversationCreated{} },
		TagConversationTitleUpdated: func() Payload { return &ConversationTitleUpdated{} },
		TagConversationArchived:     func() Payload { return &ConversationArchived{} },
		TagConversationUnarchived:   func() Payload { return &ConversationUnarchived{} },
		TagConversationDeleted:      func() Payload { return &ConversationDeleted{} },
		TagMessageAdded:             func() Payload { return &MessageAdded{} },
		TagArtifactCreated:          func() Payload { return &ArtifactCreated{} },
		TagArtifactUpdated:          func() Payload { return &ArtifactUpdated{} },
		TagAgentInvoked:             func() Payload { return &AgentInvoked{} },
		TagKnowledgeItemIndexed:     func() Payload { return &KnowledgeItemIndexed{} },
		TagUserRegistered:           func() Payload { return &UserRegistered{} },
		TagProjectCreated:           func() Payload { return &ProjectCreated{} },
	}
}
