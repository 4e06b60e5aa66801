package db

import (
	"time"

	"github.com/google/uuid"
)

// AssetStatus constants
const (
	AssetStatusPending    = "PENDING"
	AssetStatusProcessing = "PROCESSING"
	AssetStatusProcessed  = "PROCESSED"
	AssetStatusApproved   = "APPROVED"
	AssetStatusError      = "ERROR"
)

// StartableStatuses are the statuses a new run may start from.
var StartableStatuses = []string{AssetStatusPending, AssetStatusError}

// RetryableStatuses additionally allow re-running a PROCESSED asset.
var RetryableStatuses = []string{AssetStatusPending, AssetStatusError, AssetStatusProcessed}

// assetTransitions lists the legal edges of the asset state machine.
var assetTransitions = map[string][]string{
	AssetStatusPending:    {AssetStatusProcessing},
	AssetStatusProcessing: {AssetStatusProcessed, AssetStatusError},
	AssetStatusProcessed:  {AssetStatusApproved, AssetStatusProcessing},
	AssetStatusError:      {AssetStatusProcessing},
	AssetStatusApproved:   {},
}

// CanTransition reports whether the asset state machine has an edge from -> to.
func CanTransition(from, to string) bool {
	for _, next := range assetTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValidAssetStatus reports whether s is one of the known asset statuses.
func IsValidAssetStatus(s string) bool {
	_, ok := assetTransitions[s]
	return ok
}

// Highlight is a short quotable snippet derived from an asset's content.
type Highlight struct {
	Text       string   `json:"text"`
	Type       string   `json:"type"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Asset represents one uploaded object and its derived analysis
type Asset struct {
	ID         uuid.UUID `json:"id"`
	AccountID  uuid.UUID `json:"account_id"`
	StorageKey string    `json:"storage_key"`
	FileType   string    `json:"file_type"`
	FileName   *string   `json:"file_name,omitempty"`
	SizeBytes  *int64    `json:"size_bytes,omitempty"`
	Status     string    `json:"status"`

	ExtractedText  *string     `json:"extracted_text,omitempty"`
	ContentType    *string     `json:"content_type,omitempty"`
	AudienceTags   []string    `json:"audience_tags,omitempty"`
	PainTags       []string    `json:"pain_tags,omitempty"`
	Highlights     []Highlight `json:"highlights,omitempty"`
	BrandVoice     *string     `json:"brand_voice,omitempty"`
	ProcessingNote *string     `json:"processing_note,omitempty"`

	// RunID is the current owner token; only set while PROCESSING.
	RunID *uuid.UUID `json:"-"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CustomCreatedAt *time.Time `json:"custom_created_at,omitempty"`
	LastReviewedAt  *time.Time `json:"last_reviewed_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// AssetInput represents input for registering a newly uploaded asset
type AssetInput struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	StorageKey string
	FileType   string
	FileName   string
	SizeBytes  int64
	ExpiresAt  *time.Time
}

// DerivedContent is the result of a successful run written onto the asset.
// Nil fields are stored as NULL.
type DerivedContent struct {
	ExtractedText *string
	ContentType   *string
	AudienceTags  []string
	PainTags      []string
	Highlights    []Highlight
	BrandVoice    *string
}
