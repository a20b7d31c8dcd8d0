package models

import "time"

// BranchStatus represents the current state of a branch.
type BranchStatus string

const (
	BranchStatusActive   BranchStatus = "active"
	BranchStatusMerged   BranchStatus = "merged"
	BranchStatusArchived BranchStatus = "archived"
)

// MergeStrategy defines how branches are merged.
type MergeStrategy string

const (
	// MergeStrategyReplace replaces the target branch history with the source.
	MergeStrategyReplace MergeStrategy = "replace"

	// MergeStrategyContinue appends source messages after target's divergence point.
	MergeStrategyContinue MergeStrategy = "continue"

	// MergeStrategyInterleave interleaves messages by timestamp.
	MergeStrategyInterleave MergeStrategy = "interleave"
)

// Branch represents a conversation branch within a session. Branches allow
// exploring alternative conversation paths from any point.
type Branch struct {
	// ID is the unique identifier for this branch.
	ID string `json:"id"`

	// SessionID is the session this branch belongs to.
	SessionID string `json:"session_id"`

	// ParentBranchID is the ID of the parent branch (nil for primary branch).
	ParentBranchID *string `json:"parent_branch_id,omitempty"`

	// Name is a human-readable name for the branch.
	Name string `json:"name"`

	// Description provides optional context about the branch purpose.
	Description string `json:"description,omitempty"`

	// BranchPoint is the sequence number in the parent branch where this branch diverges.
	// Messages with sequence <= BranchPoint are inherited from parent.
	BranchPoint int64 `json:"branch_point"`

	// Status indicates whether the branch is active, merged, or archived.
	Status BranchStatus `json:"status"`

	// IsPrimary indicates if this is the session's primary (main) branch.
	IsPrimary bool `json:"is_primary"`

	// Metadata stores additional branch-specific data.
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt is when the branch was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the branch was last modified.
	UpdatedAt time.Time `json:"updated_at"`

	// MergedAt is when the branch was merged (if applicable).
	MergedAt *time.Time `json:"merged_at,omitempty"`
}

// BranchMerge records a merge operation between branches.
type BranchMerge struct {
	ID                   string         `json:"id"`
	SourceBranchID       string         `json:"source_branch_id"`
	TargetBranchID       string         `json:"target_branch_id"`
	Strategy             MergeStrategy  `json:"strategy"`
	SourceSequenceStart  int64          `json:"source_sequence_start"`
	SourceSequenceEnd    int64          `json:"source_sequence_end"`
	TargetSequenceInsert int64          `json:"target_sequence_insert"`
	MessageCount         int            `json:"message_count"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	MergedAt             time.Time      `json:"merged_at"`
	MergedBy             string         `json:"merged_by,omitempty"`
}

// BranchTree represents the hierarchical structure of branches in a session.
type BranchTree struct {
	Branch       *Branch       `json:"branch"`
	Children     []*BranchTree `json:"children,omitempty"`
	MessageCount int           `json:"message_count"`
	Depth        int           `json:"depth"`
}

// BranchPath represents the full ancestry path to a branch.
type BranchPath struct {
	BranchID string    `json:"branch_id"`
	Path     []string  `json:"path"`
	Branches []*Branch `json:"branches,omitempty"`
}

// BranchStats contains statistics about a branch.
type BranchStats struct {
	BranchID         string     `json:"branch_id"`
	TotalMessages    int        `json:"total_messages"`
	OwnMessages      int        `json:"own_messages"`
	ChildBranchCount int        `json:"child_branch_count"`
	LastMessageAt    *time.Time `json:"last_message_at,omitempty"`
}

// BranchCompare contains comparison data between two branches.
type BranchCompare struct {
	SourceBranch    *Branch `json:"source_branch"`
	TargetBranch    *Branch `json:"target_branch"`
	CommonAncestor  *Branch `json:"common_ancestor,omitempty"`
	DivergencePoint int64   `json:"divergence_point"`
	SourceAhead     int     `json:"source_ahead"`
	TargetAhead     int     `json:"target_ahead"`
}

// NewBranch creates a new branch with default values.
func NewBranch(sessionID, name string) *Branch {
	now := time.Now()
	return &Branch{
		SessionID: sessionID,
		Name:      name,
		Status:    BranchStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewPrimaryBranch creates the primary branch for a session.
func NewPrimaryBranch(sessionID string) *Branch {
	branch := NewBranch(sessionID, "main")
	branch.IsPrimary = true
	branch.Description = "Primary conversation branch"
	return branch
}

// IsRoot returns true if this is a root branch (no parent).
func (b *Branch) IsRoot() bool {
	return b.ParentBranchID == nil
}

// CanMerge checks if this branch can be merged.
func (b *Branch) CanMerge() bool {
	return b.Status == BranchStatusActive && !b.IsPrimary
}

// CanArchive checks if this branch can be archived.
func (b *Branch) CanArchive() bool {
	return b.Status == BranchStatusActive && !b.IsPrimary
}
