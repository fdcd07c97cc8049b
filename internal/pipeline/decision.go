package pipeline

import "github.com/kalambet/lockin/internal/classifier"

// Source names the stage that produced a Decision.
type Source string

const (
	SourceAllowlist       Source = "allowlist"
	SourceCache           Source = "cache"
	SourceStaticBlacklist Source = "static_blacklist"
	SourceStrikeSystem    Source = "strike_system"
	SourceSimilarityMatch Source = "similarity_match"
	SourceKnownList       Source = "known_list"
	SourceAI              Source = "ai"
)

// BlockType is how strongly a page is blocked.
type BlockType string

const (
	BlockNone      BlockType = "none"
	BlockGlassWall BlockType = "glass_wall"
	BlockHard      BlockType = "hard_block"
)

// Action is what the browser side should do with a decision.
type Action string

const (
	ActionNone     Action = "none"
	ActionOverlay  Action = "overlay"
	ActionRedirect Action = "redirect"
)

// Decision is the immutable outcome of one pipeline run.
type Decision struct {
	Classification classifier.Label `json:"classification"`
	Source         Source           `json:"source"`
	BlockType      BlockType        `json:"blockType"`
	StrikeCount    int              `json:"strikeCount,omitempty"`
	Reason         string           `json:"reason,omitempty"`
}

// Action maps the block type onto the browser action.
func (d Decision) Action() Action {
	switch d.BlockType {
	case BlockHard:
		return ActionRedirect
	case BlockGlassWall:
		return ActionOverlay
	default:
		return ActionNone
	}
}
