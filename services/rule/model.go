package rule

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Reward types the engine understands. "custom" covers admin-defined rules
// fired manually.
const (
	TypeCourseCompletion     = "course_completion"
	TypeExamScore            = "exam_score"
	TypeDailyLogin           = "daily_login"
	TypeAssignmentSubmission = "assignment_submission"
	TypeQuizPerfect          = "quiz_perfect"
	TypeStreakBonus          = "streak_bonus"
	TypeReferral             = "referral"
	TypeAchievement          = "achievement"
	TypeCustom               = "custom"
)

var rewardTypes = map[string]bool{
	TypeCourseCompletion:     true,
	TypeExamScore:            true,
	TypeDailyLogin:           true,
	TypeAssignmentSubmission: true,
	TypeQuizPerfect:          true,
	TypeStreakBonus:          true,
	TypeReferral:             true,
	TypeAchievement:          true,
	TypeCustom:               true,
}

// ValidType reports whether t is a known reward type.
func ValidType(t string) bool { return rewardTypes[t] }

const (
	TriggerAutomatic   = "automatic"
	TriggerManual      = "manual"
	TriggerScheduled   = "scheduled"
	TriggerConditional = "conditional"
)

var triggerTypes = map[string]bool{
	TriggerAutomatic:   true,
	TriggerManual:      true,
	TriggerScheduled:   true,
	TriggerConditional: true,
}

// ValidTrigger reports whether t is a known trigger mode.
func ValidTrigger(t string) bool { return triggerTypes[t] }

// Condition is one clause of a rule's condition list. The operator vocabulary
// is closed; conditions combine with logical AND only.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// RewardRule is a configured condition -> payout mapping.
type RewardRule struct {
	RuleID      string         `gorm:"column:rule_id;primaryKey" json:"id"`
	Name        string         `gorm:"column:name;not null" json:"name"`
	Description string         `gorm:"column:description" json:"description,omitempty"`
	Type        string         `gorm:"column:type;type:varchar(30);index;not null" json:"type"`
	Trigger     string         `gorm:"column:trigger;type:varchar(20);not null" json:"trigger"`
	Conditions  datatypes.JSON `gorm:"column:conditions;type:jsonb" json:"conditions"`
	TokenAmount int64          `gorm:"column:token_amount;not null" json:"tokenAmount"`
	TokenSymbol string         `gorm:"column:token_symbol;type:varchar(10);not null" json:"tokenSymbol"`
	IsActive    bool           `gorm:"column:is_active;index" json:"isActive"`
	Priority    int32          `gorm:"column:priority;not null;default:1" json:"priority"`
	UsageCount  int64          `gorm:"column:usage_count;not null;default:0" json:"usageCount"`
	LastUsedAt  *time.Time     `gorm:"column:last_used_at" json:"lastUsedAt,omitempty"`
	CreatedAt   time.Time      `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt   time.Time      `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName sets the table name for the RewardRule model.
func (RewardRule) TableName() string { return "reward_rules" }

// SetConditions encodes the condition list onto the row. A nil list is stored
// as an empty array; conditions are never null.
func (r *RewardRule) SetConditions(conditions []Condition) error {
	if conditions == nil {
		conditions = []Condition{}
	}
	b, err := json.Marshal(conditions)
	if err != nil {
		return err
	}
	r.Conditions = datatypes.JSON(b)
	return nil
}

// GetConditions decodes the stored condition list.
func (r *RewardRule) GetConditions() ([]Condition, error) {
	if len(r.Conditions) == 0 {
		return []Condition{}, nil
	}
	var conditions []Condition
	if err := json.Unmarshal(r.Conditions, &conditions); err != nil {
		return nil, err
	}
	if conditions == nil {
		conditions = []Condition{}
	}
	return conditions, nil
}
