package core

import "time"

// Currency identifies which balance column a transaction touched.
type Currency string

const (
	CurrencyCoins Currency = "coins"
	CurrencyXP    Currency = "xp"
)

// TxKind tags a ledger transaction with the flow that produced it. The
// column stays a free-form string so new kinds can appear without a
// migration; these constants cover the audited flows.
type TxKind string

const (
	TxQuestReward        TxKind = "quest_reward"
	TxShopPurchase       TxKind = "shop_purchase"
	TxTradeEscrow        TxKind = "trade_escrow"
	TxTradeReceived      TxKind = "trade_received"
	TxTradeRefund        TxKind = "trade_refund"
	TxCaptureWin         TxKind = "capture_win"
	TxCaptureLoss        TxKind = "capture_loss"
	TxCaptureConsolation TxKind = "capture_consolation"
	TxDuelWin            TxKind = "duel_win"
	TxDuelLoss           TxKind = "duel_loss"
	TxVoiceXP            TxKind = "voice_xp"
)

// UserBalance is the per-(guild,user) economy row. Level is derived from
// XP and never authoritative.
type UserBalance struct {
	GuildID  string  `json:"guild_id"`
	UserID   string  `json:"user_id"`
	XP       float64 `json:"xp"`
	Level    int     `json:"level"`
	Messages int64   `json:"messages"`
	Coins    float64 `json:"coins"`
}

// Transaction is one row of the append-only ledger log.
type Transaction struct {
	ID           int64             `json:"id"`
	GuildID      string            `json:"guild_id"`
	UserID       string            `json:"user_id"`
	Kind         string            `json:"kind"`
	Amount       float64           `json:"amount"`
	Currency     Currency          `json:"currency"`
	BalanceAfter float64           `json:"balance_after"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RelatedID    int64             `json:"related_id,omitempty"`
	RelatedType  string            `json:"related_type,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// TradeStatus values. "expired" is declared for schema parity but no code
// path currently produces it.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeAccepted  TradeStatus = "accepted"
	TradeCompleted TradeStatus = "completed"
	TradeCanceled  TradeStatus = "canceled"
	TradeExpired   TradeStatus = "expired"
)

// Trade is a two-party offer with escrow between accept and completion.
type Trade struct {
	ID              int64       `json:"id"`
	GuildID         string      `json:"guild_id"`
	FromUser        string      `json:"from_user"`
	ToUser          string      `json:"to_user"`
	Coins           float64     `json:"coins"`
	XP              float64     `json:"xp"`
	Status          TradeStatus `json:"status"`
	TaxCoins        float64     `json:"tax_coins"`
	TaxXP           float64     `json:"tax_xp"`
	CreatedAt       time.Time   `json:"created_at"`
	AcceptedAt      *time.Time  `json:"accepted_at,omitempty"`
	EscrowReleaseAt *time.Time  `json:"escrow_release_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// QuestTemplate defines a quest that can be assigned to users.
type QuestTemplate struct {
	ID                 int64             `json:"id"`
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	Type               string            `json:"type"` // daily, random, event
	TargetType         string            `json:"target_type"`
	TargetValue        int64             `json:"target_value"`
	RewardCoins        float64           `json:"reward_coins"`
	RewardXP           float64           `json:"reward_xp"`
	AllowOtherChannels bool              `json:"allow_other_channels"`
	Rarity             string            `json:"rarity"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Active             bool              `json:"active"`
}

// UserQuest is a quest assignment. Once claimed the row is immutable.
type UserQuest struct {
	ID          int64      `json:"id"`
	GuildID     string     `json:"guild_id"`
	UserID      string     `json:"user_id"`
	QuestID     int64      `json:"quest_id"`
	Progress    int64      `json:"progress"`
	Completed   bool       `json:"completed"`
	Claimed     bool       `json:"claimed"`
	AssignedAt  time.Time  `json:"assigned_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ShopItem is a purchasable item. Stock of -1 means unlimited.
type ShopItem struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	PriceCoins  float64           `json:"price_coins"`
	PriceXP     float64           `json:"price_xp"`
	Consumable  bool              `json:"consumable"`
	Stock       int64             `json:"stock"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Active      bool              `json:"active"`
}

// ActiveEffect is a timed flag modifying another subsystem's parameters
// until expiry.
type ActiveEffect struct {
	GuildID    string    `json:"guild_id"`
	UserID     string    `json:"user_id"`
	EffectType string    `json:"effect_type"`
	EffectData string    `json:"effect_data"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// DailyTracking carries per-user daily counters: claim streaks, the XP
// transfer cap window, and minigame timestamps.
type DailyTracking struct {
	GuildID             string     `json:"guild_id"`
	UserID              string     `json:"user_id"`
	LastDailyClaim      *time.Time `json:"last_daily_claim,omitempty"`
	Streak              int64      `json:"streak"`
	DailyXPTransferred  float64    `json:"daily_xp_transferred"`
	LastXPTransferReset *time.Time `json:"last_xp_transfer_reset,omitempty"`
}

// AppealStatus values.
type AppealStatus string

const (
	AppealPending  AppealStatus = "pending"
	AppealApproved AppealStatus = "approved"
	AppealDenied   AppealStatus = "denied"
)

// Appeal is a user's request to review their warnings. At most one
// pending appeal exists per (guild, user).
type Appeal struct {
	ID                int64        `json:"id"`
	GuildID           string       `json:"guild_id"`
	UserID            string       `json:"user_id"`
	AppealReason      string       `json:"appeal_reason"`
	ModeratorID       string       `json:"moderator_id,omitempty"`
	Status            AppealStatus `json:"status"`
	ModeratorDecision string       `json:"moderator_decision,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	ReviewedAt        *time.Time   `json:"reviewed_at,omitempty"`
}

// WarnState is the per-(guild,user) moderation counter plus any active mute.
type WarnState struct {
	GuildID       string     `json:"guild_id"`
	UserID        string     `json:"user_id"`
	WarnCount     int        `json:"warn_count"`
	UpdatedAt     time.Time  `json:"updated_at"`
	MuteExpiresAt *time.Time `json:"mute_expires_at,omitempty"`
	MuteReason    string     `json:"mute_reason,omitempty"`
	MuteModerator string     `json:"mute_moderator,omitempty"`
}

// ModerationEvent is one entry of the append-only warning history stream.
type ModerationEvent struct {
	ID              int64     `json:"id"`
	GuildID         string    `json:"guild_id"`
	UserID          string    `json:"user_id"`
	Action          string    `json:"action"` // warn_issued, warn_decreased, warn_decay, mute_applied, mute_removed, appeal_created, appeal_reviewed
	WarnCountBefore int       `json:"warn_count_before"`
	WarnCountAfter  int       `json:"warn_count_after"`
	ModeratorID     string    `json:"moderator_id,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// XPThreshold maps an XP point total to a role grant.
type XPThreshold struct {
	ThresholdPoints int64  `json:"threshold_points"`
	RoleID          string `json:"role_id"`
	RoleName        string `json:"role_name,omitempty"`
}

// GuildSettings is the one-row-per-guild tuning record. Loaded per
// operation; mutated only through the config endpoints.
type GuildSettings struct {
	GuildID string `json:"guild_id"`

	// Economy
	TradeTaxPercent          float64 `json:"trade_tax_percent"`
	DuelTaxPercent           float64 `json:"duel_tax_percent"`
	XPTradingEnabled         bool    `json:"xp_trading_enabled"`
	DailyXPTransferCapPct    float64 `json:"daily_xp_transfer_cap_percent"`
	DailyXPTransferCapMax    float64 `json:"daily_xp_transfer_cap_max"`
	CaptureCooldownSeconds   int64   `json:"capture_cooldown_seconds"`
	DuelCooldownSeconds      int64   `json:"duel_cooldown_seconds"`
	XPPerMessage             float64 `json:"xp_per_message"`
	WelcomeBonusXP           float64 `json:"welcome_bonus_xp"`
	WelcomeDetectionEnabled  bool    `json:"welcome_detection_enabled"`
	AnnouncementsChannelID   string  `json:"announcements_channel_id"`
	AmbassadorRoleID         string  `json:"ambassador_role_id"`
	NewMemberRoleID          string  `json:"new_member_role_id"`
	NewMemberRoleDurationDay int64   `json:"new_member_role_duration_days"`
	WelcomeDMEnabled         bool    `json:"welcome_dm_enabled"`
	WelcomeDMText            string  `json:"welcome_dm_text"`
	WelcomePublicText        string  `json:"welcome_public_text"`

	// Moderation
	LogChannelID          string  `json:"log_channel_id"`
	AppealChannelID       string  `json:"appeal_channel_id"`
	AIEnabled             bool    `json:"ai_enabled"`
	AIConfidenceThreshold float64 `json:"ai_confidence_threshold"`
	AIFlagChannelID       string  `json:"ai_flag_channel_id"`
	AIModel               string  `json:"ai_model"`
	OllamaHost            string  `json:"ollama_host"`
	DecayMultiplier       float64 `json:"decay_multiplier"`
	Warn1DecayDays        int64   `json:"warn_1_decay_days"`
	Warn2DecayDays        int64   `json:"warn_2_decay_days"`
	Warn3DecayDays        int64   `json:"warn_3_decay_days"`
	MuteDurationWarn2     int64   `json:"mute_duration_warn_2"` // seconds
	MuteDurationWarn3     int64   `json:"mute_duration_warn_3"` // seconds
	RulesMessageID        string  `json:"rules_message_id"`
}

// DefaultGuildSettings returns the settings inserted for a guild on first
// reference.
func DefaultGuildSettings(guildID string) GuildSettings {
	return GuildSettings{
		GuildID:                 guildID,
		TradeTaxPercent:         10,
		DuelTaxPercent:          5,
		XPTradingEnabled:        true,
		DailyXPTransferCapPct:   10.0,
		DailyXPTransferCapMax:   500,
		CaptureCooldownSeconds:  60,
		DuelCooldownSeconds:     300,
		XPPerMessage:            5,
		WelcomeBonusXP:          50,
		WelcomeDetectionEnabled: true,
		DecayMultiplier:         1.0,
		Warn1DecayDays:          7,
		Warn2DecayDays:          14,
		Warn3DecayDays:          21,
		MuteDurationWarn2:       3600,
		MuteDurationWarn3:       86400,
	}
}

// DecayDays returns the inactivity interval after which a warn counter at
// the given count decrements. Counts above 3 decay on the slowest cycle.
func (s GuildSettings) DecayDays(warnCount int) int64 {
	switch warnCount {
	case 1:
		return s.Warn1DecayDays
	case 2:
		return s.Warn2DecayDays
	case 3:
		return s.Warn3DecayDays
	default:
		return 28
	}
}

// MuteDuration returns the auto-mute duration applied when the warn
// counter reaches the given count, or zero when no mute is configured.
func (s GuildSettings) MuteDuration(warnCount int) time.Duration {
	switch warnCount {
	case 2:
		return time.Duration(s.MuteDurationWarn2) * time.Second
	case 3:
		return time.Duration(s.MuteDurationWarn3) * time.Second
	default:
		return 0
	}
}
