package store

const schema = `
-- Per-(guild,user) economy row. Level is derived from xp; messages is the
-- lifetime counter used by engagement quests.
CREATE TABLE IF NOT EXISTS user_balances (
    guild_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    xp REAL NOT NULL DEFAULT 0 CHECK(xp >= 0),
    level INTEGER NOT NULL DEFAULT 1 CHECK(level >= 1),
    messages INTEGER NOT NULL DEFAULT 0 CHECK(messages >= 0),
    coins REAL NOT NULL DEFAULT 0 CHECK(coins >= 0),
    PRIMARY KEY (guild_id, user_id)
);

-- Append-only transaction log. balance_after mirrors the new balance for
-- the affected currency at commit time.
CREATE TABLE IF NOT EXISTS transactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    guild_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT NOT NULL CHECK(currency IN ('coins', 'xp')),
    balance_after REAL NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    related_id INTEGER,
    related_type TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(guild_id, user_id);
CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at);

CREATE TABLE IF NOT EXISTS quest_templates (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT 'daily' CHECK(type IN ('daily', 'random', 'event')),
    target_type TEXT NOT NULL,
    target_value INTEGER NOT NULL CHECK(target_value >= 1),
    reward_coins REAL NOT NULL DEFAULT 0 CHECK(reward_coins >= 0),
    reward_xp REAL NOT NULL DEFAULT 0 CHECK(reward_xp >= 0),
    allow_other_channels INTEGER NOT NULL DEFAULT 1,
    rarity TEXT NOT NULL DEFAULT 'common',
    metadata TEXT NOT NULL DEFAULT '{}',
    active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS user_quests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    guild_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    quest_id INTEGER NOT NULL,
    progress INTEGER NOT NULL DEFAULT 0 CHECK(progress >= 0),
    completed INTEGER NOT NULL DEFAULT 0,
    claimed INTEGER NOT NULL DEFAULT 0,
    assigned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME,
    FOREIGN KEY (quest_id) REFERENCES quest_templates(id)
);

CREATE INDEX IF NOT EXISTS idx_user_quests_user ON user_quests(guild_id, user_id);
CREATE INDEX IF NOT EXISTS idx_user_quests_assigned ON user_quests(assigned_at);

CREATE TABLE IF NOT EXISTS daily_tracking (
    guild_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    last_daily_claim DATETIME,
    streak INTEGER NOT NULL DEFAULT 0 CHECK(streak >= 0),
    daily_xp_transferred REAL NOT NULL DEFAULT 0 CHECK(daily_xp_transferred >= 0),
    last_xp_transfer_reset DATETIME,
    last_capture_at DATETIME,
    last_duel_at DATETIME,
    PRIMARY KEY (guild_id, user_id)
);

CREATE TABLE IF NOT EXISTS shop_items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    price_coins REAL NOT NULL DEFAULT 0 CHECK(price_coins >= 0),
    price_xp REAL NOT NULL DEFAULT 0 CHECK(price_xp >= 0),
    consumable INTEGER NOT NULL DEFAULT 0,
    stock INTEGER NOT NULL DEFAULT -1,
    metadata TEXT NOT NULL DEFAULT '{}',
    active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS user_inventory (
    guild_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    item_id INTEGER NOT NULL,
    quantity INTEGER NOT NULL DEFAULT 0 CHECK(quantity >= 0),
    PRIMARY KEY (guild_id, user_id, item_id),
    FOREIGN KEY (item_id) REFERENCES shop_items(id)
);

CREATE TABLE IF NOT EXISTS active_effects (
    guild_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    effect_type TEXT NOT NULL,
    effect_data TEXT NOT NULL DEFAULT '{}',
    expires_at DATETIME NOT NULL,
    PRIMARY KEY (guild_id, user_id, effect_type)
);

CREATE TABLE IF NOT EXISTS trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    guild_id TEXT NOT NULL,
    from_user TEXT NOT NULL,
    to_user TEXT NOT NULL,
    coins REAL NOT NULL DEFAULT 0 CHECK(coins >= 0),
    xp REAL NOT NULL DEFAULT 0 CHECK(xp >= 0),
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK(status IN ('pending', 'accepted', 'completed', 'canceled', 'expired')),
    tax_coins REAL NOT NULL DEFAULT 0,
    tax_xp REAL NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    accepted_at DATETIME,
    escrow_release_at DATETIME,
    completed_at DATETIME,
    CHECK (coins > 0 OR xp > 0)
);

CREATE INDEX IF NOT EXISTS idx_trades_guild_status ON trades(guild_id, status);
CREATE INDEX IF NOT EXISTS idx_trades_release ON trades(status, escrow_release_at);

CREATE TABLE IF NOT EXISTS cooldowns (
    guild_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    action_type TEXT NOT NULL,
    last_action_at DATETIME NOT NULL,
    PRIMARY KEY (guild_id, user_id, action_type)
);

CREATE TABLE IF NOT EXISTS warn_states (
    guild_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    warn_count INTEGER NOT NULL DEFAULT 0 CHECK(warn_count >= 0),
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    mute_expires_at DATETIME,
    mute_reason TEXT NOT NULL DEFAULT '',
    mute_moderator TEXT NOT NULL DEFAULT '',
    mute_created_at DATETIME,
    PRIMARY KEY (guild_id, user_id)
);

-- Append-only moderation event stream.
CREATE TABLE IF NOT EXISTS warning_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    guild_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    action TEXT NOT NULL,
    warn_count_before INTEGER NOT NULL,
    warn_count_after INTEGER NOT NULL,
    moderator_id TEXT,
    reason TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_warning_history_user ON warning_history(guild_id, user_id);

CREATE TABLE IF NOT EXISTS appeals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    guild_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    appeal_reason TEXT NOT NULL,
    moderator_id TEXT,
    status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'approved', 'denied')),
    moderator_decision TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    reviewed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_appeals_user ON appeals(guild_id, user_id, status);

CREATE TABLE IF NOT EXISTS guild_settings (
    guild_id TEXT PRIMARY KEY,
    trade_tax_percent REAL NOT NULL DEFAULT 10,
    duel_tax_percent REAL NOT NULL DEFAULT 5,
    xp_trading_enabled INTEGER NOT NULL DEFAULT 1,
    daily_xp_transfer_cap_percent REAL NOT NULL DEFAULT 10.0,
    daily_xp_transfer_cap_max REAL NOT NULL DEFAULT 500,
    capture_cooldown_seconds INTEGER NOT NULL DEFAULT 60,
    duel_cooldown_seconds INTEGER NOT NULL DEFAULT 300,
    xp_per_message REAL NOT NULL DEFAULT 5,
    welcome_bonus_xp REAL NOT NULL DEFAULT 50,
    welcome_detection_enabled INTEGER NOT NULL DEFAULT 1,
    announcements_channel_id TEXT NOT NULL DEFAULT '',
    ambassador_role_id TEXT NOT NULL DEFAULT '',
    new_member_role_id TEXT NOT NULL DEFAULT '',
    new_member_role_duration_days INTEGER NOT NULL DEFAULT 0,
    welcome_dm_enabled INTEGER NOT NULL DEFAULT 0,
    welcome_dm_text TEXT NOT NULL DEFAULT '',
    welcome_public_text TEXT NOT NULL DEFAULT '',
    log_channel_id TEXT NOT NULL DEFAULT '',
    appeal_channel_id TEXT NOT NULL DEFAULT '',
    ai_enabled INTEGER NOT NULL DEFAULT 0,
    ai_confidence_threshold REAL NOT NULL DEFAULT 0.8,
    ai_flag_channel_id TEXT NOT NULL DEFAULT '',
    ai_model TEXT NOT NULL DEFAULT '',
    ollama_host TEXT NOT NULL DEFAULT '',
    decay_multiplier REAL NOT NULL DEFAULT 1.0,
    warn_1_decay_days INTEGER NOT NULL DEFAULT 7,
    warn_2_decay_days INTEGER NOT NULL DEFAULT 14,
    warn_3_decay_days INTEGER NOT NULL DEFAULT 21,
    mute_duration_warn_2 INTEGER NOT NULL DEFAULT 3600,
    mute_duration_warn_3 INTEGER NOT NULL DEFAULT 86400,
    rules_message_id TEXT NOT NULL DEFAULT ''
);

-- Ordered XP-threshold -> role mapping; POST /config replaces the whole
-- list for a guild.
CREATE TABLE IF NOT EXISTS xp_thresholds (
    guild_id TEXT NOT NULL,
    threshold_points INTEGER NOT NULL,
    role_id TEXT NOT NULL,
    role_name TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (guild_id, threshold_points)
);

CREATE TABLE IF NOT EXISTS temp_roles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    guild_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    role_id TEXT NOT NULL,
    expires_at DATETIME NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_temp_roles_expires ON temp_roles(expires_at);

CREATE TABLE IF NOT EXISTS scheduled_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    guild_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    channel_id TEXT NOT NULL DEFAULT '',
    starts_at DATETIME NOT NULL,
    UNIQUE (guild_id, event_id)
);

-- Dedupe rows for event reminders: one row per (guild, event, type).
CREATE TABLE IF NOT EXISTS event_reminders (
    guild_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    reminder_type TEXT NOT NULL CHECK(reminder_type IN ('24h', '1h')),
    sent_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (guild_id, event_id, reminder_type)
);

CREATE TABLE IF NOT EXISTS weekly_challenge_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    guild_id TEXT NOT NULL,
    quest_id INTEGER NOT NULL,
    posted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (quest_id) REFERENCES quest_templates(id)
);

-- Voice sessions tracked for periodic XP accrual. accrued_until advances
-- by whole hours as XP is awarded.
CREATE TABLE IF NOT EXISTS voice_sessions (
    guild_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    channel_id TEXT NOT NULL DEFAULT '',
    joined_at DATETIME NOT NULL,
    accrued_until DATETIME NOT NULL,
    PRIMARY KEY (guild_id, user_id)
);

-- External feed subscriptions. last_seen_id dedupes notifications.
CREATE TABLE IF NOT EXISTS streamers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    guild_id TEXT NOT NULL,
    login TEXT NOT NULL,
    announce_channel_id TEXT NOT NULL DEFAULT '',
    last_seen_id TEXT NOT NULL DEFAULT '',
    UNIQUE (guild_id, login)
);

CREATE TABLE IF NOT EXISTS youtube_channels (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    guild_id TEXT NOT NULL,
    channel_ref TEXT NOT NULL,
    announce_channel_id TEXT NOT NULL DEFAULT '',
    last_seen_id TEXT NOT NULL DEFAULT '',
    UNIQUE (guild_id, channel_ref)
);

-- Per-guild minigame aggregates, updated in the same transaction as each
-- outcome.
CREATE TABLE IF NOT EXISTS minigame_stats (
    guild_id TEXT PRIMARY KEY,
    captures_won INTEGER NOT NULL DEFAULT 0,
    captures_lost INTEGER NOT NULL DEFAULT 0,
    capture_coins_won REAL NOT NULL DEFAULT 0,
    capture_coins_lost REAL NOT NULL DEFAULT 0,
    duels_fought INTEGER NOT NULL DEFAULT 0,
    duel_tax_collected REAL NOT NULL DEFAULT 0
);

-- Per-channel hourly message counts feeding the dashboard stats endpoint.
CREATE TABLE IF NOT EXISTS channel_activity (
    guild_id TEXT NOT NULL,
    channel_id TEXT NOT NULL,
    day TEXT NOT NULL,
    hour INTEGER NOT NULL CHECK(hour >= 0 AND hour <= 23),
    messages INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (guild_id, channel_id, day, hour)
);
`

// expectedColumns drives the add-missing-column migration step. Each
// column expression is the full definition with constraints already
// stripped to what SQLite's ALTER TABLE ADD COLUMN accepts (no NOT NULL
// without default, no PRIMARY KEY, no UNIQUE).
var expectedColumns = map[string]map[string]string{
	"user_balances": {
		"guild_id": "TEXT", "user_id": "TEXT",
		"xp": "REAL DEFAULT 0", "level": "INTEGER DEFAULT 1",
		"messages": "INTEGER DEFAULT 0", "coins": "REAL DEFAULT 0",
	},
	"transactions": {
		"id": "INTEGER", "guild_id": "TEXT", "user_id": "TEXT",
		"kind": "TEXT DEFAULT ''", "amount": "REAL DEFAULT 0",
		"currency": "TEXT DEFAULT 'coins'", "balance_after": "REAL DEFAULT 0",
		"metadata": "TEXT DEFAULT '{}'", "related_id": "INTEGER",
		"related_type": "TEXT", "created_at": "DATETIME",
	},
	"quest_templates": {
		"id": "INTEGER", "name": "TEXT DEFAULT ''", "description": "TEXT DEFAULT ''",
		"type": "TEXT DEFAULT 'daily'", "target_type": "TEXT DEFAULT ''",
		"target_value": "INTEGER DEFAULT 1", "reward_coins": "REAL DEFAULT 0",
		"reward_xp": "REAL DEFAULT 0", "allow_other_channels": "INTEGER DEFAULT 1",
		"rarity": "TEXT DEFAULT 'common'", "metadata": "TEXT DEFAULT '{}'",
		"active": "INTEGER DEFAULT 1",
	},
	"user_quests": {
		"id": "INTEGER", "guild_id": "TEXT", "user_id": "TEXT",
		"quest_id": "INTEGER", "progress": "INTEGER DEFAULT 0",
		"completed": "INTEGER DEFAULT 0", "claimed": "INTEGER DEFAULT 0",
		"assigned_at": "DATETIME", "completed_at": "DATETIME",
	},
	"daily_tracking": {
		"guild_id": "TEXT", "user_id": "TEXT", "last_daily_claim": "DATETIME",
		"streak": "INTEGER DEFAULT 0", "daily_xp_transferred": "REAL DEFAULT 0",
		"last_xp_transfer_reset": "DATETIME", "last_capture_at": "DATETIME",
		"last_duel_at": "DATETIME",
	},
	"shop_items": {
		"id": "INTEGER", "name": "TEXT DEFAULT ''", "description": "TEXT DEFAULT ''",
		"price_coins": "REAL DEFAULT 0", "price_xp": "REAL DEFAULT 0",
		"consumable": "INTEGER DEFAULT 0", "stock": "INTEGER DEFAULT -1",
		"metadata": "TEXT DEFAULT '{}'", "active": "INTEGER DEFAULT 1",
	},
	"trades": {
		"id": "INTEGER", "guild_id": "TEXT", "from_user": "TEXT", "to_user": "TEXT",
		"coins": "REAL DEFAULT 0", "xp": "REAL DEFAULT 0",
		"status": "TEXT DEFAULT 'pending'", "tax_coins": "REAL DEFAULT 0",
		"tax_xp": "REAL DEFAULT 0", "created_at": "DATETIME",
		"accepted_at": "DATETIME", "escrow_release_at": "DATETIME",
		"completed_at": "DATETIME",
	},
	"warn_states": {
		"guild_id": "TEXT", "user_id": "TEXT", "warn_count": "INTEGER DEFAULT 0",
		"updated_at": "DATETIME", "mute_expires_at": "DATETIME",
		"mute_reason": "TEXT DEFAULT ''", "mute_moderator": "TEXT DEFAULT ''",
		"mute_created_at": "DATETIME",
	},
	"guild_settings": {
		"guild_id": "TEXT",
		"trade_tax_percent":             "REAL DEFAULT 10",
		"duel_tax_percent":              "REAL DEFAULT 5",
		"xp_trading_enabled":            "INTEGER DEFAULT 1",
		"daily_xp_transfer_cap_percent": "REAL DEFAULT 10.0",
		"daily_xp_transfer_cap_max":     "REAL DEFAULT 500",
		"capture_cooldown_seconds":      "INTEGER DEFAULT 60",
		"duel_cooldown_seconds":         "INTEGER DEFAULT 300",
		"xp_per_message":                "REAL DEFAULT 5",
		"welcome_bonus_xp":              "REAL DEFAULT 50",
		"welcome_detection_enabled":     "INTEGER DEFAULT 1",
		"announcements_channel_id":      "TEXT DEFAULT ''",
		"ambassador_role_id":            "TEXT DEFAULT ''",
		"new_member_role_id":            "TEXT DEFAULT ''",
		"new_member_role_duration_days": "INTEGER DEFAULT 0",
		"welcome_dm_enabled":            "INTEGER DEFAULT 0",
		"welcome_dm_text":               "TEXT DEFAULT ''",
		"welcome_public_text":           "TEXT DEFAULT ''",
		"log_channel_id":                "TEXT DEFAULT ''",
		"appeal_channel_id":             "TEXT DEFAULT ''",
		"ai_enabled":                    "INTEGER DEFAULT 0",
		"ai_confidence_threshold":       "REAL DEFAULT 0.8",
		"ai_flag_channel_id":            "TEXT DEFAULT ''",
		"ai_model":                      "TEXT DEFAULT ''",
		"ollama_host":                   "TEXT DEFAULT ''",
		"decay_multiplier":              "REAL DEFAULT 1.0",
		"warn_1_decay_days":             "INTEGER DEFAULT 7",
		"warn_2_decay_days":             "INTEGER DEFAULT 14",
		"warn_3_decay_days":             "INTEGER DEFAULT 21",
		"mute_duration_warn_2":          "INTEGER DEFAULT 3600",
		"mute_duration_warn_3":          "INTEGER DEFAULT 86400",
		"rules_message_id":              "TEXT DEFAULT ''",
	},
}

// legacyColumns lists columns dropped by table rebuild during migration.
// SQLite has no in-place DROP COLUMN for older file formats, so the
// migration copies the table without them.
var legacyColumns = map[string][]string{
	"user_balances": {"legacy_rank"},
	"trades":        {"legacy_escrow_note"},
}
