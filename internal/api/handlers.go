package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/guildbot/backend/internal/core"
	"github.com/guildbot/backend/internal/store"
	"github.com/guildbot/backend/internal/validate"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": s.clk.Now().UTC().Format(time.RFC3339),
	})
}

// --- stats & leaderboard ---

type statsResponse struct {
	Period      string           `json:"period"`
	TotalUsers  int64            `json:"total_users"`
	TotalCoins  float64          `json:"total_coins"`
	TotalXP     float64          `json:"total_xp"`
	TotalMsgs   int64            `json:"total_messages"`
	Growth      []growthPoint    `json:"growth"`
	TopMembers  []memberEntry    `json:"top_members"`
	TopChannels []channelEntry   `json:"top_channels"`
	Hourly      [24]int64        `json:"hourly_histogram"`
}

type growthPoint struct {
	Day      string `json:"day"`
	Messages int64  `json:"messages"`
}

type memberEntry struct {
	UserID string  `json:"user_id"`
	XP     float64 `json:"xp"`
	Level  int     `json:"level"`
	Coins  float64 `json:"coins"`
}

type channelEntry struct {
	ChannelID string `json:"channel_id"`
	Messages  int64  `json:"messages"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	gid := guildID(r)
	ctx := r.Context()

	period := r.URL.Query().Get("period")
	var since string
	switch period {
	case "", "all":
		period = "all"
	case "7d":
		since = s.clk.Now().UTC().AddDate(0, 0, -7).Format("2006-01-02")
	case "30d":
		since = s.clk.Now().UTC().AddDate(0, 0, -30).Format("2006-01-02")
	default:
		s.writeError(w, r, http.StatusBadRequest, "period must be 7d, 30d, or all")
		return
	}

	resp := statsResponse{Period: period}
	err := s.store.DB().QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(coins), 0), COALESCE(SUM(xp), 0), COALESCE(SUM(messages), 0)
		FROM user_balances WHERE guild_id = ?`, gid).
		Scan(&resp.TotalUsers, &resp.TotalCoins, &resp.TotalXP, &resp.TotalMsgs)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	activityFilter := "guild_id = ?"
	args := []any{gid}
	if since != "" {
		activityFilter += " AND day >= ?"
		args = append(args, since)
	}

	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT day, SUM(messages) FROM channel_activity
		WHERE `+activityFilter+` GROUP BY day ORDER BY day`, args...)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	for rows.Next() {
		var p growthPoint
		if err := rows.Scan(&p.Day, &p.Messages); err != nil {
			rows.Close()
			s.writeEngineError(w, r, err)
			return
		}
		resp.Growth = append(resp.Growth, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	rows, err = s.store.DB().QueryContext(ctx, `
		SELECT user_id, xp, level, coins FROM user_balances
		WHERE guild_id = ? ORDER BY xp DESC LIMIT 10`, gid)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	for rows.Next() {
		var m memberEntry
		if err := rows.Scan(&m.UserID, &m.XP, &m.Level, &m.Coins); err != nil {
			rows.Close()
			s.writeEngineError(w, r, err)
			return
		}
		resp.TopMembers = append(resp.TopMembers, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	rows, err = s.store.DB().QueryContext(ctx, `
		SELECT channel_id, SUM(messages) AS total FROM channel_activity
		WHERE `+activityFilter+` GROUP BY channel_id ORDER BY total DESC LIMIT 10`, args...)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	for rows.Next() {
		var c channelEntry
		if err := rows.Scan(&c.ChannelID, &c.Messages); err != nil {
			rows.Close()
			s.writeEngineError(w, r, err)
			return
		}
		resp.TopChannels = append(resp.TopChannels, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	rows, err = s.store.DB().QueryContext(ctx, `
		SELECT hour, SUM(messages) FROM channel_activity
		WHERE `+activityFilter+` GROUP BY hour`, args...)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	for rows.Next() {
		var hour int
		var count int64
		if err := rows.Scan(&hour, &count); err != nil {
			rows.Close()
			s.writeEngineError(w, r, err)
			return
		}
		if hour >= 0 && hour < 24 {
			resp.Hourly[hour] = count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	gid := guildID(r)

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := s.store.DB().QueryContext(r.Context(), `
		SELECT user_id, xp, level, coins FROM user_balances
		WHERE guild_id = ? ORDER BY xp DESC LIMIT ?`, gid, limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	defer rows.Close()

	out := []memberEntry{}
	for rows.Next() {
		var m memberEntry
		if err := rows.Scan(&m.UserID, &m.XP, &m.Level, &m.Coins); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"leaderboard": out})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	gid := guildID(r)
	userID, err := validate.Snowflake(mux.Vars(r)["user_id"])
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	txs, err := s.ledger.GetTransactions(r.Context(), gid, userID, limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if txs == nil {
		txs = []core.Transaction{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// --- config ---

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	gid := guildID(r)
	settings, err := s.store.GetGuildSettings(r.Context(), gid)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	thresholds, err := s.store.GetXPThresholds(r.Context(), gid)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if thresholds == nil {
		thresholds = []core.XPThreshold{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"settings":      settings,
		"xp_thresholds": thresholds,
	})
}

type configUpdate struct {
	Fields       map[string]any      `json:"settings"`
	XPThresholds *[]core.XPThreshold `json:"xp_thresholds,omitempty"`
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	gid := guildID(r)

	var upd configUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	updated := 0
	if len(upd.Fields) > 0 {
		var err error
		updated, err = s.store.UpdateGuildSettings(r.Context(), gid, upd.Fields)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
	}
	if upd.XPThresholds != nil {
		if err := s.store.ReplaceXPThresholds(r.Context(), gid, *upd.XPThresholds); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

// --- challenges (quest template CRUD) ---

func (s *Server) handleListChallenges(w http.ResponseWriter, r *http.Request) {
	templates, err := s.quests.ListTemplates(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if templates == nil {
		templates = []core.QuestTemplate{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"challenges": templates})
}

func (s *Server) handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	tpl, err := s.quests.GetTemplate(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleCreateChallenge(w http.ResponseWriter, r *http.Request) {
	var tpl core.QuestTemplate
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, err := s.quests.CreateTemplate(r.Context(), tpl)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	tpl.ID = id
	s.writeJSON(w, http.StatusCreated, tpl)
}

func (s *Server) handleUpdateChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	var tpl core.QuestTemplate
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tpl.ID = id
	if err := s.quests.UpdateTemplate(r.Context(), tpl); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleDeleteChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if err := s.quests.DeleteTemplate(r.Context(), id); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// --- external feed subscriptions ---

type feedRequest struct {
	Ref               string `json:"ref"`
	AnnounceChannelID string `json:"announce_channel_id"`
}

func (s *Server) feedList(table string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subs, err := s.store.ListFeedSubscriptions(r.Context(), table, guildID(r))
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		if subs == nil {
			subs = []store.FeedSubscription{}
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
	}
}

func (s *Server) feedCreate(table string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req feedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
			return
		}
		ref, err := validate.String(req.Ref, "name", false)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		if req.AnnounceChannelID != "" {
			if req.AnnounceChannelID, err = validate.Snowflake(req.AnnounceChannelID); err != nil {
				s.writeEngineError(w, r, err)
				return
			}
		}
		id, err := s.store.AddFeedSubscription(r.Context(), table, guildID(r), ref, req.AnnounceChannelID)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, map[string]any{"id": id})
	}
}

func (s *Server) feedUpdate(table string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		var req feedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.AnnounceChannelID != "" {
			if req.AnnounceChannelID, err = validate.Snowflake(req.AnnounceChannelID); err != nil {
				s.writeEngineError(w, r, err)
				return
			}
		}
		if err := s.store.UpdateFeedSubscription(r.Context(), table, guildID(r), id, req.AnnounceChannelID); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"id": id})
	}
}

func (s *Server) feedDelete(table string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		if err := s.store.DeleteFeedSubscription(r.Context(), table, guildID(r), id); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
	}
}

// --- minigame settings ---

// minigameSettingsKeys is the subset of guild settings surfaced by the
// minigame-settings endpoint.
var minigameSettingsKeys = []string{
	"trade_tax_percent",
	"duel_tax_percent",
	"xp_trading_enabled",
	"daily_xp_transfer_cap_percent",
	"daily_xp_transfer_cap_max",
	"capture_cooldown_seconds",
	"duel_cooldown_seconds",
}

func (s *Server) handleGetMinigameSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetGuildSettings(r.Context(), guildID(r))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	stats, err := s.minigames.GetStats(r.Context(), guildID(r))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"settings": map[string]any{
			"trade_tax_percent":             settings.TradeTaxPercent,
			"duel_tax_percent":              settings.DuelTaxPercent,
			"xp_trading_enabled":            settings.XPTradingEnabled,
			"daily_xp_transfer_cap_percent": settings.DailyXPTransferCapPct,
			"daily_xp_transfer_cap_max":     settings.DailyXPTransferCapMax,
			"capture_cooldown_seconds":      settings.CaptureCooldownSeconds,
			"duel_cooldown_seconds":         settings.DuelCooldownSeconds,
		},
		"stats": stats,
	})
}

func (s *Server) handlePostMinigameSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	fields := map[string]any{}
	for _, key := range minigameSettingsKeys {
		if v, ok := body[key]; ok {
			fields[key] = v
		}
	}
	updated, err := s.store.UpdateGuildSettings(r.Context(), guildID(r), fields)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

// --- appeals ---

func (s *Server) handlePendingAppeals(w http.ResponseWriter, r *http.Request) {
	appeals, err := s.moderation.PendingAppeals(r.Context(), guildID(r))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if appeals == nil {
		appeals = []core.Appeal{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"appeals": appeals})
}
