// Package shop sells items for coins or XP and tracks the inventory and
// timed effects they grant. Purchases are audited through the ledger;
// stock decrement, debit, and inventory grant commit atomically.
package shop

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/guildbot/backend/internal/clock"
	"github.com/guildbot/backend/internal/core"
	"github.com/guildbot/backend/internal/ledger"
	"github.com/guildbot/backend/internal/store"
)

// Engine exposes the shop operations.
type Engine struct {
	store  *store.Store
	ledger *ledger.Ledger
	clk    clock.Clock
	logger *slog.Logger
}

// New creates a shop Engine.
func New(st *store.Store, led *ledger.Ledger, clk clock.Clock) *Engine {
	return &Engine{
		store:  st,
		ledger: led,
		clk:    clk,
		logger: slog.Default().With("component", "shop"),
	}
}

// PurchaseResult reports a completed purchase.
type PurchaseResult struct {
	Item      core.ShopItem         `json:"item"`
	Coins     ledger.MutationResult `json:"coins,omitempty"`
	XP        ledger.MutationResult `json:"xp,omitempty"`
	Quantity  int64                 `json:"quantity"`
	StockLeft int64                 `json:"stock_left"` // -1 when unlimited
}

// ListItems returns shop items. When activeOnly is set, inactive and
// sold-out items are filtered.
func (e *Engine) ListItems(ctx context.Context, activeOnly bool) ([]core.ShopItem, error) {
	query := `
		SELECT id, name, description, price_coins, price_xp, consumable, stock, metadata, active
		FROM shop_items`
	if activeOnly {
		query += " WHERE active = 1 AND stock != 0"
	}
	query += " ORDER BY id"

	rows, err := e.store.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.ShopItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// GetItem returns one item by id.
func (e *Engine) GetItem(ctx context.Context, itemID int64) (core.ShopItem, error) {
	return getItem(ctx, e.store.DB(), itemID)
}

// Buy purchases quantity units of an item. The debit, the stock
// decrement, and the inventory grant commit in a single transaction; any
// failure leaves everything untouched. Only consumable items land in the
// buyer's inventory.
func (e *Engine) Buy(ctx context.Context, guildID, userID string, itemID, quantity int64) (PurchaseResult, error) {
	if quantity < 1 {
		return PurchaseResult{}, core.NewInvalidInput("quantity", "must be at least 1")
	}

	var res PurchaseResult

	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		item, err := getItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if !item.Active {
			return fmt.Errorf("item %q is not available: %w", item.Name, core.ErrStateConflict)
		}
		if item.Stock != -1 && item.Stock < quantity {
			return fmt.Errorf("item %q is sold out: %w", item.Name, core.ErrStateConflict)
		}

		ref := &ledger.Ref{
			RelatedID:   item.ID,
			RelatedType: "shop_item",
			Metadata:    map[string]string{"item_name": item.Name},
		}
		if item.PriceCoins > 0 {
			res.Coins, err = e.ledger.MutateTx(ctx, tx, guildID, userID,
				core.CurrencyCoins, -item.PriceCoins*float64(quantity), string(core.TxShopPurchase), ref)
			if err != nil {
				return err
			}
		}
		if item.PriceXP > 0 {
			res.XP, err = e.ledger.MutateTx(ctx, tx, guildID, userID,
				core.CurrencyXP, -item.PriceXP*float64(quantity), string(core.TxShopPurchase), ref)
			if err != nil {
				return err
			}
		}

		if item.Stock > 0 {
			// Guarded decrement so two concurrent buys cannot oversell.
			r, err := tx.ExecContext(ctx,
				"UPDATE shop_items SET stock = stock - ? WHERE id = ? AND stock >= ?",
				quantity, item.ID, quantity)
			if err != nil {
				return err
			}
			if n, _ := r.RowsAffected(); n == 0 {
				return fmt.Errorf("item %q is sold out: %w", item.Name, core.ErrStateConflict)
			}
			item.Stock -= quantity
		}

		if item.Consumable {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO user_inventory (guild_id, user_id, item_id, quantity)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (guild_id, user_id, item_id) DO UPDATE SET quantity = quantity + excluded.quantity`,
				guildID, userID, item.ID, quantity); err != nil {
				return err
			}
		}

		res.Item = item
		res.Quantity = quantity
		res.StockLeft = item.Stock
		return nil
	})
	if err != nil {
		return PurchaseResult{}, err
	}

	e.logger.Info("purchase", "guild", guildID, "user", userID,
		"item", res.Item.Name, "quantity", res.Quantity,
		"coins", res.Item.PriceCoins, "xp", res.Item.PriceXP)
	return res, nil
}

// InventoryEntry joins an owned quantity with its item definition.
type InventoryEntry struct {
	Item     core.ShopItem `json:"item"`
	Quantity int64         `json:"quantity"`
}

// GetInventory lists a user's owned items with non-zero quantity.
func (e *Engine) GetInventory(ctx context.Context, guildID, userID string) ([]InventoryEntry, error) {
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT i.id, i.name, i.description, i.price_coins, i.price_xp, i.consumable, i.stock, i.metadata, i.active,
		       inv.quantity
		FROM user_inventory inv
		JOIN shop_items i ON i.id = inv.item_id
		WHERE inv.guild_id = ? AND inv.user_id = ? AND inv.quantity > 0
		ORDER BY i.id`, guildID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InventoryEntry
	for rows.Next() {
		var entry InventoryEntry
		var meta string
		var consumable, active int
		if err := rows.Scan(&entry.Item.ID, &entry.Item.Name, &entry.Item.Description,
			&entry.Item.PriceCoins, &entry.Item.PriceXP, &consumable, &entry.Item.Stock,
			&meta, &active, &entry.Quantity); err != nil {
			return nil, err
		}
		entry.Item.Consumable = consumable != 0
		entry.Item.Active = active != 0
		if meta != "" && meta != "{}" {
			_ = json.Unmarshal([]byte(meta), &entry.Item.Metadata)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Use consumes one unit of a consumable item from the inventory. Items
// whose metadata names an effect activate it for duration_minutes;
// re-using an item refreshes the expiry rather than stacking.
func (e *Engine) Use(ctx context.Context, guildID, userID string, itemID int64) (*core.ActiveEffect, error) {
	var effect *core.ActiveEffect

	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		item, err := getItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if !item.Consumable {
			return fmt.Errorf("item %q is not consumable: %w", item.Name, core.ErrStateConflict)
		}

		r, err := tx.ExecContext(ctx, `
			UPDATE user_inventory SET quantity = quantity - 1
			WHERE guild_id = ? AND user_id = ? AND item_id = ? AND quantity > 0`,
			guildID, userID, itemID)
		if err != nil {
			return err
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return fmt.Errorf("item %q not in inventory: %w", item.Name, core.ErrNotFound)
		}

		effectType := item.Metadata["effect"]
		if effectType == "" {
			return nil
		}

		minutes := int64(60)
		if raw := item.Metadata["duration_minutes"]; raw != "" {
			if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
				minutes = parsed
			}
		}
		expires := e.clk.Now().Add(time.Duration(minutes) * time.Minute)

		data, err := effectData(item.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO active_effects (guild_id, user_id, effect_type, effect_data, expires_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (guild_id, user_id, effect_type)
			DO UPDATE SET effect_data = excluded.effect_data, expires_at = excluded.expires_at`,
			guildID, userID, effectType, data, expires); err != nil {
			return err
		}

		effect = &core.ActiveEffect{
			GuildID:    guildID,
			UserID:     userID,
			EffectType: effectType,
			EffectData: data,
			ExpiresAt:  expires,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if effect != nil {
		e.logger.Info("effect activated", "guild", guildID, "user", userID,
			"effect", effect.EffectType, "expires", effect.ExpiresAt)
	}
	return effect, nil
}

// ActiveEffect returns the user's unexpired effect of the given type, or
// nil when none is active.
func (e *Engine) ActiveEffect(ctx context.Context, guildID, userID, effectType string) (*core.ActiveEffect, error) {
	var eff core.ActiveEffect
	err := e.store.DB().QueryRowContext(ctx, `
		SELECT guild_id, user_id, effect_type, effect_data, expires_at
		FROM active_effects
		WHERE guild_id = ? AND user_id = ? AND effect_type = ? AND expires_at > ?`,
		guildID, userID, effectType, e.clk.Now()).
		Scan(&eff.GuildID, &eff.UserID, &eff.EffectType, &eff.EffectData, &eff.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &eff, nil
}

// EffectValue extracts a numeric field from an active effect's data, or
// returns 0 when the effect is absent.
func (e *Engine) EffectValue(ctx context.Context, guildID, userID, effectType, field string) (float64, error) {
	eff, err := e.ActiveEffect(ctx, guildID, userID, effectType)
	if err != nil || eff == nil {
		return 0, err
	}
	var data map[string]float64
	if err := json.Unmarshal([]byte(eff.EffectData), &data); err != nil {
		return 0, nil
	}
	return data[field], nil
}

// PruneExpiredEffects deletes effects past their expiry. Called by the
// scheduler; reads already filter on expires_at, so this only bounds
// table growth.
func (e *Engine) PruneExpiredEffects(ctx context.Context) (int64, error) {
	r, err := e.store.DB().ExecContext(ctx,
		"DELETE FROM active_effects WHERE expires_at <= ?", e.clk.Now())
	if err != nil {
		return 0, err
	}
	return r.RowsAffected()
}

// CreateItem inserts a shop item for the dashboard.
func (e *Engine) CreateItem(ctx context.Context, item core.ShopItem) (int64, error) {
	if err := validateItem(item); err != nil {
		return 0, err
	}
	meta, err := marshalItemMeta(item.Metadata)
	if err != nil {
		return 0, err
	}
	r, err := e.store.DB().ExecContext(ctx, `
		INSERT INTO shop_items (name, description, price_coins, price_xp, consumable, stock, metadata, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Name, item.Description, item.PriceCoins, item.PriceXP,
		item.Consumable, item.Stock, meta, item.Active)
	if err != nil {
		return 0, err
	}
	return r.LastInsertId()
}

// UpdateItem replaces a shop item's fields.
func (e *Engine) UpdateItem(ctx context.Context, item core.ShopItem) error {
	if err := validateItem(item); err != nil {
		return err
	}
	meta, err := marshalItemMeta(item.Metadata)
	if err != nil {
		return err
	}
	r, err := e.store.DB().ExecContext(ctx, `
		UPDATE shop_items
		SET name = ?, description = ?, price_coins = ?, price_xp = ?, consumable = ?, stock = ?, metadata = ?, active = ?
		WHERE id = ?`,
		item.Name, item.Description, item.PriceCoins, item.PriceXP,
		item.Consumable, item.Stock, meta, item.Active, item.ID)
	if err != nil {
		return err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("shop item %d: %w", item.ID, core.ErrNotFound)
	}
	return nil
}

// DeactivateItem hides an item from the shop without breaking inventory
// rows that reference it.
func (e *Engine) DeactivateItem(ctx context.Context, itemID int64) error {
	r, err := e.store.DB().ExecContext(ctx,
		"UPDATE shop_items SET active = 0 WHERE id = ?", itemID)
	if err != nil {
		return err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("shop item %d: %w", itemID, core.ErrNotFound)
	}
	return nil
}

func marshalItemMeta(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func validateItem(item core.ShopItem) error {
	if item.Name == "" {
		return core.NewInvalidInput("name", "must not be empty")
	}
	if item.PriceCoins < 0 || item.PriceXP < 0 {
		return core.NewInvalidInput("price", "must not be negative")
	}
	if item.PriceCoins == 0 && item.PriceXP == 0 {
		return core.NewInvalidInput("price", "must set a coin or XP price")
	}
	if item.Stock < -1 {
		return core.NewInvalidInput("stock", "must be -1 (unlimited) or non-negative")
	}
	return nil
}

func getItem(ctx context.Context, q store.Querier, itemID int64) (core.ShopItem, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, name, description, price_coins, price_xp, consumable, stock, metadata, active
		FROM shop_items WHERE id = ?`, itemID)

	var item core.ShopItem
	var meta string
	var consumable, active int
	err := row.Scan(&item.ID, &item.Name, &item.Description, &item.PriceCoins,
		&item.PriceXP, &consumable, &item.Stock, &meta, &active)
	if err == sql.ErrNoRows {
		return item, fmt.Errorf("shop item %d: %w", itemID, core.ErrNotFound)
	}
	if err != nil {
		return item, err
	}
	item.Consumable = consumable != 0
	item.Active = active != 0
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &item.Metadata)
	}
	return item, nil
}

type itemScanner interface {
	Scan(dest ...any) error
}

func scanItem(row itemScanner) (core.ShopItem, error) {
	var item core.ShopItem
	var meta string
	var consumable, active int
	if err := row.Scan(&item.ID, &item.Name, &item.Description, &item.PriceCoins,
		&item.PriceXP, &consumable, &item.Stock, &meta, &active); err != nil {
		return item, err
	}
	item.Consumable = consumable != 0
	item.Active = active != 0
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &item.Metadata)
	}
	return item, nil
}

// effectData reprojects the item metadata's numeric fields into the
// effect payload, dropping bookkeeping keys.
func effectData(meta map[string]string) (string, error) {
	data := map[string]float64{}
	for key, raw := range meta {
		if key == "effect" || key == "duration_minutes" {
			continue
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			data[key] = v
		}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal effect data: %w", err)
	}
	return string(b), nil
}
