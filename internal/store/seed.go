package store

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v2"
)

// Default catalog seeded into empty quest_templates / shop_items tables.
// Declared as YAML so ops can eyeball and fork it without touching code.
const defaultSeedYAML = `
quests:
  - name: Chatterbox
    description: Send 10 messages anywhere in the server
    type: daily
    target_type: messages_sent
    target_value: 10
    reward_coins: 50
    reward_xp: 25
    rarity: common
  - name: Early Bird
    description: Send 5 messages
    type: daily
    target_type: messages_sent
    target_value: 5
    reward_coins: 25
    reward_xp: 10
    rarity: common
  - name: Social Butterfly
    description: React to 5 messages
    type: daily
    target_type: reactions_added
    target_value: 5
    reward_coins: 40
    reward_xp: 20
    rarity: common
  - name: Voice of the People
    description: Spend 30 minutes in voice channels
    type: daily
    target_type: voice_minutes
    target_value: 30
    reward_coins: 75
    reward_xp: 40
    rarity: rare
  - name: High Roller
    description: Win a capture with a stake of 500 or more
    type: daily
    target_type: capture_won
    target_value: 1
    reward_coins: 150
    reward_xp: 60
    rarity: epic

shop:
  - name: Lucky Charm
    description: +10% capture odds for an hour
    price_coins: 250
    consumable: true
    stock: -1
    metadata:
      effect: capture_luck
      duration_minutes: "60"
      luck_bonus: "0.10"
  - name: XP Booster
    description: Double message XP for two hours
    price_coins: 400
    consumable: true
    stock: -1
    metadata:
      effect: xp_boost
      duration_minutes: "120"
      multiplier: "2.0"
  - name: Custom Color
    description: A colored name for your profile
    price_coins: 1000
    price_xp: 200
    consumable: false
    stock: -1
`

type seedQuest struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Type        string  `yaml:"type"`
	TargetType  string  `yaml:"target_type"`
	TargetValue int64   `yaml:"target_value"`
	RewardCoins float64 `yaml:"reward_coins"`
	RewardXP    float64 `yaml:"reward_xp"`
	Rarity      string  `yaml:"rarity"`
}

type seedItem struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	PriceCoins  float64           `yaml:"price_coins"`
	PriceXP     float64           `yaml:"price_xp"`
	Consumable  bool              `yaml:"consumable"`
	Stock       int64             `yaml:"stock"`
	Metadata    map[string]string `yaml:"metadata"`
}

type seedCatalog struct {
	Quests []seedQuest `yaml:"quests"`
	Shop   []seedItem  `yaml:"shop"`
}

// seedDefaults inserts the default catalog when the template tables are
// empty. Existing rows always win; this never overwrites.
func (s *Store) seedDefaults(ctx context.Context) error {
	var catalog seedCatalog
	if err := yaml.Unmarshal([]byte(defaultSeedYAML), &catalog); err != nil {
		return fmt.Errorf("parse seed catalog: %w", err)
	}

	var questCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM quest_templates").Scan(&questCount); err != nil {
		return err
	}
	if questCount == 0 {
		for _, q := range catalog.Quests {
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO quest_templates (name, description, type, target_type, target_value, reward_coins, reward_xp, rarity, active)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
				q.Name, q.Description, q.Type, q.TargetType, q.TargetValue, q.RewardCoins, q.RewardXP, q.Rarity)
			if err != nil {
				return fmt.Errorf("seed quest %q: %w", q.Name, err)
			}
		}
		s.logger.Printf("seeded %d default quest templates", len(catalog.Quests))
	}

	var itemCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM shop_items").Scan(&itemCount); err != nil {
		return err
	}
	if itemCount == 0 {
		for _, it := range catalog.Shop {
			meta := "{}"
			if len(it.Metadata) > 0 {
				b, err := json.Marshal(it.Metadata)
				if err != nil {
					return fmt.Errorf("seed item %q metadata: %w", it.Name, err)
				}
				meta = string(b)
			}
			stock := it.Stock
			if stock == 0 {
				stock = -1
			}
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO shop_items (name, description, price_coins, price_xp, consumable, stock, metadata, active)
				VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
				it.Name, it.Description, it.PriceCoins, it.PriceXP, it.Consumable, stock, meta)
			if err != nil {
				return fmt.Errorf("seed item %q: %w", it.Name, err)
			}
		}
		s.logger.Printf("seeded %d default shop items", len(catalog.Shop))
	}

	return nil
}
