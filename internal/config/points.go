package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// PointsConfig holds the tunables of the points economy. The milestone map
// and prices live here rather than in code so the reward schedule can change
// without a deploy of new logic.
type PointsConfig struct {
	UnlockPrice        int64
	ShareReward        int64
	CheckInBasePoints  int64
	MilestoneBonuses   map[int]int64
	MaxStreakDays      int
	OrderExpiry        time.Duration
	PointPackPrice     int64
	PointPackPoints    int64
	SubscriptionAmount int64
	SubscriptionPoints int64
}

func LoadPointsConfig() *PointsConfig {
	return &PointsConfig{
		UnlockPrice:        getEnvAsInt64("POINTS_UNLOCK_PRICE", 100),
		ShareReward:        getEnvAsInt64("POINTS_SHARE_REWARD", 200),
		CheckInBasePoints:  getEnvAsInt64("POINTS_CHECKIN_BASE", 5),
		MilestoneBonuses:   getEnvAsBonusMap("POINTS_CHECKIN_MILESTONES", map[int]int64{7: 100, 14: 300}),
		MaxStreakDays:      getEnvAsInt("POINTS_MAX_STREAK_DAYS", 14),
		OrderExpiry:        getEnvAsDuration("ORDER_EXPIRY", 15*time.Minute),
		PointPackPrice:     getEnvAsInt64("POINTS_PACK_PRICE", 150),
		PointPackPoints:    getEnvAsInt64("POINTS_PACK_POINTS", 100),
		SubscriptionAmount: getEnvAsInt64("SUBSCRIPTION_AMOUNT", 699),
		SubscriptionPoints: getEnvAsInt64("SUBSCRIPTION_POINTS", 2000),
	}
}

// MilestoneBonus returns the bonus for the given streak day, or 0 when the
// day is not a milestone.
func (c *PointsConfig) MilestoneBonus(day int) int64 {
	return c.MilestoneBonuses[day]
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}

// getEnvAsBonusMap parses a "day:points,day:points" list, e.g. "7:100,14:300".
func getEnvAsBonusMap(key string, defaultVal map[int]int64) map[int]int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}

	parsed := make(map[int]int64)
	for _, pair := range strings.Split(val, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			return defaultVal
		}
		day, err := strconv.Atoi(parts[0])
		if err != nil || day <= 0 {
			return defaultVal
		}
		points, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || points <= 0 {
			return defaultVal
		}
		parsed[day] = points
	}
	return parsed
}
