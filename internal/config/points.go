package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PointsPolicy is the table of point costs and rewards.
type PointsPolicy struct {
	IndividualPostCost int64 `yaml:"individual_post_cost"`
	GroupPostCost      int64 `yaml:"group_post_cost"`
	LikeReward         int64 `yaml:"like_reward"`
	CommentReward      int64 `yaml:"comment_reward"`
	SignupBonus        int64 `yaml:"signup_bonus"`
}

// DefaultPointsPolicy returns the built-in point table.
func DefaultPointsPolicy() PointsPolicy {
	return PointsPolicy{
		IndividualPostCost: 20,
		GroupPostCost:      50,
		LikeReward:         1,
		CommentReward:      2,
		SignupBonus:        100,
	}
}

// LoadPointsPolicyFromPath reads a YAML policy. Keys missing from the file keep
// their default values.
func LoadPointsPolicyFromPath(path string) (PointsPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PointsPolicy{}, fmt.Errorf("failed to read points policy: %w", err)
	}

	policy := DefaultPointsPolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return PointsPolicy{}, fmt.Errorf("failed to parse points policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return PointsPolicy{}, err
	}
	return policy, nil
}

// Validate requires positive post costs and non-negative rewards.
func (p PointsPolicy) Validate() error {
	if p.IndividualPostCost <= 0 || p.GroupPostCost <= 0 {
		return fmt.Errorf("post costs must be positive")
	}
	if p.LikeReward < 0 || p.CommentReward < 0 || p.SignupBonus < 0 {
		return fmt.Errorf("rewards must not be negative")
	}
	return nil
}
