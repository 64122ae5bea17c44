// Package apps stores the lock rule of every installed application.
package apps

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/stepunlock/internal/config"
	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/model"
)

// InstalledApp is what the platform reports about an installed package.
type InstalledApp struct {
	PackageID   string `json:"package_id"`
	DisplayName string `json:"display_name"`
}

// Classification holds the defaults a newly seen app starts with.
type Classification struct {
	Category       model.Category
	UnlockCost     int64
	UnlockDuration time.Duration
	Locked         bool
}

type Classifier interface {
	Classify(app InstalledApp) Classification
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(app InstalledApp) Classification

func (f ClassifierFunc) Classify(app InstalledApp) Classification {
	return f(app)
}

type keywordRule struct {
	keywords []string
	class    Classification
}

// KeywordClassifier matches the package id and display name against keyword
// lists. The first category with a matching keyword wins.
type KeywordClassifier struct {
	rules    []keywordRule
	fallback Classification
}

func NewKeywordClassifier(cfg config.AppsConfig) (*KeywordClassifier, error) {
	defaultDuration, err := config.DurationOrDefault(cfg.DefaultUnlockDuration, config.DefaultAppsUnlockDuration)
	if err != nil {
		return nil, heikeErrors.InvalidConfig(fmt.Sprintf("apps.default_unlock_duration: %v", err))
	}
	defaultCost := cfg.DefaultUnlockCost
	if defaultCost <= 0 {
		defaultCost = config.DefaultAppsUnlockCost
	}

	k := &KeywordClassifier{
		fallback: Classification{
			Category:       model.CategoryOther,
			UnlockCost:     defaultCost,
			UnlockDuration: defaultDuration,
			Locked:         cfg.DefaultLocked,
		},
	}

	for _, c := range cfg.Categories {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" {
			return nil, heikeErrors.InvalidConfig("apps.categories: category name is required")
		}
		d, err := config.DurationOrDefault(c.UnlockDuration, defaultDuration.String())
		if err != nil {
			return nil, heikeErrors.InvalidConfig(fmt.Sprintf("apps.categories.%s: %v", name, err))
		}
		cost := c.UnlockCost
		if cost <= 0 {
			cost = defaultCost
		}
		keywords := make([]string, 0, len(c.Keywords))
		for _, kw := range c.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				keywords = append(keywords, kw)
			}
		}
		k.rules = append(k.rules, keywordRule{
			keywords: keywords,
			class: Classification{
				Category:       model.Category(name),
				UnlockCost:     cost,
				UnlockDuration: d,
				Locked:         c.Locked,
			},
		})
	}
	return k, nil
}

func (k *KeywordClassifier) Classify(app InstalledApp) Classification {
	haystack := strings.ToLower(app.PackageID + " " + app.DisplayName)
	for _, r := range k.rules {
		for _, kw := range r.keywords {
			if strings.Contains(haystack, kw) {
				return r.class
			}
		}
	}
	return k.fallback
}
