package config

import (
	"os"

	yamlv2 "gopkg.in/yaml.v2"
	"gopkg.in/yaml.v3"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/errs"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
)

// FeedSource names one exchange listing for a feed, in preference order.
type FeedSource struct {
	Exchange string  `yaml:"exchange"`
	Symbol   string  `yaml:"symbol"`
	Weight   float64 `yaml:"weight,omitempty"`
}

// FeedEntry is one catalogue row.
type FeedEntry struct {
	Feed    feeds.FeedId `yaml:"feed"`
	Sources []FeedSource `yaml:"sources"`
}

// Catalogue is the feeds file contents.
type Catalogue struct {
	Feeds []FeedEntry `yaml:"feeds"`
}

// LoadCatalogue reads and validates the feeds file. Every feed name must be
// canonical and admissible for its category.
func LoadCatalogue(path string) (Catalogue, error) {
	var cat Catalogue
	data, err := os.ReadFile(path)
	if err != nil {
		return cat, errs.Wrap(errs.KindConfiguration, "feeds_load", err)
	}
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return cat, errs.Wrap(errs.KindConfiguration, "feeds_parse", err)
	}

	for _, entry := range cat.Feeds {
		if _, _, err := feeds.SplitCanonical(entry.Feed.Name); err != nil {
			return cat, errs.Wrap(errs.KindConfiguration, "feeds_validate", err)
		}
		if !feeds.ValidForCategory(entry.Feed.Name, entry.Feed.Category) {
			return cat, errs.Newf(errs.KindConfiguration, "feeds_validate",
				"feed %s not admissible for category %s", entry.Feed.Name, entry.Feed.Category)
		}
		if len(entry.Sources) == 0 {
			return cat, errs.Newf(errs.KindConfiguration, "feeds_validate",
				"feed %s has no sources", entry.Feed.Name)
		}
	}
	return cat, nil
}

// Exchanges is the legacy per-category exchange listing. The file predates
// the v3 config format and still parses with yaml.v2.
type Exchanges struct {
	Crypto    []string `yaml:"crypto"`
	Forex     []string `yaml:"forex"`
	Commodity []string `yaml:"commodity"`
	Stock     []string `yaml:"stock"`
}

// LoadExchanges reads the exchanges file.
func LoadExchanges(path string) (Exchanges, error) {
	var ex Exchanges
	data, err := os.ReadFile(path)
	if err != nil {
		return ex, errs.Wrap(errs.KindConfiguration, "exchanges_load", err)
	}
	if err := yamlv2.Unmarshal(data, &ex); err != nil {
		return ex, errs.Wrap(errs.KindConfiguration, "exchanges_parse", err)
	}
	return ex, nil
}

// ForCategory returns the exchange ids configured for a category.
func (e Exchanges) ForCategory(cat feeds.Category) []string {
	switch cat {
	case feeds.CategoryCrypto:
		return e.Crypto
	case feeds.CategoryForex:
		return e.Forex
	case feeds.CategoryCommodity:
		return e.Commodity
	case feeds.CategoryStock:
		return e.Stock
	default:
		return nil
	}
}
