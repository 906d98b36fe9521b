package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"iap-helper/internal/iap"
)

// CatalogFile is the on-disk product catalog.
type CatalogFile struct {
	Products []ProductConfig `yaml:"products"`
}

type ProductConfig struct {
	ID                    string            `yaml:"id"`
	Type                  string            `yaml:"type"`
	Title                 string            `yaml:"title"`
	Subtitle              string            `yaml:"subtitle"`
	Level                 int               `yaml:"level"`
	AutoFetch             *bool             `yaml:"auto_fetch"`
	BypassActive          bool              `yaml:"bypass_active"`
	PurchasePromptMessage string            `yaml:"purchase_prompt_message"`
	PurchaseMessage       string            `yaml:"purchase_message"`
	UserInfo              map[string]string `yaml:"user_info"`
	Entry                 *EntryConfig      `yaml:"entry"`
}

// EntryConfig is a statically declared storefront entry.
type EntryConfig struct {
	Title       string  `yaml:"title"`
	Description string  `yaml:"description"`
	Price       float64 `yaml:"price"`
	Currency    string  `yaml:"currency"`
	Locale      string  `yaml:"locale"`
}

// LoadCatalogFile reads product definitions from a YAML file.
func LoadCatalogFile(path string) ([]iap.ProductDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog file: %w", err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

// ParseCatalog decodes and validates a YAML product catalog. auto_fetch
// defaults to true.
func ParseCatalog(r io.Reader) ([]iap.ProductDefinition, error) {
	var file CatalogFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	seen := make(map[string]bool, len(file.Products))
	defs := make([]iap.ProductDefinition, 0, len(file.Products))
	for i, p := range file.Products {
		if p.ID == "" {
			return nil, fmt.Errorf("product %d: missing id", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("product %s: duplicate id", p.ID)
		}
		seen[p.ID] = true

		productType, err := iap.ParseProductType(p.Type)
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", p.ID, err)
		}
		if p.Level < 0 {
			return nil, fmt.Errorf("product %s: level must not be negative", p.ID)
		}

		def := iap.ProductDefinition{
			Identifier:            p.ID,
			Type:                  productType,
			Title:                 p.Title,
			Subtitle:              p.Subtitle,
			PurchasePromptMessage: p.PurchasePromptMessage,
			PurchaseMessage:       p.PurchaseMessage,
			Level:                 p.Level,
			AutoFetch:             p.AutoFetch == nil || *p.AutoFetch,
			BypassActive:          p.BypassActive,
			UserInfo:              p.UserInfo,
		}
		if p.Entry != nil {
			def.Entry = &iap.CatalogEntry{
				ProductIdentifier: p.ID,
				Title:             p.Entry.Title,
				Description:       p.Entry.Description,
				Price:             p.Entry.Price,
				CurrencyCode:      p.Entry.Currency,
				Locale:            p.Entry.Locale,
			}
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// StaticEntries collects the entries declared inline in defs.
func StaticEntries(defs []iap.ProductDefinition) []iap.CatalogEntry {
	var entries []iap.CatalogEntry
	for _, def := range defs {
		if def.Entry != nil {
			entries = append(entries, *def.Entry)
		}
	}
	return entries
}
