package claims

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Field is one required piece of claim information.
// Condition, when set, is a natural-language predicate checked against the
// conversation before the field is asked.
type Field struct {
	ID        string   `yaml:"id"`
	Question  string   `yaml:"question"`
	Options   []string `yaml:"options,omitempty"`
	Optional  bool     `yaml:"optional,omitempty"`
	Condition string   `yaml:"condition,omitempty"`
}

// Catalog is immutable after construction.
type Catalog struct {
	fields []Field
}

func NewCatalog(fields []Field) (*Catalog, error) {
	seen := make(map[string]struct{}, len(fields))
	out := make([]Field, 0, len(fields))
	for i, f := range fields {
		f.ID = strings.TrimSpace(f.ID)
		f.Question = strings.TrimSpace(f.Question)
		if f.ID == "" {
			return nil, fmt.Errorf("catalog: field %d has no id", i)
		}
		if f.Question == "" {
			return nil, fmt.Errorf("catalog: field %q has no question", f.ID)
		}
		if _, dup := seen[f.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate field id %q", f.ID)
		}
		seen[f.ID] = struct{}{}
		f.Options = append([]string(nil), f.Options...)
		out = append(out, f)
	}
	return &Catalog{fields: out}, nil
}

func (c *Catalog) Len() int { return len(c.fields) }

func (c *Catalog) At(i int) Field { return c.fields[i] }

func (c *Catalog) Lookup(id string) (Field, bool) {
	for _, f := range c.fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// LoadCatalog reads a YAML list of fields.
func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var doc struct {
		Fields []Field `yaml:"fields"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	return NewCatalog(doc.Fields)
}

func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]Field{
		{
			ID:       "issue_type",
			Question: "Please select the issue you are experiencing:",
			Options:  []string{"Item not received", "Item damaged", "Unauthorized transaction", "Other"},
		},
		{
			ID:        "tracking_info",
			Question:  "Do you have a tracking number or shipping link for your order?",
			Options:   []string{"Yes", "No"},
			Condition: "The user reported that the item was not received.",
		},
		{
			ID:        "collect_tracking_info",
			Question:  "Please provide the tracking number or shipping link.",
			Condition: "The user said they have a tracking number or shipping link.",
		},
		{
			ID:        "damage_description",
			Question:  "Please describe the damage to the item.",
			Condition: "The user reported that the item arrived damaged.",
		},
		{
			ID:        "unauthorized_details",
			Question:  "Have you reported this unauthorized transaction to your bank?",
			Options:   []string{"Yes", "No"},
			Condition: "The user reported an unauthorized transaction.",
		},
		{
			ID:        "additional_details_other",
			Question:  "Please provide additional details about the issue.",
			Condition: "The user selected 'Other' as the issue type.",
		},
		{
			ID:       "desired_resolution",
			Question: "What outcome are you looking for (for example a refund or a replacement)? Type 'skip' if you have no preference.",
			Optional: true,
		},
	})
	if err != nil {
		panic(err)
	}
	return c
}
