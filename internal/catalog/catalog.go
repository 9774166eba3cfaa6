// Package catalog holds the fixed set of reception service categories and
// the department that owns each one.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/nikolasgian10/cidades-sub000/internal/models"

	"gopkg.in/yaml.v3"
)

const (
	KeyCommunication = "comunicacao"
	KeyOther         = "outros"
)

var defaultCategories = []models.Category{
	{Key: "certidao", Label: "Certidões e Documentos", Prefix: "C", Color: "blue", Department: "Secretaria de Administração"},
	{Key: "buracos_vias", Label: "Buracos e Vias", Prefix: "B", Color: "orange", Department: "Secretaria de Obras"},
	{Key: "iluminacao", Label: "Iluminação Pública", Prefix: "I", Color: "yellow", Department: "Secretaria de Serviços Urbanos"},
	{Key: "limpeza", Label: "Limpeza Urbana", Prefix: "L", Color: "green", Department: "Secretaria de Meio Ambiente"},
	{Key: "tributos", Label: "IPTU e Tributos", Prefix: "T", Color: "purple", Department: "Secretaria de Finanças"},
	{Key: "saude", Label: "Saúde", Prefix: "S", Color: "red", Department: "Secretaria de Saúde"},
	{Key: KeyCommunication, Label: "Comunicação", Prefix: "M", Color: "teal", Department: "Ouvidoria Municipal", RequiresConfirmation: true},
	{Key: KeyOther, Label: "Outros Assuntos", Prefix: "O", Color: "gray", RequiresDepartment: true},
}

type Catalog struct {
	categories []models.Category
	byKey      map[string]models.Category
}

type file struct {
	Categories []models.Category `yaml:"categories"`
}

func Default() *Catalog {
	c, err := New(defaultCategories)
	if err != nil {
		panic(err)
	}
	return c
}

func New(categories []models.Category) (*Catalog, error) {
	if len(categories) == 0 {
		return nil, errors.New("catalog: no categories")
	}
	c := &Catalog{byKey: make(map[string]models.Category, len(categories))}
	for _, category := range categories {
		category.Key = strings.TrimSpace(category.Key)
		category.Prefix = strings.ToUpper(strings.TrimSpace(category.Prefix))
		if category.Key == "" {
			return nil, errors.New("catalog: category key is required")
		}
		if _, dup := c.byKey[category.Key]; dup {
			return nil, fmt.Errorf("catalog: duplicate category %q", category.Key)
		}
		if !isPrefix(category.Prefix) {
			return nil, fmt.Errorf("catalog: category %q prefix must be a single letter", category.Key)
		}
		if category.Department == "" && !category.RequiresDepartment {
			return nil, fmt.Errorf("catalog: category %q has no department", category.Key)
		}
		c.byKey[category.Key] = category
		c.categories = append(c.categories, category)
	}
	return c, nil
}

// LoadFile reads a YAML catalog of the form `categories: [...]`.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	return New(f.Categories)
}

func (c *Catalog) Lookup(key string) (models.Category, bool) {
	category, ok := c.byKey[key]
	return category, ok
}

func (c *Catalog) Categories() []models.Category {
	out := make([]models.Category, len(c.categories))
	copy(out, c.categories)
	return out
}

// Departments lists the distinct owning departments in catalog order.
func (c *Catalog) Departments() []string {
	seen := make(map[string]bool)
	var out []string
	for _, category := range c.categories {
		if category.Department == "" || seen[category.Department] {
			continue
		}
		seen[category.Department] = true
		out = append(out, category.Department)
	}
	return out
}

func isPrefix(value string) bool {
	runes := []rune(value)
	return len(runes) == 1 && unicode.IsLetter(runes[0])
}
