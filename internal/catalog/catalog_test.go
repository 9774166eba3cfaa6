package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nikolasgian10/cidades-sub000/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()

	certidao, ok := c.Lookup("certidao")
	require.True(t, ok)
	assert.Equal(t, "C", certidao.Prefix)

	other, ok := c.Lookup(KeyOther)
	require.True(t, ok)
	assert.True(t, other.RequiresDepartment)
	assert.Empty(t, other.Department)

	comm, ok := c.Lookup(KeyCommunication)
	require.True(t, ok)
	assert.True(t, comm.RequiresConfirmation)

	_, ok = c.Lookup("nope")
	assert.False(t, ok)
}

func TestDepartmentsAreDistinct(t *testing.T) {
	c, err := New([]models.Category{
		{Key: "a", Prefix: "A", Department: "X"},
		{Key: "b", Prefix: "B", Department: "X"},
		{Key: "c", Prefix: "C", Department: "Y"},
		{Key: "o", Prefix: "O", RequiresDepartment: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "Y"}, c.Departments())
}

func TestNewRejectsInvalidCategories(t *testing.T) {
	cases := map[string][]models.Category{
		"empty":         nil,
		"missing key":   {{Prefix: "A", Department: "X"}},
		"duplicate":     {{Key: "a", Prefix: "A", Department: "X"}, {Key: "a", Prefix: "B", Department: "X"}},
		"long prefix":   {{Key: "a", Prefix: "AB", Department: "X"}},
		"digit prefix":  {{Key: "a", Prefix: "1", Department: "X"}},
		"no department": {{Key: "a", Prefix: "A"}},
	}
	for name, categories := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(categories)
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "categories.yaml")
	content := `categories:
  - key: certidao
    label: Certidões
    prefix: c
    color: blue
    department: Secretaria de Administração
  - key: outros
    label: Outros
    prefix: O
    color: gray
    requires_department: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	certidao, ok := c.Lookup("certidao")
	require.True(t, ok)
	assert.Equal(t, "C", certidao.Prefix)
	assert.Len(t, c.Categories(), 2)
}

func TestExampleFileMatchesDefault(t *testing.T) {
	c, err := LoadFile(filepath.Join("..", "..", "categories.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Categories(), c.Categories())
}
