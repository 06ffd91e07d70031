package resource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const schemaYAML = `
resourceTypes:
  - name: workspace
    ownerRole: owner
    actionPatterns: ["read", "administer", "add_child", "set_parent"]
    roles:
      - name: owner
        actions: ["read", "administer", "add_child", "set_parent"]
  - name: folder
    ownerRole: owner
    actionPatterns: ["read", "write", "delete", "share", "add_child", "set_parent"]
    roles:
      - name: owner
        actions: ["read", "write", "delete", "share", "add_child", "set_parent"]
      - name: viewer
        actions: ["read"]
`

func writeSchema(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "resource_types.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSchemaFromFile(t *testing.T) {
	path := writeSchema(t, schemaYAML)

	s, err := LoadSchemaFromFile(path)
	require.NoError(t, err)
	require.Len(t, s.ResourceTypes, 2)

	folder := s.ResourceTypes[1]
	assert.Equal(t, "folder", folder.Name)
	assert.Equal(t, "owner", folder.OwnerRoleName)

	viewer, ok := folder.Role("viewer")
	require.True(t, ok)
	assert.Equal(t, []string{"read"}, viewer.Actions)
}

func TestValidateSchema_Rejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty schema", `resourceTypes: []`},
		{"type name with reserved delimiter", `
resourceTypes:
  - name: a/b
    actionPatterns: ["x"]
`},
		{"duplicate type", `
resourceTypes:
  - name: a
    actionPatterns: ["x"]
  - name: a
    actionPatterns: ["x"]
`},
		{"missing owner role", `
resourceTypes:
  - name: a
    ownerRole: boss
    actionPatterns: ["x"]
    roles:
      - name: worker
        actions: ["x"]
`},
		{"role action outside patterns", `
resourceTypes:
  - name: a
    actionPatterns: ["x"]
    roles:
      - name: worker
        actions: ["y"]
`},
		{"duplicate role", `
resourceTypes:
  - name: a
    actionPatterns: ["x"]
    roles:
      - name: worker
        actions: ["x"]
      - name: worker
        actions: ["x"]
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSchema(t, tt.yaml)
			_, err := LoadSchemaFromFile(path)
			assert.Error(t, err)
		})
	}
}

func TestActionAllowed_Patterns(t *testing.T) {
	rt := ResourceType{ActionPatterns: []string{"read", "admin_*"}}
	assert.True(t, rt.ActionAllowed("read"))
	assert.True(t, rt.ActionAllowed("admin_users"))
	assert.False(t, rt.ActionAllowed("write"))
	assert.False(t, rt.ActionAllowed(""))
}

func TestRegistry_InitialLoad(t *testing.T) {
	path := writeSchema(t, schemaYAML)

	r := NewRegistry(path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Start(ctx))

	rt, ok := r.Type("folder")
	require.True(t, ok)
	assert.True(t, rt.ActionAllowed("share"))

	_, ok = r.Type("spaceship")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"workspace", "folder"}, r.Types())
}

func TestRegistry_StartFailsOnInvalidSchema(t *testing.T) {
	path := writeSchema(t, `resourceTypes: []`)

	r := NewRegistry(path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Error(t, r.Start(ctx))
}
