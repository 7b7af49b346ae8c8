package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/threadmail/internal/models"
)

const fullYAML = `
record_types:
  - name: ticket
    create_from_message: true
    update_from_message: true
    post_access: read
    email_field: email_from
    tracked_fields:
      - name: stage
        label: Stage
        subtype: ticket_stage
      - name: priority
    auto_subscribe_fields: [user_id]
  - name: project
    update_from_message: true
subtypes:
  - name: ticket_stage
    description: Stage changed
    default: true
    model: ticket
`

func TestParse_FullRegistry(t *testing.T) {
	reg, err := Parse([]byte(fullYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"project", "ticket"}, reg.Names())

	ticket, ok := reg.Get("ticket")
	require.True(t, ok)
	assert.True(t, ticket.SupportsCreateFromMessage())
	assert.True(t, ticket.SupportsUpdateFromMessage())
	assert.Equal(t, PermRead, ticket.PostAccess())
	assert.Equal(t, "email_from", ticket.EmailField())
	assert.Equal(t, []string{"user_id"}, ticket.AutoSubscribeFields())
	require.Len(t, ticket.TrackedFields(), 2)
	assert.Equal(t, "priority", ticket.TrackedFields()[1].Label, "label defaults to the field name")

	require.Len(t, reg.Subtypes(), 1)
	assert.Equal(t, "ticket", reg.Subtypes()[0].Model)
}

func TestParse_AppliesDefaults(t *testing.T) {
	reg, err := Parse([]byte(fullYAML))
	require.NoError(t, err)

	project, ok := reg.Get("project")
	require.True(t, ok)
	assert.False(t, project.SupportsCreateFromMessage())
	assert.Equal(t, PermWrite, project.PostAccess())
	assert.Equal(t, models.SubtypeDiscussion, project.DefaultSubtype())
	assert.Equal(t, "name", project.NameField())
}

func TestParse_ValidationErrors(t *testing.T) {
	_, err := Parse([]byte(`
record_types:
  - name: ""
  - name: ticket
    post_access: unlink
  - name: ticket
subtypes:
  - description: nameless
`))
	require.Error(t, err)
	msg := err.Error()
	assert.True(t, strings.Contains(msg, "record_types[0]: name is required"), msg)
	assert.True(t, strings.Contains(msg, `post_access must be read or write, got "unlink"`), msg)
	assert.True(t, strings.Contains(msg, `record_types[2]: duplicate name "ticket"`), msg)
	assert.True(t, strings.Contains(msg, "subtypes[0]: name is required"), msg)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("record_types: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry: parse")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullYAML), 0o600))

	reg, err := Load(path)
	require.NoError(t, err)
	_, ok := reg.Get("ticket")
	assert.True(t, ok)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRegisterAccessOverride(t *testing.T) {
	reg, err := Parse([]byte(fullYAML))
	require.NoError(t, err)

	called := false
	require.NoError(t, reg.RegisterAccessOverride("ticket", func(models.Actor, []int64, Permission) (bool, bool) {
		called = true
		return true, true
	}))

	ticket, _ := reg.Get("ticket")
	require.NotNil(t, ticket.AccessOverride())
	allowed, handled := ticket.AccessOverride()(models.Actor{}, []int64{1}, PermRead)
	assert.True(t, allowed)
	assert.True(t, handled)
	assert.True(t, called)

	assert.Error(t, reg.RegisterAccessOverride("unknown", nil))
}
