package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/threadmail/internal/models"
	"github.com/vdavid/threadmail/internal/registry"
)

func ticketType(t *testing.T) *registry.RecordType {
	t.Helper()
	reg, err := registry.New(registry.Config{RecordTypes: []registry.TypeConfig{{
		Name: "ticket",
		TrackedFields: []registry.TrackedField{
			{Name: "stage", Label: "Stage", Subtype: "ticket_stage"},
			{Name: "user_id", Label: "Assigned to"},
			{Name: "priority"},
		},
		AutoSubscribeFields: []string{"user_id"},
	}}})
	require.NoError(t, err)
	rt, _ := reg.Get("ticket")
	return rt
}

func TestChanges(t *testing.T) {
	rt := ticketType(t)

	batches := Changes(rt,
		map[string]any{"stage": "new", "user_id": float64(3), "priority": float64(1), "name": "a"},
		map[string]any{"stage": "done", "user_id": float64(4), "priority": float64(1), "name": "b"},
	)

	require.Len(t, batches, 2)
	assert.Equal(t, "ticket_stage", batches[0].Subtype)
	require.Len(t, batches[0].Values, 1)
	assert.Equal(t, "Stage", batches[0].Values[0].FieldLabel)
	assert.Equal(t, "new", batches[0].Values[0].OldValue)
	assert.Equal(t, "done", batches[0].Values[0].NewValue)

	assert.Equal(t, "", batches[1].Subtype)
	require.Len(t, batches[1].Values, 1, "unchanged and untracked fields are ignored")
	assert.Equal(t, "3", batches[1].Values[0].OldValue)
	assert.Equal(t, "4", batches[1].Values[0].NewValue)
}

func TestChangesIgnoresFieldsNotWritten(t *testing.T) {
	assert.Empty(t, Changes(ticketType(t), map[string]any{"stage": "new"}, map[string]any{}))
}

func TestAutoSubscribeUsers(t *testing.T) {
	rt := ticketType(t)

	assert.Equal(t, []int64{7}, AutoSubscribeUsers(rt, map[string]any{}, map[string]any{"user_id": float64(7)}))
	assert.Empty(t, AutoSubscribeUsers(rt, map[string]any{"user_id": float64(7)}, map[string]any{"user_id": float64(7)}))
	assert.Empty(t, AutoSubscribeUsers(rt, map[string]any{"user_id": float64(7)}, map[string]any{"user_id": nil}))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "", Format(nil))
	assert.Equal(t, "2", Format(float64(2)))
	assert.Equal(t, "2.5", Format(2.5))
	assert.Equal(t, "true", Format(true))
	assert.Equal(t, "a, b", Format([]any{"b", "a"}))
}

func TestBody(t *testing.T) {
	assert.Equal(t, "<ul><li>Stage: new &rarr; &lt;done&gt;</li></ul>",
		Body([]models.TrackingValue{{FieldLabel: "Stage", OldValue: "new", NewValue: "<done>"}}))
}
