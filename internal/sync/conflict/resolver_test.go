package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightpress/nightpress/internal/models"
)

func snapshot(id models.UUID, body string, version int) *models.ScheduledContent {
	return &models.ScheduledContent{
		ID:        id,
		Type:      models.ContentTypePost,
		Content:   body,
		PublishAt: 1700000000,
		Status:    models.ContentStatusScheduled,
		Version:   version,
	}
}

func publishing(id models.UUID, body string, version int) *models.ScheduledContent {
	s := snapshot(id, body, version)
	s.Status = models.ContentStatusPublishing
	return s
}

func TestDetect(t *testing.T) {
	id := models.UUID("11111111-1111-4111-8111-111111111111")

	tests := []struct {
		name          string
		local, server *models.ScheduledContent
		localV        int
		serverV       int
		want          bool
	}{
		{
			name:  "identical state",
			local: snapshot(id, "same", 2), server: snapshot(id, "same", 2),
			localV: 2, serverV: 2,
			want: false,
		},
		{
			name:  "server version ahead",
			local: snapshot(id, "same", 2), server: snapshot(id, "same", 3),
			localV: 2, serverV: 3,
			want: true,
		},
		{
			name:  "content diverged at equal version",
			local: snapshot(id, "mine", 2), server: snapshot(id, "theirs", 2),
			localV: 2, serverV: 2,
			want: true,
		},
		{
			name:  "local version ahead with matching fields",
			local: snapshot(id, "same", 3), server: snapshot(id, "same", 2),
			localV: 3, serverV: 2,
			want: false,
		},
		{
			name:  "local edit ahead of untouched server",
			local: snapshot(id, "edited body", 2), server: snapshot(id, "original body", 1),
			localV: 2, serverV: 1,
			want: false,
		},
		{
			name:  "status transition ahead of untouched server",
			local: publishing(id, "same", 2), server: snapshot(id, "same", 1),
			localV: 2, serverV: 1,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, found := Detect(tt.local, tt.server, tt.localV, tt.serverV)
			assert.Equal(t, tt.want, found)
			if tt.want {
				require.NotNil(t, c)
				assert.Equal(t, id, c.ContentID)
				assert.Equal(t, tt.serverV, c.ServerVersion)
			}
		})
	}
}

func TestDetectDivergedPublishTime(t *testing.T) {
	id := models.UUID("11111111-1111-4111-8111-111111111111")
	local := snapshot(id, "same", 2)
	server := snapshot(id, "same", 2)
	server.PublishAt = local.PublishAt + 600

	_, found := Detect(local, server, 2, 2)
	assert.True(t, found, "diverged publish time must be a conflict")
}

func TestResolveLocalWinsAndReenqueues(t *testing.T) {
	id := models.UUID("11111111-1111-4111-8111-111111111111")
	c, found := Detect(snapshot(id, "mine", 2), snapshot(id, "theirs", 4), 2, 4)
	require.True(t, found)

	outcome, err := NewResolver().ResolveLocal(c)
	require.NoError(t, err)

	assert.Equal(t, "mine", outcome.Winning.Content)
	assert.Equal(t, 5, outcome.Winning.Version, "winner must supersede the server version")
	assert.True(t, outcome.Reenqueue)
	assert.Equal(t, models.ResolutionLocal, outcome.Log.Resolution)
	assert.Equal(t, 2, outcome.Log.LocalVersion)
	assert.Equal(t, 4, outcome.Log.ServerVersion)
}

func TestResolveServerAdoptsWithoutReenqueue(t *testing.T) {
	id := models.UUID("11111111-1111-4111-8111-111111111111")
	c, found := Detect(snapshot(id, "mine", 2), snapshot(id, "theirs", 4), 2, 4)
	require.True(t, found)

	outcome, err := NewResolver().ResolveServer(c)
	require.NoError(t, err)

	assert.Equal(t, "theirs", outcome.Winning.Content)
	assert.Equal(t, 4, outcome.Winning.Version)
	assert.False(t, outcome.Reenqueue, "adopting the server needs no push")
	assert.Equal(t, models.ResolutionServer, outcome.Log.Resolution)
}

func TestResolveManualMergesAndReenqueues(t *testing.T) {
	id := models.UUID("11111111-1111-4111-8111-111111111111")
	c, found := Detect(snapshot(id, "mine", 2), snapshot(id, "theirs", 4), 2, 4)
	require.True(t, found)

	merged := snapshot(id, "mine and theirs", 0)
	outcome, err := NewResolver().ResolveManual(c, merged)
	require.NoError(t, err)

	assert.Equal(t, "mine and theirs", outcome.Winning.Content)
	assert.Equal(t, 5, outcome.Winning.Version)
	assert.True(t, outcome.Reenqueue)
}

func TestResolveManualRejectsMismatchedContent(t *testing.T) {
	id := models.UUID("11111111-1111-4111-8111-111111111111")
	c, found := Detect(snapshot(id, "mine", 2), snapshot(id, "theirs", 4), 2, 4)
	require.True(t, found)

	other := snapshot("22222222-2222-4222-8222-222222222222", "wrong", 1)
	_, err := NewResolver().ResolveManual(c, other)
	assert.Error(t, err)
}
