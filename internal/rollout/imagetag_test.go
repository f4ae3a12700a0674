package rollout

import (
	"testing"

	"github.com/stretchr/testify/require"

	api "github.com/flockctl/flockctl/api/v1"
)

func targetDoc() *api.StateDocument {
	return &api.StateDocument{
		Apps: map[int64]api.AppState{
			1000: {
				AppID: 1000,
				Services: []api.ServiceState{
					{ServiceID: 1, ServiceName: "web", ImageName: "nginx:1.24"},
					{ServiceID: 2, ServiceName: "db", ImageName: "postgres:16"},
				},
			},
			1001: {
				AppID: 1001,
				Services: []api.ServiceState{
					{ServiceID: 3, ServiceName: "edge", ImageName: "nginx:1.24"},
				},
			},
		},
	}
}

func TestRewriteImageTag(t *testing.T) {
	doc := targetDoc()
	changed := RewriteImageTag(doc, "nginx", "1.25")
	require.Equal(t, 2, changed)
	require.Equal(t, "nginx:1.25", doc.Apps[1000].Services[0].ImageName)
	require.Equal(t, "postgres:16", doc.Apps[1000].Services[1].ImageName)
	require.Equal(t, "nginx:1.25", doc.Apps[1001].Services[0].ImageName)
}

func TestRewriteImageTagAlreadyCurrent(t *testing.T) {
	doc := targetDoc()
	require.Equal(t, 2, RewriteImageTag(doc, "nginx", "1.25"))
	require.Equal(t, 0, RewriteImageTag(doc, "nginx", "1.25"))
}

func TestRewriteImageTagNoMatch(t *testing.T) {
	doc := targetDoc()
	require.Equal(t, 0, RewriteImageTag(doc, "redis", "7"))
	require.Equal(t, "nginx:1.24", doc.Apps[1000].Services[0].ImageName)
}

func TestRewriteImageTagRegistryPort(t *testing.T) {
	doc := &api.StateDocument{
		Apps: map[int64]api.AppState{
			1000: {
				AppID: 1000,
				Services: []api.ServiceState{
					{ServiceID: 1, ServiceName: "app", ImageName: "registry.local:5000/app:v1"},
				},
			},
		},
	}
	changed := RewriteImageTag(doc, "registry.local:5000/app", "v2")
	require.Equal(t, 1, changed)
	require.Equal(t, "registry.local:5000/app:v2", doc.Apps[1000].Services[0].ImageName)
}

func TestRewriteImageTagUntaggedService(t *testing.T) {
	// An image without a tag is implicitly latest and still matches by repo.
	doc := &api.StateDocument{
		Apps: map[int64]api.AppState{
			1000: {
				AppID: 1000,
				Services: []api.ServiceState{
					{ServiceID: 1, ServiceName: "web", ImageName: "nginx"},
				},
			},
		},
	}
	require.Equal(t, 1, RewriteImageTag(doc, "nginx", "1.25"))
	require.Equal(t, "nginx:1.25", doc.Apps[1000].Services[0].ImageName)
}

func TestRewriteImageTagNilDoc(t *testing.T) {
	require.Equal(t, 0, RewriteImageTag(nil, "nginx", "1.25"))
}
