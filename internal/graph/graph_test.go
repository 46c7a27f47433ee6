package graph

import (
	"testing"

	"github.com/apresai/podknowledge/internal/graphmodel"
)

func TestDetermineStatus(t *testing.T) {
	cases := []struct {
		total, failed int
		want          graphmodel.EpisodeStatus
	}{
		{10, 0, graphmodel.EpisodeOK},
		{10, 1, graphmodel.EpisodePartial},
		{10, 5, graphmodel.EpisodePartial},
		{10, 6, graphmodel.EpisodeFailed},
		{0, 0, graphmodel.EpisodeFailed},
	}
	for _, c := range cases {
		got := DetermineStatus(c.total, c.failed)
		if got != c.want {
			t.Errorf("DetermineStatus(%d, %d) = %s, want %s", c.total, c.failed, got, c.want)
		}
	}
}
