package memories

import (
	"context"
	"sort"
	"strings"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/textutil"
)

// ReflectResponse aggregates metacognition signals over recent episodes.
type ReflectResponse struct {
	Project         string         `json:"project,omitempty"`
	EpisodesScanned int            `json:"episodes_scanned"`
	Outcomes        map[string]int `json:"outcomes"`
	SuccessRate     float64        `json:"success_rate"`
	TopCommands     []CommandStat  `json:"top_commands,omitempty"`
	TopTags         []TagStat      `json:"top_tags,omitempty"`
	RepeatedErrors  []string       `json:"repeated_errors,omitempty"`
	AvgUsefulness   float64        `json:"avg_usefulness"`
}

// CommandStat counts how often a command shows up in episode bodies.
type CommandStat struct {
	Command string `json:"command"`
	Count   int    `json:"count"`
}

// TagStat counts tag frequency across the scanned window.
type TagStat struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Reflect scans the most recent episodes (optionally tag-filtered) and
// aggregates outcome markers, command usage, tag frequency, and score
// distribution into a self-assessment the agent can reason about.
func (s *Service) Reflect(ctx context.Context, project string, lookback int, filterTags []string) (ReflectResponse, error) {
	if lookback <= 0 || lookback > 200 {
		lookback = 50
	}
	resp := ReflectResponse{
		Project:  project,
		Outcomes: map[string]int{},
	}

	episodes, err := s.store.RecentItems(ctx, s.tenant, project, []model.Kind{model.KindEpisode}, lookback)
	if err != nil {
		return ReflectResponse{}, err
	}

	normTags := textutil.NormalizeTags(filterTags)
	commandCounts := map[string]int{}
	tagCounts := map[string]int{}
	errorTitles := map[string]int{}
	var scoreSum float64
	var successes, marked int

	for i := range episodes {
		ep := &episodes[i]
		if len(normTags) > 0 && !hasAnyTag(ep.Tags, normTags) {
			continue
		}
		resp.EpisodesScanned++
		scoreSum += ep.UsefulnessScore

		switch textutil.OutcomeMarker(ep.Title) {
		case "[success]":
			resp.Outcomes["success"]++
			successes++
			marked++
		case "[failed]":
			resp.Outcomes["failed"]++
			marked++
		case "[partial]":
			resp.Outcomes["partial"]++
			marked++
		default:
			resp.Outcomes["unmarked"]++
		}

		if cmd := textutil.ExtractCommand(ep.Content); cmd != "" {
			commandCounts[commandHead(cmd)]++
		}
		for _, tag := range ep.Tags {
			tagCounts[tag]++
		}
		if ep.ErrorCount > 0 {
			errorTitles[ep.Title] += ep.ErrorCount
		}
	}

	if marked > 0 {
		resp.SuccessRate = float64(successes) / float64(marked)
	}
	if resp.EpisodesScanned > 0 {
		resp.AvgUsefulness = scoreSum / float64(resp.EpisodesScanned)
	}
	resp.TopCommands = topCommands(commandCounts, 10)
	resp.TopTags = topTags(tagCounts, 10)
	for title, count := range errorTitles {
		if count >= 2 {
			resp.RepeatedErrors = append(resp.RepeatedErrors, title)
		}
	}
	sort.Strings(resp.RepeatedErrors)
	return resp, nil
}

// commandHead keeps only the binary name so variants of the same command
// aggregate together.
func commandHead(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return cmd
	}
	return fields[0]
}

func topCommands(counts map[string]int, limit int) []CommandStat {
	out := make([]CommandStat, 0, len(counts))
	for cmd, n := range counts {
		out = append(out, CommandStat{Command: cmd, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Command < out[j].Command
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func topTags(counts map[string]int, limit int) []TagStat {
	out := make([]TagStat, 0, len(counts))
	for tag, n := range counts {
		out = append(out, TagStat{Tag: tag, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
