/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pattern

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// UnmatchedIssue is one historical issue that either matched nothing
// or matched below every candidate pattern's threshold.
type UnmatchedIssue struct {
	Category string
	Features map[string]interface{}
}

// cluster groups issues whose pairwise similarity all exceed minIntraSimilarity.
type cluster struct {
	category string
	members  []UnmatchedIssue
	floor    float64 // lowest pairwise similarity observed within the cluster
}

// clusterIssues greedily groups same-category issues: an issue joins
// the first cluster whose every current member it is similar enough
// to (>= minIntraSimilarity), else it seeds a new cluster.
func clusterIssues(issues []UnmatchedIssue, minIntraSimilarity float64) []cluster {
	var clusters []cluster
	for _, issue := range issues {
		placed := false
		for i := range clusters {
			c := &clusters[i]
			if c.category != issue.Category {
				continue
			}
			minSim := 1.0
			fits := true
			for _, m := range c.members {
				sim := similarity(m.Features, issue.Features)
				if sim < minIntraSimilarity {
					fits = false
					break
				}
				if sim < minSim {
					minSim = sim
				}
			}
			if fits {
				c.members = append(c.members, issue)
				if minSim < c.floor {
					c.floor = minSim
				}
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, cluster{category: issue.Category, members: []UnmatchedIssue{issue}, floor: 1.0})
		}
	}
	return clusters
}

// CandidatePattern is a newly discovered pattern proposal, not yet
// persisted.
type CandidatePattern struct {
	Category            string
	Features             map[string]interface{}
	ConfidenceThreshold float64
	Occurrences          int
}

// DiscoverCandidates scans history for clusters of at least
// minOccurrences issues whose intra-cluster similarity never drops
// below minIntraSimilarity, proposing one CandidatePattern per such
// cluster. The cluster's representative feature vector is its first
// member's; the proposed threshold is the cluster's own similarity
// floor ("initial confidence threshold equal to the cluster's
// intra-similarity floor").
func DiscoverCandidates(history []UnmatchedIssue, minOccurrences int, minIntraSimilarity float64) []CandidatePattern {
	var out []CandidatePattern
	for _, c := range clusterIssues(history, minIntraSimilarity) {
		if len(c.members) < minOccurrences {
			continue
		}
		out = append(out, CandidatePattern{
			Category:            c.category,
			Features:             c.members[0].Features,
			ConfidenceThreshold: c.floor,
			Occurrences:          len(c.members),
		})
	}
	return out
}

// PromoteCandidates persists every candidate as a new pattern.
func (r *Recognizer) PromoteCandidates(ctx context.Context, candidates []CandidatePattern) ([]Pattern, error) {
	out := make([]Pattern, 0, len(candidates))
	for i, c := range candidates {
		name := fmt.Sprintf("learned-%s-%d", c.Category, i)
		p, err := r.Create(ctx, name, c.Category, c.Features, c.ConfidenceThreshold)
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ScheduleLearningSweep registers a periodic job (default hourly) that
// runs discover against historyFn's current unmatched-issue backlog
// and promotes any resulting candidates: the "history ... is
// scanned periodically".
func ScheduleLearningSweep(c *cron.Cron, spec string, r *Recognizer, historyFn func() []UnmatchedIssue, minOccurrences int, minIntraSimilarity float64) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		candidates := DiscoverCandidates(historyFn(), minOccurrences, minIntraSimilarity)
		if len(candidates) == 0 {
			return
		}
		_, _ = r.PromoteCandidates(context.Background(), candidates)
	})
}
