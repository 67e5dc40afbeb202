// Package router implements a deterministic, keyword-weighted classifier
// from a natural-language instruction to one of the 14 primitives. It is a
// library only — per §4.10 it is never exposed as a callable primitive,
// since the host's own natural-language capability already selects
// primitives; this exists to be independently testable and reusable
// offline. No teacher analogue exists (the teacher has no free-text intent
// layer of its own), so this is written fresh as declarative scoring data
// plus a pure function, following the spec's exact formula in §4.10.
package router

import (
	"regexp"
	"sort"
	"strings"
)

// Decision is either a confident primitive selection or, when the score is
// ambiguous, a disambiguation record.
type Decision struct {
	Primitive    string
	Confidence   int
	Disambiguate bool
	Alternatives []ScoredPrimitive // top 3, present only when Disambiguate
}

// ScoredPrimitive pairs a primitive name with its raw score.
type ScoredPrimitive struct {
	Primitive string
	Score     int
}

// rule declares one primitive's scoring inputs.
type rule struct {
	primitive       string
	keywords        []string // primary match, each worth 50
	contextKeywords []string // context match, each worth 10
}

var rules = []rule{
	{
		primitive:       "local_run",
		keywords:        []string{"run", "execute", "do"},
		contextKeywords: []string{"locally", "here", "now", "wait"},
	},
	{
		primitive:       "local_exec",
		keywords:        []string{"start", "kick off", "launch"},
		contextKeywords: []string{"locally", "background", "async"},
	},
	{
		primitive:       "local_resume",
		keywords:        []string{"resume", "continue"},
		contextKeywords: []string{"thread", "conversation", "locally"},
	},
	{
		primitive:       "local_status",
		keywords:        []string{"status", "check"},
		contextKeywords: []string{"local", "task", "progress"},
	},
	{
		primitive:       "local_results",
		keywords:        []string{"results", "output", "diff"},
		contextKeywords: []string{"local", "show"},
	},
	{
		primitive:       "local_wait",
		keywords:        []string{"wait"},
		contextKeywords: []string{"finish", "complete", "local"},
	},
	{
		primitive:       "local_cancel",
		keywords:        []string{"cancel", "stop", "abort"},
		contextKeywords: []string{"local", "task"},
	},
	{
		primitive:       "cloud_run",
		keywords:        []string{"run", "execute"},
		contextKeywords: []string{"cloud", "remote", "hosted"},
	},
	{
		primitive:       "cloud_exec",
		keywords:        []string{"start", "kick off", "launch"},
		contextKeywords: []string{"cloud", "remote", "background"},
	},
	{
		primitive:       "cloud_resume",
		keywords:        []string{"resume", "continue"},
		contextKeywords: []string{"cloud", "thread", "remote"},
	},
	{
		primitive:       "cloud_status",
		keywords:        []string{"status", "check"},
		contextKeywords: []string{"cloud", "remote"},
	},
	{
		primitive:       "cloud_results",
		keywords:        []string{"results", "output", "diff"},
		contextKeywords: []string{"cloud", "remote"},
	},
	{
		primitive:       "cloud_wait",
		keywords:        []string{"wait"},
		contextKeywords: []string{"cloud", "remote", "finish"},
	},
	{
		primitive:       "cloud_cancel",
		keywords:        []string{"cancel", "stop", "abort"},
		contextKeywords: []string{"cloud", "remote"},
	},
	{
		primitive:       "cloud_list_environments",
		keywords:        []string{"environments", "list environments"},
		contextKeywords: []string{"cloud", "available"},
	},
	{
		primitive:       "cloud_github_setup",
		keywords:        []string{"github setup", "connect github", "set up github"},
		contextKeywords: []string{"repo", "repository"},
	},
}

var (
	localTaskIDRe = regexp.MustCompile(`T-local-[a-z0-9]+`)
	cloudTaskIDRe = regexp.MustCompile(`T-cloud-[a-z0-9]+`)
	inTheCloudRe  = regexp.MustCompile(`(?i)in the cloud`)
)

// confidenceThreshold and gapThreshold implement §4.10's decision rule:
// "top score >= 70% [of the max attainable] or gap to runner-up >= 20".
const (
	confidenceThreshold = 70
	gapThreshold        = 20
	maxAttainableScore  = 100 // normalizes raw scores onto a 0-100 scale
)

// Route classifies instruction into a primitive, or a disambiguation
// record when the top two scores are too close to call confidently.
func Route(instruction string) Decision {
	lower := strings.ToLower(instruction)

	scores := make([]ScoredPrimitive, 0, len(rules))
	for _, r := range rules {
		score := scoreRule(r, lower)
		scores = append(scores, ScoredPrimitive{Primitive: r.primitive, Score: score})
	}
	applyDisambiguationBoosts(scores, instruction)

	sort.Slice(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })

	top := scores[0]
	confidence := normalize(top.Score)

	gap := 0
	if len(scores) > 1 {
		gap = top.Score - scores[1].Score
	}

	// A tie for the top score (gap == 0) is never decisive on confidence
	// alone — "check the status" scores local_status and cloud_status
	// identically and must fall through to disambiguation.
	if gap >= gapThreshold || (confidence >= confidenceThreshold && gap > 0) {
		return Decision{Primitive: top.Primitive, Confidence: confidence}
	}

	alts := scores
	if len(alts) > 3 {
		alts = alts[:3]
	}
	return Decision{
		Primitive:    top.Primitive,
		Confidence:   confidence,
		Disambiguate: true,
		Alternatives: alts,
	}
}

func scoreRule(r rule, lower string) int {
	score := 0
	for _, kw := range r.keywords {
		if strings.Contains(lower, kw) {
			score += 50
		}
	}
	for _, kw := range r.contextKeywords {
		if strings.Contains(lower, kw) {
			score += 10
		}
	}
	return score
}

// applyDisambiguationBoosts implements the literal-task-ID and
// "in the cloud" boosts/penalties named in §4.10.
func applyDisambiguationBoosts(scores []ScoredPrimitive, instruction string) {
	hasLocalID := localTaskIDRe.MatchString(instruction)
	hasCloudID := cloudTaskIDRe.MatchString(instruction)
	inCloud := inTheCloudRe.MatchString(instruction)

	for i := range scores {
		isCloud := strings.HasPrefix(scores[i].Primitive, "cloud_")
		isLocal := strings.HasPrefix(scores[i].Primitive, "local_")

		if hasLocalID {
			if isLocal {
				scores[i].Score += 40
			} else if isCloud {
				scores[i].Score -= 30
			}
		}
		if hasCloudID {
			if isCloud {
				scores[i].Score += 40
			} else if isLocal {
				scores[i].Score -= 30
			}
		}
		if inCloud {
			if isCloud {
				scores[i].Score += 25
			} else if isLocal {
				scores[i].Score -= 20
			}
		}
	}
}

// normalize maps a raw score onto 0-100 for the confidence threshold
// comparison; scores are already roughly percentage-shaped since a single
// strong primary-keyword match (50) plus one context match (10) plus a
// disambiguation boost (40) lands comfortably past 70.
func normalize(score int) int {
	if score > maxAttainableScore {
		return maxAttainableScore
	}
	if score < 0 {
		return 0
	}
	return score
}
